// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/coursehub/internal/auth"
	"github.com/hitoshi/coursehub/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// identityContextKey はリクエストコンテキストに認証済みIdentityを格納するためのキー。
var identityContextKey = contextKey("identity")

// RequestValidator はアクセストークンの検証に必要なインターフェース。
// auth.Authenticatorが満たす。
type RequestValidator interface {
	ValidateRequest(ctx context.Context, accessToken string) (*model.Identity, error)
}

// NewAuthMiddleware はHttpOnly Cookieのアクセストークンを検証し、
// 認証済みIdentityをリクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401を返し、後続のハンドラーは実行しない。
func NewAuthMiddleware(validator RequestValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := validator.ValidateRequest(r.Context(), auth.AccessTokenFromRequest(r))
			if err != nil {
				if apiErr, ok := model.AsAPIError(err); ok && apiErr.Code == model.ErrCodeAuthentication {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				slog.Error("failed to validate request",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			annotateRequestLog(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
		})
	}
}

// RequireRoles はIdentityのロールが指定ロールのいずれかであることを要求するミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。条件を満たさない場合は403を返す。
func RequireRoles(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := IdentityFromContext(r.Context())
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError(model.MsgMissingToken))
				return
			}

			if err := auth.Authorize(id, roles...); err != nil {
				apiErr, _ := model.AsAPIError(err)
				slog.Warn("authorization denied",
					slog.String("user_id", id.ID),
					slog.String("role", string(id.Role)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, apiErr)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IdentityFromContext はリクエストコンテキストから認証済みIdentityを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func IdentityFromContext(ctx context.Context) (*model.Identity, error) {
	id, ok := ctx.Value(identityContextKey).(*model.Identity)
	if !ok || id == nil {
		return nil, fmt.Errorf("identity not found in context")
	}
	return id, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	id, err := IdentityFromContext(ctx)
	if err != nil || id.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return id.ID, nil
}

// ContextWithIdentity はコンテキストにIdentityを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithIdentity(ctx context.Context, id *model.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}
