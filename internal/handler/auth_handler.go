// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/coursehub/internal/auth"
	"github.com/hitoshi/coursehub/internal/middleware"
	"github.com/hitoshi/coursehub/internal/model"
)

// レスポンスメッセージ。既存のフロントエンドが表示に使うため固定文言とする。
const (
	msgAccountCreated      = "Account created successfully"
	msgPendingConfirmation = "Account created. Please confirm your email before signing in."
	msgSignInSuccessful    = "Sign in successful"
	msgSessionRefreshed    = "Session refreshed"
	msgLoggedOut           = "Logged out successfully"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, in auth.SignUpInput) (*auth.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*auth.SignInResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.SignInResult, error)
	Profile(ctx context.Context, id *model.Identity) (*model.User, error)
	ReconcileIdentity(ctx context.Context, id *model.Identity) (*model.User, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	cookies auth.CookieConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, cookies auth.CookieConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		cookies: cookies,
	}
}

type signUpRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はアカウントを作成する。
// POST /api/v1/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	res, err := h.service.SignUp(r.Context(), auth.SignUpInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     req.Role,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if res.PendingConfirmation {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"user":                 toUserResponse(res.User),
			"message":              msgPendingConfirmation,
			"pending_confirmation": true,
		})
		return
	}

	auth.SetSessionCookies(w, res.Session, h.cookies)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user":    toUserResponse(res.User),
		"message": msgAccountCreated,
	})
}

// Login はメールアドレスとパスワードでサインインし、セッションCookieを設定する。
// POST /api/v1/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	res, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	auth.SetSessionCookies(w, res.Session, h.cookies)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    toUserResponse(res.User),
		"message": msgSignInSuccessful,
	})
}

// Refresh はリフレッシュトークンCookieでセッションを更新する。
// 失敗した場合は古いCookieを残さない。
// POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.Refresh(r.Context(), auth.RefreshTokenFromRequest(r))
	if err != nil {
		if model.IsCode(err, model.ErrCodeAuthentication) {
			auth.ClearSessionCookies(w, h.cookies)
		}
		handleServiceError(w, err)
		return
	}

	auth.SetSessionCookies(w, res.Session, h.cookies)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":    toUserResponse(res.User),
		"message": msgSessionRefreshed,
	})
}

// Logout はセッションCookieを削除する。
// トークンの有無や有効性に関わらず常に200を返す。
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearSessionCookies(w, h.cookies)
	writeJSON(w, http.StatusOK, map[string]string{"message": msgLoggedOut})
}

// Profile は認証済みユーザーのプロフィールを返す。
// GET|POST /api/v1/auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	user, err := h.service.Profile(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"profile": toUserResponse(user)})
}

// Reconcile は認証済みユーザー自身のプロフィールをIdPのメタデータから補完する。
// POST /api/v1/auth/reconcile
func (h *AuthHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}

	user, err := h.service.ReconcileIdentity(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("profile reconciled by owner", slog.String("user_id", id.ID))
	writeJSON(w, http.StatusOK, map[string]any{"profile": toUserResponse(user)})
}

// identityOrUnauthorized はコンテキストのIdentityを返す。
// 認証ミドルウェアを通っていない場合は401を書き込む。
func identityOrUnauthorized(w http.ResponseWriter, r *http.Request) (*model.Identity, bool) {
	id, err := middleware.IdentityFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthenticationError(model.MsgMissingToken))
		return nil, false
	}
	return id, true
}
