// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"strings"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeAuthentication     = "AUTHENTICATION_ERROR"
	ErrCodeAuthorization      = "AUTHORIZATION_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeProfilePersistence = "PROFILE_PERSISTENCE_ERROR"
	ErrCodeUpstream           = "UPSTREAM_ERROR"
	ErrCodeProfileNotFound    = "PROFILE_NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// 認証エラーのメッセージ。クライアントが判別に使うため固定文言とする。
const (
	MsgInvalidCredentials = "Invalid email or password"
	MsgMissingToken       = "Missing authentication token"
	MsgInvalidToken       = "Invalid or expired token"
	MsgUserExists         = "User already exists with this email"
)

// NewValidationError は入力不備エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewAuthenticationError は認証失敗エラーを生成する。
func NewAuthenticationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthentication,
		Message:  message,
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewAuthorizationError は権限不足エラーを生成する。
// メッセージは "Forbidden: instructor or admin role required" の形式となる。
func NewAuthorizationError(required []Role) *APIError {
	names := make([]string, len(required))
	for i, r := range required {
		names[i] = string(r)
	}
	return &APIError{
		Code:     ErrCodeAuthorization,
		Message:  fmt.Sprintf("Forbidden: %s role required", strings.Join(names, " or ")),
		Category: "auth",
		Action:   "この操作を行う権限がありません。",
	}
}

// NewOwnershipError はリソース所有者以外による操作のエラーを生成する。
func NewOwnershipError() *APIError {
	return &APIError{
		Code:     ErrCodeAuthorization,
		Message:  "You can only modify your own resources",
		Category: "auth",
		Action:   "この操作を行う権限がありません。",
	}
}

// NewConflictError は重複登録エラーを生成する。
func NewConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  MsgUserExists,
		Category: "validation",
		Action:   "別のメールアドレスを使用するか、ログインしてください。",
	}
}

// NewProfileConflictError はミラー上で同じメールアドレスを別IDのレコードが保持している場合のエラーを生成する。
// 利用者の再試行では解消しないため、サポートへの連絡を案内する。
func NewProfileConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  "This email is linked to a different profile",
		Category: "system",
		Action:   "サポートに連絡してください。",
	}
}

// NewProfilePersistenceError はIdP登録後にプロフィール保存が失敗したエラーを生成する。
// IdP側のアカウントは残っているため、再試行で復旧できる旨を伝える。
func NewProfilePersistenceError() *APIError {
	return &APIError{
		Code:     ErrCodeProfilePersistence,
		Message:  "Your account could not be fully set up",
		Category: "system",
		Action:   "しばらく待ってからログインし直してください。解決しない場合はサポートに連絡してください。",
	}
}

// NewUpstreamError はIdPへの接続失敗エラーを生成する。
func NewUpstreamError() *APIError {
	return &APIError{
		Code:     ErrCodeUpstream,
		Message:  "Authentication service is unavailable",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProfileNotFoundError はIdP上のユーザーにミラーレコードが無い場合のエラーを生成する。
func NewProfileNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeProfileNotFound,
		Message:  "Profile not found",
		Category: "auth",
		Action:   "プロフィールの復旧を実行してください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// IsCode はerrがAPIErrorであり、指定したコードを持つかを判定する。
func IsCode(err error, code string) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == code
}

// AsAPIError はエラーチェーンからAPIErrorを取り出す。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
