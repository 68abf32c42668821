// Package identity は外部IdP（認証情報とセッショントークンの発行元）へのアクセスを提供する。
// IdPの判定は不透明なものとして扱い、その結果をそのまま信頼する。
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/coursehub/internal/model"
)

// IdPが返す判定結果。実装はこれらをラップして返す。
var (
	ErrEmailExists        = errors.New("identity: email already registered")
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrEmailNotConfirmed  = errors.New("identity: email not confirmed")
	ErrInvalidToken       = errors.New("identity: invalid or expired token")
	ErrWeakPassword       = errors.New("identity: password does not meet requirements")
	ErrUserNotFound       = errors.New("identity: user not found")
	ErrUnavailable        = errors.New("identity: provider unavailable")
)

// Metadata は登録時にIdPへ保存するユーザーメタデータ。
// ロールはここにも書き込むが、正はローカルのミラーにある。
type Metadata struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// User はIdPが管理するユーザーを表す。
type User struct {
	ID        string
	Email     string
	Metadata  Metadata
	CreatedAt time.Time
}

// Result はサインアップ・サインインの結果。
// メール確認待ちなどでIdPがセッションを発行しなかった場合、Sessionはnilとなる。
type Result struct {
	User    *User
	Session *model.Session
}

// Provider はユーザー向けのIdP操作のインターフェース。
type Provider interface {
	// SignUp はユーザーを作成する。メールアドレスが登録済みの場合はErrEmailExistsを返す。
	SignUp(ctx context.Context, email, password string, metadata Metadata) (*Result, error)
	// SignIn は認証情報を検証し、セッションを発行する。
	// 未登録メールとパスワード不一致はどちらもErrInvalidCredentialsを返す。
	SignIn(ctx context.Context, email, password string) (*Result, error)
	// GetUser はアクセストークンをユーザーに解決する。
	GetUser(ctx context.Context, accessToken string) (*User, error)
	// Refresh はリフレッシュトークンを新しいセッションに交換する。
	Refresh(ctx context.Context, refreshToken string) (*Result, error)
}

// Directory は管理者向けのIdP操作のインターフェース。ミラーの復旧に使用する。
type Directory interface {
	// GetUserByID はIdP上のユーザーをIDで取得する。存在しない場合はErrUserNotFoundを返す。
	GetUserByID(ctx context.Context, id string) (*User, error)
	// ListUsers はIdP上のユーザーをページ単位で取得する。pageは1始まり。
	ListUsers(ctx context.Context, page, perPage int) ([]*User, error)
}
