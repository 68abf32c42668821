// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/coursehub/internal/model"
)

// ErrDuplicate は一意制約に違反した場合に返される。
var ErrDuplicate = errors.New("duplicate record")

// UserRepository はIdPユーザーのミラーの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。大文字小文字は区別しない。
	// 見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。IDまたはメールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// CredentialRepository は組み込みIdPの認証情報の永続化インターフェース。
type CredentialRepository interface {
	// Create は認証情報を作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, cred *model.Credential) error

	// FindByEmail はメールアドレスで認証情報を取得する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Credential, error)

	// FindByID は指定IDの認証情報を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Credential, error)

	// List は作成日時順に認証情報を取得する。
	List(ctx context.Context, offset, limit int) ([]*model.Credential, error)

	// CreateRefreshToken はリフレッシュトークンを保存する。
	CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error

	// ConsumeRefreshToken は有効なリフレッシュトークンを失効させて返す。
	// 存在しない・期限切れ・失効済みの場合はnilを返す。
	ConsumeRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
}
