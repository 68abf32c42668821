// Package model はドメインモデルを定義する。
package model

import "time"

// Role はユーザーの役割を表す。
type Role string

const (
	// RoleStudent は受講者。登録時のデフォルト。
	RoleStudent Role = "student"
	// RoleInstructor はコースを作成する講師。
	RoleInstructor Role = "instructor"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Roles は許可されたロールの一覧。
var Roles = []Role{RoleStudent, RoleInstructor, RoleAdmin}

// Valid はロールが許可された値のいずれかであるかを判定する。
func (r Role) Valid() bool {
	for _, allowed := range Roles {
		if r == allowed {
			return true
		}
	}
	return false
}

// ParseRole は文字列をRoleに変換する。
// 空文字列の場合はRoleStudentを返す。許可されていない値の場合はfalseを返す。
func ParseRole(s string) (Role, bool) {
	if s == "" {
		return RoleStudent, true
	}
	r := Role(s)
	if !r.Valid() {
		return "", false
	}
	return r, true
}

// User はIdPのユーザーをミラーしたアプリケーション側のユーザーレコードを表す。
// IDはIdP側のユーザーIDと一致しなければならない。
// Roleはこのレコードが正とし、登録後はこのサービスから変更しない。
type User struct {
	ID        string
	Email     string
	Name      string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Identity はリクエスト単位で解決された認証済みユーザーを表す。
// ProfileMissingがtrueの場合、IdP上にユーザーは存在するがミラーレコードが無い。
// その場合Roleは空となり、ロール制限付きのエンドポイントは通過できない。
type Identity struct {
	ID             string
	Email          string
	Name           string
	Role           Role
	ProfileMissing bool

	// MetadataRole はミラーが無い場合にIdPメタデータに記録されているロール。
	// 認可には使わず、プロフィールの補完にのみ使用する。
	MetadataRole string
}

// IdentityFromUser はミラーレコードからIdentityを生成する。
func IdentityFromUser(u *User) *Identity {
	return &Identity{
		ID:    u.ID,
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
	}
}

// Session はIdPが発行したトークンの組を表す。
// サーバー側では永続化せず、Cookieとしてクライアントにのみ保持させる。
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int // アクセストークンの有効期間（秒）。0はIdPが報告しなかったことを示す
	ExpiresAt    time.Time
}
