package model

import "time"

// Credential は組み込みIdPが保持する認証情報を表す。
// Name・Roleは登録時のメタデータであり、ロールの正はUser側にある。
type Credential struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Role         string
	CreatedAt    time.Time
}

// RefreshToken は組み込みIdPが発行したリフレッシュトークンを表す。
// トークン本体は保存せず、ハッシュのみを保持する。
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}
