package auth

import (
	"net/http"

	"github.com/hitoshi/coursehub/internal/model"
)

// セッションCookie名。フロントエンドとの互換性のため固定とする。
const (
	AccessTokenCookie  = "sb_access_token"
	RefreshTokenCookie = "sb_refresh_token"
)

// DefaultCookieMaxAge はIdPが有効期間を報告しない場合のCookie有効期間（秒）。
const DefaultCookieMaxAge = 7 * 24 * 60 * 60

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool // 開発環境以外ではtrue
}

// CookieMaxAge はアクセストークンCookieの有効期間（秒）を返す。
func CookieMaxAge(expiresIn int) int {
	if expiresIn > 0 {
		return expiresIn
	}
	return DefaultCookieMaxAge
}

// SetSessionCookies はアクセストークンとリフレッシュトークンをHttpOnly Cookieに設定する。
// リフレッシュトークンの有効期間はIdPから報告されないため既定値を使う。
func SetSessionCookies(w http.ResponseWriter, session *model.Session, cfg CookieConfig) {
	if session == nil {
		return
	}
	http.SetCookie(w, cfg.cookie(AccessTokenCookie, session.AccessToken, CookieMaxAge(session.ExpiresIn)))
	if session.RefreshToken != "" {
		http.SetCookie(w, cfg.cookie(RefreshTokenCookie, session.RefreshToken, DefaultCookieMaxAge))
	}
}

// ClearSessionCookies は両方のセッションCookieを削除する。
func ClearSessionCookies(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, cfg.cookie(AccessTokenCookie, "", -1))
	http.SetCookie(w, cfg.cookie(RefreshTokenCookie, "", -1))
}

// AccessTokenFromRequest はリクエストのCookieからアクセストークンを取得する。
func AccessTokenFromRequest(r *http.Request) string {
	return cookieValue(r, AccessTokenCookie)
}

// RefreshTokenFromRequest はリクエストのCookieからリフレッシュトークンを取得する。
func RefreshTokenFromRequest(r *http.Request) string {
	return cookieValue(r, RefreshTokenCookie)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (cfg CookieConfig) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
