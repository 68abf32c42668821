package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/coursehub/internal/model"
)

const defaultSupabaseTimeout = 10 * time.Second

// SupabaseConfig はSupabase Auth（GoTrue）プロバイダーの設定。
type SupabaseConfig struct {
	URL            string // プロジェクトURL（例: https://xyz.supabase.co）
	AnonKey        string // ユーザー向け操作に使用するanonキー
	ServiceRoleKey string // 管理API（Directory）用。未設定の場合Directoryは利用できない
	Timeout        time.Duration

	// テスト用にオーバーライド可能なHTTPクライアント
	HTTPClient *http.Client
}

// SupabaseProvider はSupabase AuthのREST APIによる認証を提供する。
type SupabaseProvider struct {
	config  SupabaseConfig
	baseURL string
	client  *http.Client
}

// NewSupabaseProvider はSupabaseProviderを生成する。
func NewSupabaseProvider(config SupabaseConfig) *SupabaseProvider {
	if config.Timeout <= 0 {
		config.Timeout = defaultSupabaseTimeout
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &SupabaseProvider{
		config:  config,
		baseURL: strings.TrimRight(config.URL, "/") + "/auth/v1",
		client:  client,
	}
}

// HasDirectory は管理APIが利用可能かどうかを返す。
func (p *SupabaseProvider) HasDirectory() bool {
	return p.config.ServiceRoleKey != ""
}

// gotrueUser はGoTrueのユーザーオブジェクト。
type gotrueUser struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	UserMetadata Metadata  `json:"user_metadata"`
	CreatedAt    time.Time `json:"created_at"`

	// メール確認が有効な場合、登録済みメールへの再サインアップには
	// 空配列のidentitiesを持つダミーユーザーが返る
	Identities []json.RawMessage `json:"identities"`
}

// isObfuscated はGoTrueが登録済みメールを隠すために返したダミーユーザーかを判定する。
// identitiesを含まない古い形式のレスポンスは実ユーザーとして扱う。
func (u *gotrueUser) isObfuscated() bool {
	return u.Identities != nil && len(u.Identities) == 0
}

// gotrueSession はGoTrueのセッションレスポンス。
type gotrueSession struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int         `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	RefreshToken string      `json:"refresh_token"`
	User         *gotrueUser `json:"user"`
}

// gotrueError はGoTrueのエラーレスポンス。バージョンにより形式が異なるため両方を受ける。
type gotrueError struct {
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

func (e *gotrueError) text() string {
	for _, s := range []string{e.Msg, e.ErrorDescription, e.Message, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// SignUp はPOST /signupでユーザーを作成する。
// メール確認が必要な設定の場合、GoTrueはセッションを含まないユーザーオブジェクトを返す。
func (p *SupabaseProvider) SignUp(ctx context.Context, email, password string, metadata Metadata) (*Result, error) {
	reqBody := map[string]any{
		"email":    email,
		"password": password,
		"data":     metadata,
	}

	body, status, err := p.do(ctx, http.MethodPost, "/signup", p.config.AnonKey, "", reqBody)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, classifySignUpError(status, body)
	}

	var sess gotrueSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("%w: failed to parse signup response: %v", ErrUnavailable, err)
	}

	if sess.AccessToken != "" && sess.User != nil {
		return &Result{User: sess.User.toUser(), Session: sess.toSession()}, nil
	}

	// セッションなし（メール確認待ち）: レスポンス本体がユーザー
	var u gotrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: failed to parse signup user: %v", ErrUnavailable, err)
	}
	if u.ID == "" {
		return nil, fmt.Errorf("%w: empty user id in signup response", ErrUnavailable)
	}
	if u.isObfuscated() {
		return nil, ErrEmailExists
	}
	return &Result{User: u.toUser()}, nil
}

// SignIn はPOST /token?grant_type=passwordで認証情報を検証する。
func (p *SupabaseProvider) SignIn(ctx context.Context, email, password string) (*Result, error) {
	reqBody := map[string]string{
		"email":    email,
		"password": password,
	}
	return p.token(ctx, "password", reqBody, ErrInvalidCredentials)
}

// Refresh はPOST /token?grant_type=refresh_tokenでセッションを更新する。
func (p *SupabaseProvider) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	reqBody := map[string]string{
		"refresh_token": refreshToken,
	}
	return p.token(ctx, "refresh_token", reqBody, ErrInvalidToken)
}

// GetUser はGET /userでアクセストークンをユーザーに解決する。
func (p *SupabaseProvider) GetUser(ctx context.Context, accessToken string) (*User, error) {
	body, status, err := p.do(ctx, http.MethodGet, "/user", p.config.AnonKey, accessToken, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case isRejectionStatus(status):
		return nil, ErrInvalidToken
	default:
		return nil, fmt.Errorf("%w: user lookup returned status %d", ErrUnavailable, status)
	}

	var u gotrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: failed to parse user response: %v", ErrUnavailable, err)
	}
	if u.ID == "" {
		return nil, ErrInvalidToken
	}
	return u.toUser(), nil
}

// GetUserByID はGET /admin/users/{id}でユーザーを取得する。service_roleキーが必要。
func (p *SupabaseProvider) GetUserByID(ctx context.Context, id string) (*User, error) {
	if !p.HasDirectory() {
		return nil, fmt.Errorf("%w: service role key is not configured", ErrUnavailable)
	}

	body, status, err := p.do(ctx, http.MethodGet, "/admin/users/"+url.PathEscape(id),
		p.config.ServiceRoleKey, p.config.ServiceRoleKey, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
	case status == http.StatusNotFound:
		return nil, ErrUserNotFound
	default:
		return nil, fmt.Errorf("%w: admin user lookup returned status %d", ErrUnavailable, status)
	}

	var u gotrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("%w: failed to parse admin user response: %v", ErrUnavailable, err)
	}
	if u.ID == "" {
		return nil, ErrUserNotFound
	}
	return u.toUser(), nil
}

// ListUsers はGET /admin/usersでユーザーをページ単位で取得する。
func (p *SupabaseProvider) ListUsers(ctx context.Context, page, perPage int) ([]*User, error) {
	if !p.HasDirectory() {
		return nil, fmt.Errorf("%w: service role key is not configured", ErrUnavailable)
	}

	q := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	body, status, err := p.do(ctx, http.MethodGet, "/admin/users?"+q.Encode(),
		p.config.ServiceRoleKey, p.config.ServiceRoleKey, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%w: admin user list returned status %d", ErrUnavailable, status)
	}

	var resp struct {
		Users []gotrueUser `json:"users"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: failed to parse admin user list: %v", ErrUnavailable, err)
	}

	users := make([]*User, 0, len(resp.Users))
	for i := range resp.Users {
		users = append(users, resp.Users[i].toUser())
	}
	return users, nil
}

// token は/tokenエンドポイントを呼び出す。
// 認証情報・トークンの拒否を示すステータスのみrejectedとし、
// レート制限（429）やその他の応答、通信エラーはErrUnavailableとする。
func (p *SupabaseProvider) token(ctx context.Context, grantType string, reqBody any, rejected error) (*Result, error) {
	body, status, err := p.do(ctx, http.MethodPost, "/token?grant_type="+grantType, p.config.AnonKey, "", reqBody)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if !isRejectionStatus(status) {
			return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrUnavailable, status)
		}
		var gerr gotrueError
		_ = json.Unmarshal(body, &gerr)
		if gerr.ErrorCode == "email_not_confirmed" {
			return nil, ErrEmailNotConfirmed
		}
		return nil, rejected
	}

	var sess gotrueSession
	if err := json.Unmarshal(body, &sess); err != nil {
		return nil, fmt.Errorf("%w: failed to parse token response: %v", ErrUnavailable, err)
	}
	if sess.AccessToken == "" || sess.User == nil {
		return nil, fmt.Errorf("%w: empty session in token response", ErrUnavailable)
	}
	return &Result{User: sess.User.toUser(), Session: sess.toSession()}, nil
}

// do はGoTrueにリクエストを送信し、レスポンス本体とステータスコードを返す。
// 通信エラーはErrUnavailableでラップする。
func (p *SupabaseProvider) do(ctx context.Context, method, path, apiKey, bearer string, reqBody any) ([]byte, int, error) {
	var reader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", apiKey)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	return body, resp.StatusCode, nil
}

// isRejectionStatus はGoTrueが入力・認証情報・トークンを拒否したことを示すステータスかを返す。
func isRejectionStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// classifySignUpError はサインアップのエラーレスポンスを判定する。
func classifySignUpError(status int, body []byte) error {
	if !isRejectionStatus(status) {
		return fmt.Errorf("%w: signup returned status %d", ErrUnavailable, status)
	}

	var gerr gotrueError
	_ = json.Unmarshal(body, &gerr)

	switch gerr.ErrorCode {
	case "user_already_exists", "email_exists":
		return ErrEmailExists
	case "weak_password":
		return ErrWeakPassword
	}

	text := strings.ToLower(gerr.text())
	switch {
	case strings.Contains(text, "already registered"), strings.Contains(text, "already exists"):
		return ErrEmailExists
	case strings.Contains(text, "password"):
		return ErrWeakPassword
	}
	return fmt.Errorf("%w: signup rejected with status %d", ErrUnavailable, status)
}

func (u *gotrueUser) toUser() *User {
	return &User{
		ID:        u.ID,
		Email:     u.Email,
		Metadata:  u.UserMetadata,
		CreatedAt: u.CreatedAt,
	}
}

func (s *gotrueSession) toSession() *model.Session {
	session := &model.Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    s.ExpiresIn,
	}
	switch {
	case s.ExpiresAt > 0:
		session.ExpiresAt = time.Unix(s.ExpiresAt, 0)
	case s.ExpiresIn > 0:
		session.ExpiresAt = time.Now().Add(time.Duration(s.ExpiresIn) * time.Second)
	}
	return session
}

// compile-time interface check
var (
	_ Provider  = (*SupabaseProvider)(nil)
	_ Directory = (*SupabaseProvider)(nil)
)
