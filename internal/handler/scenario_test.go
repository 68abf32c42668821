package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/coursehub/internal/auth"
	"github.com/hitoshi/coursehub/internal/identity"
	"github.com/hitoshi/coursehub/internal/middleware"
	"github.com/hitoshi/coursehub/internal/model"
	"github.com/hitoshi/coursehub/internal/repository"
	"github.com/hitoshi/coursehub/internal/security"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/publicsuffix"
)

// --- インメモリのリポジトリ ---

type memoryUserRepo struct {
	mu        sync.Mutex
	users     map[string]*model.User
	createErr error
}

func newMemoryUserRepo() *memoryUserRepo {
	return &memoryUserRepo{users: make(map[string]*model.User)}
}

func (m *memoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memoryUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memoryUserRepo) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, u := range m.users {
		if u.ID == user.ID || strings.EqualFold(u.Email, user.Email) {
			return repository.ErrDuplicate
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memoryUserRepo) setCreateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

type memoryCredentialRepo struct {
	mu     sync.Mutex
	creds  []*model.Credential
	tokens map[string]*model.RefreshToken
}

func newMemoryCredentialRepo() *memoryCredentialRepo {
	return &memoryCredentialRepo{tokens: make(map[string]*model.RefreshToken)}
}

func (m *memoryCredentialRepo) Create(_ context.Context, cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if strings.EqualFold(c.Email, cred.Email) {
			return repository.ErrDuplicate
		}
	}
	m.creds = append(m.creds, cred)
	return nil
}

func (m *memoryCredentialRepo) FindByEmail(_ context.Context, email string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if strings.EqualFold(c.Email, email) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memoryCredentialRepo) FindByID(_ context.Context, id string) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (m *memoryCredentialRepo) List(_ context.Context, offset, limit int) ([]*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset >= len(m.creds) {
		return nil, nil
	}
	end := min(offset+limit, len(m.creds))
	return m.creds[offset:end], nil
}

func (m *memoryCredentialRepo) CreateRefreshToken(_ context.Context, token *model.RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token.TokenHash] = token
	return nil
}

func (m *memoryCredentialRepo) ConsumeRefreshToken(_ context.Context, tokenHash string) (*model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[tokenHash]
	if !ok || token.RevokedAt != nil || time.Now().After(token.ExpiresAt) {
		return nil, nil
	}
	now := time.Now()
	token.RevokedAt = &now
	return token, nil
}

// --- シナリオ用のサーバー ---

type scenario struct {
	server   *httptest.Server
	provider *identity.LocalProvider
	users    *memoryUserRepo
}

// newScenario は組み込みIdPとインメモリストアで実際の構成と同じルーターを起動する。
func newScenario(t *testing.T) *scenario {
	t.Helper()

	users := newMemoryUserRepo()
	provider, err := identity.NewLocalProvider(newMemoryCredentialRepo(), identity.LocalConfig{
		SigningKey: []byte("scenario-signing-key"),
		BcryptCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatalf("NewLocalProvider() error = %v", err)
	}

	authenticator := auth.NewAuthenticator(provider, provider, users, security.NewNameSanitizer(), nil, auth.Config{})
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	router := NewRouter(&RouterDeps{
		Validator:         authenticator,
		CORSAllowedOrigin: "http://localhost:5173",
		RateLimiter:       rl,
		AuthService:       authenticator,
		AdminService:      authenticator,
		Cookies:           auth.CookieConfig{Secure: false},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &scenario{server: server, provider: provider, users: users}
}

// client はCookieを保持するブラウザ相当のクライアントを返す。
func (s *scenario) client(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		t.Fatalf("cookiejar.New() error = %v", err)
	}
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

func (s *scenario) do(t *testing.T, c *http.Client, method, path, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// --- シナリオテスト ---

func TestScenario_InstructorAndStudent(t *testing.T) {
	s := newScenario(t)
	alice := s.client(t)
	bob := s.client(t)

	status, body := s.do(t, alice, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"alice@example.com","password":"secret123","name":"Alice","role":"instructor"}`)
	if status != http.StatusCreated {
		t.Fatalf("alice signup status = %d, body = %v", status, body)
	}
	status, body = s.do(t, bob, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"bob@example.com","password":"secret123","name":"Bob"}`)
	if status != http.StatusCreated {
		t.Fatalf("bob signup status = %d, body = %v", status, body)
	}
	if user, _ := body["user"].(map[string]any); user["role"] != "student" {
		t.Errorf("bob role = %v, want student by default", user["role"])
	}

	status, body = s.do(t, alice, http.MethodGet, "/api/v1/instructor/dashboard", "")
	if status != http.StatusOK {
		t.Errorf("alice dashboard status = %d, body = %v", status, body)
	}
	status, body = s.do(t, bob, http.MethodGet, "/api/v1/instructor/dashboard", "")
	if status != http.StatusForbidden {
		t.Errorf("bob dashboard status = %d, want 403", status)
	}
	if body["error"] != "Forbidden: instructor or admin role required" {
		t.Errorf("bob dashboard error = %v", body["error"])
	}

	// ログアウト後は保護されたエンドポイントに到達できない
	if status, _ := s.do(t, alice, http.MethodPost, "/api/v1/auth/logout", ""); status != http.StatusOK {
		t.Errorf("logout status = %d, want 200", status)
	}
	status, body = s.do(t, alice, http.MethodGet, "/api/v1/instructor/dashboard", "")
	if status != http.StatusUnauthorized || body["error"] != model.MsgMissingToken {
		t.Errorf("after logout status = %d, body = %v", status, body)
	}

	// 再ログインでアクセスが復帰する
	status, body = s.do(t, alice, http.MethodPost, "/api/v1/auth/login",
		`{"email":"alice@example.com","password":"secret123"}`)
	if status != http.StatusOK || body["message"] != msgSignInSuccessful {
		t.Fatalf("login status = %d, body = %v", status, body)
	}
	if status, _ := s.do(t, alice, http.MethodPost, "/api/v1/auth/profile", ""); status != http.StatusOK {
		t.Errorf("profile status = %d, want 200", status)
	}
}

func TestScenario_DuplicateSignUp(t *testing.T) {
	s := newScenario(t)
	carol := s.client(t)

	signup := `{"email":"carol@example.com","password":"secret123","name":"Carol"}`
	if status, body := s.do(t, carol, http.MethodPost, "/api/v1/auth/signup", signup); status != http.StatusCreated {
		t.Fatalf("first signup status = %d, body = %v", status, body)
	}

	status, body := s.do(t, s.client(t), http.MethodPost, "/api/v1/auth/signup",
		`{"email":"Carol@Example.com","password":"another123","name":"Carol Again"}`)
	if status != http.StatusConflict {
		t.Fatalf("duplicate signup status = %d, want 409", status)
	}
	if body["error"] != model.MsgUserExists {
		t.Errorf("error = %v", body["error"])
	}

	// 元のアカウントは影響を受けない
	if status, _ := s.do(t, carol, http.MethodPost, "/api/v1/auth/login",
		`{"email":"carol@example.com","password":"secret123"}`); status != http.StatusOK {
		t.Errorf("original login status = %d, want 200", status)
	}
}

func TestScenario_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	s := newScenario(t)
	c := s.client(t)

	s.do(t, c, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"erin@example.com","password":"secret123","name":"Erin"}`)

	_, wrongPassword := s.do(t, s.client(t), http.MethodPost, "/api/v1/auth/login",
		`{"email":"erin@example.com","password":"wrong-password"}`)
	_, unknownEmail := s.do(t, s.client(t), http.MethodPost, "/api/v1/auth/login",
		`{"email":"nobody@example.com","password":"secret123"}`)

	if wrongPassword["error"] != model.MsgInvalidCredentials || unknownEmail["error"] != model.MsgInvalidCredentials {
		t.Errorf("errors = (%v, %v), want both %q", wrongPassword["error"], unknownEmail["error"], model.MsgInvalidCredentials)
	}
}

func TestScenario_ProfilePersistenceFailureIsRecoveredOnSignIn(t *testing.T) {
	s := newScenario(t)
	frank := s.client(t)

	s.users.setCreateErr(errors.New("connection reset"))
	status, body := s.do(t, frank, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"frank@example.com","password":"secret123","name":"Frank","role":"instructor"}`)
	if status != http.StatusInternalServerError || body["code"] != model.ErrCodeProfilePersistence {
		t.Fatalf("signup status = %d, body = %v", status, body)
	}
	if strings.Contains(body["error"].(string), "connection reset") {
		t.Error("storage error detail must not leak")
	}

	s.users.setCreateErr(nil)
	status, body = s.do(t, frank, http.MethodPost, "/api/v1/auth/login",
		`{"email":"frank@example.com","password":"secret123"}`)
	if status != http.StatusOK {
		t.Fatalf("login status = %d, body = %v", status, body)
	}
	if user, _ := body["user"].(map[string]any); user["role"] != "instructor" {
		t.Errorf("backfilled role = %v, want instructor from provider metadata", user["role"])
	}
	if status, _ := s.do(t, frank, http.MethodGet, "/api/v1/instructor/dashboard", ""); status != http.StatusOK {
		t.Errorf("dashboard status = %d, want 200", status)
	}
}

func TestScenario_MissingProfileIsRecoveredBySelfReconcile(t *testing.T) {
	s := newScenario(t)

	// ミラーを作らずにIdPだけにユーザーを作成する
	res, err := s.provider.SignUp(context.Background(), "grace@example.com", "secret123",
		identity.Metadata{Name: "Grace", Role: "instructor"})
	if err != nil {
		t.Fatalf("provider SignUp() error = %v", err)
	}

	request := func(method, path string) *http.Response {
		req, _ := http.NewRequest(method, s.server.URL+path, nil)
		req.AddCookie(&http.Cookie{Name: auth.AccessTokenCookie, Value: res.Session.AccessToken})
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s error = %v", method, path, err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := request(http.MethodGet, "/api/v1/instructor/dashboard"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("dashboard before reconcile = %d, want 403", resp.StatusCode)
	}
	if resp := request(http.MethodGet, "/api/v1/auth/profile"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("profile before reconcile = %d, want 404", resp.StatusCode)
	}
	if resp := request(http.MethodPost, "/api/v1/auth/reconcile"); resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile = %d, want 200", resp.StatusCode)
	}
	if resp := request(http.MethodGet, "/api/v1/instructor/dashboard"); resp.StatusCode != http.StatusOK {
		t.Errorf("dashboard after reconcile = %d, want 200", resp.StatusCode)
	}
}

func TestScenario_RefreshRotatesSession(t *testing.T) {
	s := newScenario(t)
	henry := s.client(t)

	s.do(t, henry, http.MethodPost, "/api/v1/auth/signup",
		`{"email":"henry@example.com","password":"secret123","name":"Henry"}`)

	if status, body := s.do(t, henry, http.MethodPost, "/api/v1/auth/refresh", ""); status != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %v", status, body)
	}
	if status, _ := s.do(t, henry, http.MethodGet, "/api/v1/auth/profile", ""); status != http.StatusOK {
		t.Errorf("profile after refresh = %d, want 200", status)
	}

	status, _ := s.do(t, s.client(t), http.MethodPost, "/api/v1/auth/refresh", "")
	if status != http.StatusUnauthorized {
		t.Errorf("refresh without cookie = %d, want 401", status)
	}
}
