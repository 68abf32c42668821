package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/coursehub/internal/model"
	"github.com/hitoshi/coursehub/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinPasswordLength は組み込みIdPが受け付けるパスワードの最小長。
	MinPasswordLength = 6

	localIssuer            = "coursehub"
	defaultAccessTokenTTL  = time.Hour
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	refreshTokenBytes      = 32
)

// LocalConfig は組み込みIdPの設定。
type LocalConfig struct {
	SigningKey      []byte
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	BcryptCost      int
}

// LocalClaims は組み込みIdPが発行するアクセストークンのクレーム。
type LocalClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// LocalProvider はPostgreSQL上の認証情報とHS256署名のJWTによる組み込みIdP。
// 開発環境やテストでSupabaseの代わりに使用する。
type LocalProvider struct {
	creds  repository.CredentialRepository
	config LocalConfig
	now    func() time.Time

	// 未登録メールでも照合時間を揃えるためのダミーハッシュ
	dummyHash []byte
}

// NewLocalProvider はLocalProviderを生成する。
func NewLocalProvider(creds repository.CredentialRepository, config LocalConfig) (*LocalProvider, error) {
	if len(config.SigningKey) == 0 {
		return nil, errors.New("local provider requires a signing key")
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = defaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = defaultRefreshTokenTTL
	}
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("coursehub-dummy-password"), config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare dummy hash: %w", err)
	}

	return &LocalProvider{
		creds:     creds,
		config:    config,
		now:       time.Now,
		dummyHash: dummy,
	}, nil
}

// SignUp は認証情報を作成し、即座にセッションを発行する。
// 組み込みIdPではメール確認を行わない。
func (p *LocalProvider) SignUp(ctx context.Context, email, password string, metadata Metadata) (*Result, error) {
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}

	existing, err := p.creds.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if existing != nil {
		return nil, ErrEmailExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.config.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	cred := &model.Credential{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         metadata.Name,
		Role:         metadata.Role,
		CreatedAt:    p.now(),
	}
	if err := p.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return p.issue(ctx, cred)
}

// SignIn はパスワードを照合し、セッションを発行する。
func (p *LocalProvider) SignIn(ctx context.Context, email, password string) (*Result, error) {
	cred, err := p.creds.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cred == nil {
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return p.issue(ctx, cred)
}

// GetUser はアクセストークンの署名と有効期限を検証し、ユーザーを返す。
// 削除済みのユーザーのトークンは無効とする。
func (p *LocalProvider) GetUser(ctx context.Context, accessToken string) (*User, error) {
	claims, err := p.parse(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	cred, err := p.creds.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cred == nil {
		return nil, ErrInvalidToken
	}
	return credentialToUser(cred), nil
}

// Refresh はリフレッシュトークンを消費し、新しいセッションを発行する。
// 使用済みのトークンは再利用できない。
func (p *LocalProvider) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	if refreshToken == "" {
		return nil, ErrInvalidToken
	}

	token, err := p.creds.ConsumeRefreshToken(ctx, hashToken(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if token == nil {
		return nil, ErrInvalidToken
	}

	cred, err := p.creds.FindByID(ctx, token.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cred == nil {
		return nil, ErrInvalidToken
	}
	return p.issue(ctx, cred)
}

// GetUserByID は認証情報をIDで取得する。
func (p *LocalProvider) GetUserByID(ctx context.Context, id string) (*User, error) {
	cred, err := p.creds.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if cred == nil {
		return nil, ErrUserNotFound
	}
	return credentialToUser(cred), nil
}

// ListUsers は認証情報をページ単位で取得する。pageは1始まり。
func (p *LocalProvider) ListUsers(ctx context.Context, page, perPage int) ([]*User, error) {
	if page < 1 {
		page = 1
	}
	creds, err := p.creds.List(ctx, (page-1)*perPage, perPage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	users := make([]*User, 0, len(creds))
	for _, cred := range creds {
		users = append(users, credentialToUser(cred))
	}
	return users, nil
}

// issue はアクセストークンとリフレッシュトークンを発行する。
func (p *LocalProvider) issue(ctx context.Context, cred *model.Credential) (*Result, error) {
	now := p.now()
	expiresAt := now.Add(p.config.AccessTokenTTL)

	claims := LocalClaims{
		Email: cred.Email,
		Name:  cred.Name,
		Role:  cred.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   cred.ID,
			Issuer:    localIssuer,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.config.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	if err := p.creds.CreateRefreshToken(ctx, &model.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    cred.ID,
		TokenHash: hashToken(refreshToken),
		ExpiresAt: now.Add(p.config.RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return &Result{
		User: credentialToUser(cred),
		Session: &model.Session{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			ExpiresIn:    int(p.config.AccessTokenTTL / time.Second),
			ExpiresAt:    expiresAt,
		},
	}, nil
}

func (p *LocalProvider) parse(token string) (*LocalClaims, error) {
	t, err := jwt.ParseWithClaims(token, &LocalClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return p.config.SigningKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(localIssuer),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*LocalClaims); ok && t.Valid && c.Subject != "" {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

func credentialToUser(cred *model.Credential) *User {
	return &User{
		ID:    cred.ID,
		Email: cred.Email,
		Metadata: Metadata{
			Name: cred.Name,
			Role: cred.Role,
		},
		CreatedAt: cred.CreatedAt,
	}
}

// generateRefreshToken はランダムなリフレッシュトークンを生成する。
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// hashToken はトークンのSHA-256ハッシュを返す。保存・照合にはこの値を使う。
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// compile-time interface check
var (
	_ Provider  = (*LocalProvider)(nil)
	_ Directory = (*LocalProvider)(nil)
)
