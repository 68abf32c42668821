// Package auth はサインアップ・サインイン・リクエスト認証とロールによる認可を提供する。
// 認証情報の検証とトークンの発行はIdPに委譲し、ロールはローカルのミラーを正とする。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/hitoshi/coursehub/internal/identity"
	"github.com/hitoshi/coursehub/internal/metrics"
	"github.com/hitoshi/coursehub/internal/model"
	"github.com/hitoshi/coursehub/internal/repository"
	"github.com/hitoshi/coursehub/internal/security"
)

const defaultProviderTimeout = 10 * time.Second

// ErrProfileEmailConflict はミラー上で同じメールアドレスを別IDのレコードが保持している場合に返される。
// ミラーのIDはIdPのIDと一致しなければならないため、自動では補完しない。
var ErrProfileEmailConflict = errors.New("profile email is held by a different user id")

// 入力エラーのメッセージ
const (
	MsgMissingFields      = "Missing required fields"
	MsgInvalidEmail       = "Invalid email address"
	MsgInvalidRole        = "Invalid role: must be one of student, instructor, admin"
	MsgWeakPassword       = "Password does not meet the minimum requirements"
	MsgEmailNotConfirmed  = "Email address has not been confirmed"
	msgDirectoryNotConfig = "identity directory is not configured"
)

// IdP操作名（メトリクスのラベル）
const (
	opSignUp    = "signup"
	opSignIn    = "signin"
	opGetUser   = "get_user"
	opRefresh   = "refresh"
	opReconcile = "reconcile"
)

// Config は認証サービスの設定。
type Config struct {
	ProviderTimeout time.Duration // IdP呼び出し1回あたりのタイムアウト
}

// SignUpInput はサインアップの入力。
type SignUpInput struct {
	Email    string
	Password string
	Name     string
	Role     string
}

// SignUpResult はサインアップの結果。
// PendingConfirmationがtrueの場合、IdPはセッションを発行しておらずSessionはnilとなる。
type SignUpResult struct {
	User                *model.User
	Session             *model.Session
	PendingConfirmation bool
}

// SignInResult はサインイン・セッション更新の結果。
type SignInResult struct {
	User    *model.User
	Session *model.Session
}

// Authenticator は認証に関するビジネスロジックを提供する。
// リクエスト間で共有する可変状態を持たない。
type Authenticator struct {
	provider  identity.Provider
	directory identity.Directory
	users     repository.UserRepository
	sanitizer security.NameSanitizer
	metrics   metrics.MetricsCollector
	config    Config
	now       func() time.Time
}

// NewAuthenticator はAuthenticatorを生成する。
// directoryがnilの場合、IDを指定した復旧（Reconcile）は利用できない。
func NewAuthenticator(
	provider identity.Provider,
	directory identity.Directory,
	users repository.UserRepository,
	sanitizer security.NameSanitizer,
	collector metrics.MetricsCollector,
	config Config,
) *Authenticator {
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = defaultProviderTimeout
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Authenticator{
		provider:  provider,
		directory: directory,
		users:     users,
		sanitizer: sanitizer,
		metrics:   collector,
		config:    config,
		now:       time.Now,
	}
}

// SignUp はIdPにユーザーを作成し、同じIDでミラーレコードを作成する。
// IdP登録後にミラーの作成が失敗した場合はProfilePersistenceErrorを返す。
// IdP側のユーザーは残るため、サインイン時または復旧処理で後から補完される。
func (a *Authenticator) SignUp(ctx context.Context, in SignUpInput) (*SignUpResult, error) {
	email := strings.TrimSpace(in.Email)
	name := a.sanitizer.SanitizeName(in.Name)
	if email == "" || in.Password == "" || strings.TrimSpace(in.Name) == "" {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
		return nil, model.NewValidationError(MsgMissingFields)
	}
	if name == "" {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
		return nil, model.NewValidationError("Invalid name")
	}

	email, err := normalizeEmail(email)
	if err != nil {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
		return nil, err
	}

	role, ok := model.ParseRole(strings.TrimSpace(in.Role))
	if !ok {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
		return nil, model.NewValidationError(MsgInvalidRole)
	}

	existing, err := a.users.FindByEmail(ctx, email)
	if err != nil {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultError)
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}
	if existing != nil {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
		return nil, model.NewConflictError()
	}

	var res *identity.Result
	err = a.callProvider(ctx, opSignUp, func(ctx context.Context) error {
		var err error
		res, err = a.provider.SignUp(ctx, email, in.Password, identity.Metadata{Name: name, Role: string(role)})
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrEmailExists):
			a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
			return nil, model.NewConflictError()
		case errors.Is(err, identity.ErrWeakPassword):
			a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultRejected)
			return nil, model.NewValidationError(MsgWeakPassword)
		default:
			a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultError)
			slog.Error("identity provider sign up failed",
				slog.String("error", err.Error()),
			)
			return nil, model.NewUpstreamError()
		}
	}

	now := a.now()
	user := &model.User{
		ID:        res.User.ID,
		Email:     email,
		Name:      name,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// IdP登録は完了しているため、クライアント切断でミラー作成を中断しない
	persisted, err := a.persistMirror(context.WithoutCancel(ctx), user)
	if err != nil {
		a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultError)
		a.metrics.RecordProfilePersistenceFailure()
		slog.Error("failed to persist user profile after sign up",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, profileError(err)
	}

	a.metrics.RecordAuthAttempt(opSignUp, metrics.ResultSuccess)
	slog.Info("user signed up",
		slog.String("user_id", persisted.ID),
		slog.String("role", string(persisted.Role)),
		slog.Bool("pending_confirmation", res.Session == nil),
	)

	return &SignUpResult{
		User:                persisted,
		Session:             res.Session,
		PendingConfirmation: res.Session == nil,
	}, nil
}

// SignIn はIdPで認証情報を検証し、セッションとミラーレコードを返す。
// 未登録のメールアドレスと誤ったパスワードは同一のエラーとなる。
// ミラーレコードが無い場合はIdPのメタデータから補完する。
func (a *Authenticator) SignIn(ctx context.Context, email, password string) (*SignInResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultRejected)
		return nil, model.NewValidationError(MsgMissingFields)
	}

	var res *identity.Result
	err := a.callProvider(ctx, opSignIn, func(ctx context.Context) error {
		var err error
		res, err = a.provider.SignIn(ctx, email, password)
		return err
	})
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCredentials):
			a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultRejected)
			return nil, model.NewAuthenticationError(model.MsgInvalidCredentials)
		case errors.Is(err, identity.ErrEmailNotConfirmed):
			a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultRejected)
			return nil, model.NewAuthenticationError(MsgEmailNotConfirmed)
		default:
			a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultError)
			slog.Error("identity provider sign in failed",
				slog.String("error", err.Error()),
			)
			return nil, model.NewUpstreamError()
		}
	}

	user, err := a.resolveProfile(ctx, res.User, metrics.TriggerSignIn)
	if err != nil {
		a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultError)
		return nil, err
	}

	a.metrics.RecordAuthAttempt(opSignIn, metrics.ResultSuccess)
	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)
	return &SignInResult{User: user, Session: res.Session}, nil
}

// ValidateRequest はアクセストークンをIdPで検証し、リクエストのIdentityを返す。
// トークンが空の場合とIdPが拒否した場合はAuthenticationErrorを返す。
// IdPに接続できない場合も再試行せず認証失敗とする。
// ミラーレコードが無い場合はProfileMissingのIdentityを返す。
func (a *Authenticator) ValidateRequest(ctx context.Context, accessToken string) (*model.Identity, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, model.NewAuthenticationError(model.MsgMissingToken)
	}

	var pu *identity.User
	err := a.callProvider(ctx, opGetUser, func(ctx context.Context) error {
		var err error
		pu, err = a.provider.GetUser(ctx, accessToken)
		return err
	})
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidToken) {
			slog.Warn("token validation failed at identity provider",
				slog.String("error", err.Error()),
			)
		}
		a.metrics.RecordAuthAttempt(opGetUser, metrics.ResultRejected)
		return nil, model.NewAuthenticationError(model.MsgInvalidToken)
	}

	user, err := a.users.FindByID(ctx, pu.ID)
	if err != nil {
		a.metrics.RecordAuthAttempt(opGetUser, metrics.ResultError)
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	a.metrics.RecordAuthAttempt(opGetUser, metrics.ResultSuccess)

	if user == nil {
		slog.Warn("authenticated user has no profile",
			slog.String("user_id", pu.ID),
		)
		return &model.Identity{
			ID:             pu.ID,
			Email:          pu.Email,
			Name:           pu.Metadata.Name,
			ProfileMissing: true,
			MetadataRole:   pu.Metadata.Role,
		}, nil
	}
	return model.IdentityFromUser(user), nil
}

// Refresh はリフレッシュトークンでセッションを更新する。
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*SignInResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		a.metrics.RecordAuthAttempt(opRefresh, metrics.ResultRejected)
		return nil, model.NewAuthenticationError(model.MsgMissingToken)
	}

	var res *identity.Result
	err := a.callProvider(ctx, opRefresh, func(ctx context.Context) error {
		var err error
		res, err = a.provider.Refresh(ctx, refreshToken)
		return err
	})
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrInvalidCredentials) {
			a.metrics.RecordAuthAttempt(opRefresh, metrics.ResultRejected)
			return nil, model.NewAuthenticationError(model.MsgInvalidToken)
		}
		a.metrics.RecordAuthAttempt(opRefresh, metrics.ResultError)
		slog.Error("identity provider refresh failed",
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError()
	}

	user, err := a.resolveProfile(ctx, res.User, metrics.TriggerSignIn)
	if err != nil {
		a.metrics.RecordAuthAttempt(opRefresh, metrics.ResultError)
		return nil, err
	}

	a.metrics.RecordAuthAttempt(opRefresh, metrics.ResultSuccess)
	return &SignInResult{User: user, Session: res.Session}, nil
}

// Profile は認証済みIdentityのミラーレコードを返す。
func (a *Authenticator) Profile(ctx context.Context, id *model.Identity) (*model.User, error) {
	if id == nil {
		return nil, model.NewAuthenticationError(model.MsgMissingToken)
	}
	user, err := a.users.FindByID(ctx, id.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	if user == nil {
		return nil, model.NewProfileNotFoundError()
	}
	return user, nil
}

// ReconcileIdentity は認証済みIdentityのミラーレコードを補完する。
// 認証済みユーザー自身による復旧に使用する。IdentityはValidateRequestで解決済みのため、
// IdPには再度問い合わせない。
func (a *Authenticator) ReconcileIdentity(ctx context.Context, id *model.Identity) (*model.User, error) {
	if id == nil {
		return nil, model.NewAuthenticationError(model.MsgMissingToken)
	}

	pu := &identity.User{
		ID:    id.ID,
		Email: id.Email,
		Metadata: identity.Metadata{
			Name: id.Name,
			Role: id.MetadataRole,
		},
	}
	user, _, err := a.Backfill(ctx, pu, metrics.TriggerSelf)
	if err != nil {
		return nil, profileError(err)
	}
	return user, nil
}

// Reconcile は指定ユーザーをIdPから取得し、ミラーレコードを補完する。
// 管理者による復旧に使用する。
func (a *Authenticator) Reconcile(ctx context.Context, userID string) (*model.User, error) {
	if a.directory == nil {
		slog.Error(msgDirectoryNotConfig)
		return nil, model.NewUpstreamError()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, model.NewValidationError(MsgMissingFields)
	}

	var pu *identity.User
	err := a.callProvider(ctx, opReconcile, func(ctx context.Context) error {
		var err error
		pu, err = a.directory.GetUserByID(ctx, userID)
		return err
	})
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, model.NewProfileNotFoundError()
		}
		slog.Error("identity provider user lookup failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUpstreamError()
	}

	user, _, err := a.Backfill(ctx, pu, metrics.TriggerAdmin)
	if err != nil {
		return nil, profileError(err)
	}
	return user, nil
}

// Backfill はIdPユーザーのミラーレコードが無ければメタデータから作成する。
// 作成した場合はtrueを返す。既に存在する場合は既存レコードをそのまま返す。
// メタデータのロールが不正な場合はstudentとして補完する。
func (a *Authenticator) Backfill(ctx context.Context, pu *identity.User, trigger string) (*model.User, bool, error) {
	existing, err := a.users.FindByID(ctx, pu.ID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find user profile: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	role, ok := model.ParseRole(pu.Metadata.Role)
	if !ok {
		slog.Warn("invalid role in provider metadata, defaulting to student",
			slog.String("user_id", pu.ID),
			slog.String("role", pu.Metadata.Role),
		)
		role = model.RoleStudent
	}

	name := a.sanitizer.SanitizeName(pu.Metadata.Name)
	if name == "" {
		name = emailLocalPart(pu.Email)
	}

	now := a.now()
	user := &model.User{
		ID:        pu.ID,
		Email:     strings.ToLower(pu.Email),
		Name:      name,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}

	persisted, err := a.persistMirror(ctx, user)
	if err != nil {
		a.metrics.RecordProfilePersistenceFailure()
		slog.Error("failed to backfill user profile",
			slog.String("user_id", pu.ID),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
		return nil, false, err
	}

	a.metrics.RecordProfileReconciled(trigger)
	slog.Info("user profile backfilled",
		slog.String("user_id", persisted.ID),
		slog.String("role", string(persisted.Role)),
		slog.String("trigger", trigger),
	)
	return persisted, true, nil
}

// resolveProfile はIdPユーザーのミラーレコードを取得し、無ければ補完する。
func (a *Authenticator) resolveProfile(ctx context.Context, pu *identity.User, trigger string) (*model.User, error) {
	user, err := a.users.FindByID(ctx, pu.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user profile: %w", err)
	}
	if user != nil {
		return user, nil
	}

	user, _, err = a.Backfill(ctx, pu, trigger)
	if err != nil {
		return nil, profileError(err)
	}
	return user, nil
}

// persistMirror はミラーレコードを作成する。
// 同一IDのレコードが並行して作成済みの場合は、そのレコードを返す。
// 別IDのレコードが同じメールアドレスを保持している場合はErrProfileEmailConflictを返す。
func (a *Authenticator) persistMirror(ctx context.Context, user *model.User) (*model.User, error) {
	err := a.users.Create(ctx, user)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, err
	}

	existing, findErr := a.users.FindByID(ctx, user.ID)
	if findErr == nil && existing != nil {
		return existing, nil
	}
	holder, findErr := a.users.FindByEmail(ctx, user.Email)
	if findErr == nil && holder != nil && holder.ID != user.ID {
		slog.Error("profile email is held by a different user id",
			slog.String("user_id", user.ID),
			slog.String("holder_id", holder.ID),
		)
		return nil, fmt.Errorf("%w: %w", ErrProfileEmailConflict, err)
	}
	return nil, err
}

// profileError はミラー作成の失敗をAPIErrorに変換する。
func profileError(err error) error {
	if errors.Is(err, ErrProfileEmailConflict) {
		return model.NewProfileConflictError()
	}
	return model.NewProfilePersistenceError()
}

// callProvider はタイムアウト付きでIdPを呼び出し、レイテンシを記録する。
func (a *Authenticator) callProvider(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	a.metrics.RecordProviderLatency(operation, time.Since(start))
	return err
}

// normalizeEmail はメールアドレスを検証し、小文字に正規化する。
// 表示名付きの形式（"Alice <alice@example.com>"）は受け付けない。
func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Address != raw || addr.Name != "" {
		return "", model.NewValidationError(MsgInvalidEmail)
	}
	return strings.ToLower(addr.Address), nil
}

func emailLocalPart(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
