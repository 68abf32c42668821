package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/coursehub/internal/model"
)

// PostgresCredentialRepo はPostgreSQLを使用した組み込みIdPの認証情報リポジトリ。
type PostgresCredentialRepo struct {
	db *sql.DB
}

// NewPostgresCredentialRepo はPostgresCredentialRepoを生成する。
func NewPostgresCredentialRepo(db *sql.DB) *PostgresCredentialRepo {
	return &PostgresCredentialRepo{db: db}
}

// Create は認証情報を作成する。
func (r *PostgresCredentialRepo) Create(ctx context.Context, cred *model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (id, email, password_hash, name, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cred.ID, cred.Email, cred.PasswordHash, cred.Name, cred.Role, cred.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスで認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByEmail(ctx context.Context, email string) (*model.Credential, error) {
	cred := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, role, created_at
		 FROM credentials WHERE lower(email) = lower($1)`,
		email,
	).Scan(&cred.ID, &cred.Email, &cred.PasswordHash, &cred.Name, &cred.Role, &cred.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by email: %w", err)
	}
	return cred, nil
}

// FindByID は指定IDの認証情報を取得する。見つからない場合はnilを返す。
func (r *PostgresCredentialRepo) FindByID(ctx context.Context, id string) (*model.Credential, error) {
	cred := &model.Credential{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, name, role, created_at
		 FROM credentials WHERE id = $1`,
		id,
	).Scan(&cred.ID, &cred.Email, &cred.PasswordHash, &cred.Name, &cred.Role, &cred.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find credential by ID: %w", err)
	}
	return cred, nil
}

// List は作成日時順に認証情報を取得する。
func (r *PostgresCredentialRepo) List(ctx context.Context, offset, limit int) ([]*model.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, email, password_hash, name, role, created_at
		 FROM credentials
		 ORDER BY created_at, id
		 OFFSET $1 LIMIT $2`,
		offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var creds []*model.Credential
	for rows.Next() {
		cred := &model.Credential{}
		if err := rows.Scan(&cred.ID, &cred.Email, &cred.PasswordHash, &cred.Name, &cred.Role, &cred.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credentials: %w", err)
	}
	return creds, nil
}

// CreateRefreshToken はリフレッシュトークンを保存する。
func (r *PostgresCredentialRepo) CreateRefreshToken(ctx context.Context, token *model.RefreshToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// ConsumeRefreshToken は有効なリフレッシュトークンを失効させて返す。
// UPDATE ... RETURNINGで失効処理を1文で行うため、同一トークンの並行利用は1件のみ成功する。
func (r *PostgresCredentialRepo) ConsumeRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	token := &model.RefreshToken{}
	err := r.db.QueryRowContext(ctx,
		`UPDATE refresh_tokens
		 SET revoked_at = now()
		 WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()
		 RETURNING id, user_id, token_hash, expires_at, revoked_at, created_at`,
		tokenHash,
	).Scan(&token.ID, &token.UserID, &token.TokenHash, &token.ExpiresAt, &token.RevokedAt, &token.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh token: %w", err)
	}
	return token, nil
}

// compile-time interface check
var _ CredentialRepository = (*PostgresCredentialRepo)(nil)
