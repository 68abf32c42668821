// Package cleanup は組み込みIdP（IDENTITY_PROVIDER=local）の
// 期限切れ・失効済みリフレッシュトークンを定期的に削除するジョブを提供する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const defaultRetention = 7 * 24 * time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// TokenCleanupJob は不要になったリフレッシュトークンを削除するジョブ。
// 期限切れまたは失効から Retention 以上経過した行のみを対象とする。
type TokenCleanupJob struct {
	db        Executor
	logger    *slog.Logger
	Retention time.Duration
}

// NewTokenCleanupJob はTokenCleanupJobを生成する。
func NewTokenCleanupJob(db Executor, logger *slog.Logger) *TokenCleanupJob {
	return &TokenCleanupJob{
		db:        db,
		logger:    logger,
		Retention: defaultRetention,
	}
}

// Start はintervalごとにRunを実行する。起動直後に1回実行する。
// ctxがキャンセルされると戻る。
func (j *TokenCleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// エラーはRun内でログ出力済み
		_, _ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run は対象のリフレッシュトークンを削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *TokenCleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := start.Add(-j.Retention)

	const query = `DELETE FROM refresh_tokens
		WHERE expires_at < $1
		   OR (revoked_at IS NOT NULL AND revoked_at < $1)`

	result, err := j.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		j.logger.Error("refresh token cleanup failed",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return 0, fmt.Errorf("failed to delete refresh tokens: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted count: %w", err)
	}

	j.logger.Info("refresh token cleanup completed",
		slog.Int64("deleted_count", deleted),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deleted, nil
}
