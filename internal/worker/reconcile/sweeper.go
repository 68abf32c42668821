// Package reconcile はIdPとミラーレコードの差分を定期的に補完するワーカーを提供する。
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/coursehub/internal/identity"
	"github.com/hitoshi/coursehub/internal/metrics"
	"github.com/hitoshi/coursehub/internal/model"
)

const (
	defaultPageSize       = 100
	defaultMaxConcurrency = 4
)

// Backfiller はIdPユーザーのミラーレコードを補完するインターフェース。
// auth.Authenticatorが満たす。
type Backfiller interface {
	Backfill(ctx context.Context, pu *identity.User, trigger string) (*model.User, bool, error)
}

// Result は1回のスイープの集計。
type Result struct {
	Scanned    int
	Backfilled int
	Failed     int
}

// Sweeper はIdP上の全ユーザーを走査し、ミラーレコードが無いユーザーを補完する。
// サインアップ時のプロフィール保存失敗から、ユーザーの再ログインを待たずに復旧する。
type Sweeper struct {
	directory      identity.Directory
	backfiller     Backfiller
	logger         *slog.Logger
	pageSize       int
	maxConcurrency int
}

// NewSweeper はSweeperを生成する。
// pageSizeが0以下の場合はデフォルト値100を使用する。
func NewSweeper(directory identity.Directory, backfiller Backfiller, logger *slog.Logger, pageSize int) *Sweeper {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		directory:      directory,
		backfiller:     backfiller,
		logger:         logger,
		pageSize:       pageSize,
		maxConcurrency: defaultMaxConcurrency,
	}
}

// Start は指定間隔でスイープを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reconcile sweeper started",
		slog.Duration("interval", interval),
		slog.Int("page_size", s.pageSize),
	)

	// 起動直後に1回実行
	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile sweeper stopped")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Sweeper) runAndLog(ctx context.Context) {
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("reconcile sweep failed", slog.String("error", err.Error()))
	}
}

// Run はIdPのユーザー一覧をページ単位で取得し、ミラーが無いユーザーを補完する。
// 個々のユーザーの補完失敗はスイープを中断せず、Failedとして集計する。
// 一覧の取得に失敗した場合は、それまでの集計とエラーを返す。
func (s *Sweeper) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	var res Result
	seen := make(map[string]struct{})

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		users, err := s.directory.ListUsers(ctx, page, s.pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to list provider users (page %d): %w", page, err)
		}

		fresh := users[:0:0]
		for _, u := range users {
			if _, ok := seen[u.ID]; ok {
				continue
			}
			seen[u.ID] = struct{}{}
			fresh = append(fresh, u)
		}
		// ページングを無視して同じ結果を返すディレクトリでも停止する
		if len(fresh) == 0 {
			break
		}

		backfilled, failed := s.backfillPage(ctx, fresh)
		res.Scanned += len(fresh)
		res.Backfilled += backfilled
		res.Failed += failed

		if len(users) < s.pageSize {
			break
		}
	}

	s.logger.Info("reconcile sweep completed",
		slog.Int("scanned", res.Scanned),
		slog.Int("backfilled", res.Backfilled),
		slog.Int("failed", res.Failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// backfillPage は1ページ分のユーザーを並列で補完する。
// semaphoreパターンで最大並列数を制御する。
func (s *Sweeper) backfillPage(ctx context.Context, users []*identity.User) (int, int) {
	var backfilled, failed atomic.Int64
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, u := range users {
		wg.Add(1)
		sem <- struct{}{}

		go func(u *identity.User) {
			defer wg.Done()
			defer func() { <-sem }()

			_, created, err := s.backfiller.Backfill(ctx, u, metrics.TriggerSweep)
			if err != nil {
				failed.Add(1)
				s.logger.Error("failed to backfill user profile",
					slog.String("user_id", u.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			if created {
				backfilled.Add(1)
			}
		}(u)
	}

	wg.Wait()
	return int(backfilled.Load()), int(failed.Load())
}
