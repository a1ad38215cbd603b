// Package expire は招待の期限切れスイープジョブを提供する。
// expiresAtを過ぎた非終端状態の招待をバッチでEXPIREDへ遷移させる。
// 述語が既にEXPIREDの行を除外するため、多重起動しても二重計上しない。
package expire

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper は期限切れスイープの実行インターフェース。
// invitation.Serviceがこれを満たす。
type Sweeper interface {
	ExpireSweep(ctx context.Context) (int64, error)
}

// Job は期限切れスイープの定期実行ジョブ。
type Job struct {
	sweeper  Sweeper
	logger   *slog.Logger
	Interval time.Duration
}

// NewJob は新しいJobを生成する。
func NewJob(sweeper Sweeper, logger *slog.Logger, interval time.Duration) *Job {
	return &Job{
		sweeper:  sweeper,
		logger:   logger,
		Interval: interval,
	}
}

// Run はスイープを1回実行する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	count, err := j.sweeper.ExpireSweep(ctx)
	if err != nil {
		j.logger.Error("期限切れスイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	j.logger.Info("期限切れスイープが完了しました",
		slog.Int64("expired_count", count),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回スイープを実行し、その後Interval間隔で実行し続ける。
// ctxのキャンセルで停止する。
func (j *Job) Start(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("expire sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("expire sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
