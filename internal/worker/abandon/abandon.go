// Package abandon は放置セッションのスイープジョブを提供する。
// 最終更新から一定時間経過したIN_PROGRESSのセッションをABANDONEDへ、
// 開始されないまま放置されたNOT_STARTEDのセッションをEXPIREDへ遷移させる。
// 述語が対象状態を限定するため、多重起動しても二重計上しない。
package abandon

import (
	"context"
	"log/slog"
	"time"
)

// defaultStaleAfter は放置とみなすまでの猶予時間。
const defaultStaleAfter = 2 * time.Hour

// Sweeper は放置セッションスイープの実行インターフェース。
// session.Serviceがこれを満たす。
type Sweeper interface {
	SweepStale(ctx context.Context, staleAfter time.Duration) (abandoned, expired int64, err error)
}

// Job は放置セッションスイープの定期実行ジョブ。
type Job struct {
	sweeper    Sweeper
	logger     *slog.Logger
	Interval   time.Duration
	StaleAfter time.Duration
}

// NewJob は新しいJobを生成する。
func NewJob(sweeper Sweeper, logger *slog.Logger, interval time.Duration) *Job {
	return &Job{
		sweeper:    sweeper,
		logger:     logger,
		Interval:   interval,
		StaleAfter: defaultStaleAfter,
	}
}

// Run はスイープを1回実行する。
// 冪等: 対象がない場合でもエラーにならない。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	abandoned, expired, err := j.sweeper.SweepStale(ctx, j.StaleAfter)
	if err != nil {
		j.logger.Error("放置セッションスイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	j.logger.Info("放置セッションスイープが完了しました",
		slog.Int64("abandoned_count", abandoned),
		slog.Int64("expired_count", expired),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回スイープを実行し、その後Interval間隔で実行し続ける。
// ctxのキャンセルで停止する。
func (j *Job) Start(ctx context.Context) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("session sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("session sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
