// Package reconcile は検索インデックスへの反映が確認できていない投稿を定期的に再登録するジョブを提供する。
// 投稿作成時にindex_pendingの解除に失敗した場合や、プロセスが途中で終了した場合の取りこぼしを回収する。
// 再登録は投稿IDを文書IDとするため冪等。
package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// maxRoundsPerRun は1回の実行で処理するバッチ数の上限。
const maxRoundsPerRun = 100

// Reconciler はindex_pendingの投稿を最大limit件処理し、処理件数を返す。
type Reconciler interface {
	ReconcilePending(ctx context.Context, limit int) (int, error)
}

// Job は整合ジョブ。
type Job struct {
	reconciler Reconciler
	logger     *slog.Logger
	BatchSize  int
}

// NewJob は新しいJobを生成する。batchSizeが0以下の場合は100を使用する。
func NewJob(reconciler Reconciler, logger *slog.Logger, batchSize int) *Job {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Job{
		reconciler: reconciler,
		logger:     logger,
		BatchSize:  batchSize,
	}
}

// Start はintervalごとにRunを実行する。起動直後にも1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("整合ジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("batch_size", j.BatchSize),
	)

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("整合ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("整合ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Run は未反映の投稿がなくなるまでバッチ単位で処理し、合計件数を返す。
// 冪等: 対象がない場合は0件で成功する。
func (j *Job) Run(ctx context.Context) (int, error) {
	start := time.Now()
	total := 0

	for round := 0; round < maxRoundsPerRun; round++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := j.reconciler.ReconcilePending(ctx, j.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < j.BatchSize {
			break
		}
	}

	if total > 0 {
		j.logger.Info("未反映の投稿を検索インデックスに登録しました",
			slog.Int("reconciled_count", total),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}
	return total, nil
}
