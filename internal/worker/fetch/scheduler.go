// Package fetch はフィード同期のバックグラウンドワーカーを提供する。
// Job Storeからジョブをクレームして実行するスケジューラ、
// フェッチ本体のエグゼキュータ、ハブ/self URLの発見処理を含む。
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/jobs"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/schedule"
	"github.com/hitoshi/feedsync/internal/websub"
)

// listFilterByType は指定ジョブ種別のみを対象とするフィルタを作る。
func listFilterByType(jobType model.JobType) repository.JobFilter {
	return repository.JobFilter{Type: &jobType, Limit: 1}
}

// Scheduler はJob Storeを定期的にポーリングし、クレームしたジョブを
// semaphoreパターンで並列実行する。ワーカー間の調停はJob Storeの
// アトミックなクレームに任せており、プロセス内での協調は行わないため、
// 同じスケジューラを複数プロセスで起動しても安全である。
type Scheduler struct {
	jobs           *jobs.Service
	executor       *Executor
	push           *websub.Manager
	logger         *slog.Logger
	metrics        metrics.MetricsCollector
	maxConcurrency int
	renewHours     int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(
	jobService *jobs.Service,
	executor *Executor,
	push *websub.Manager,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	maxConcurrency int,
	renewHours int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if renewHours <= 0 {
		renewHours = 24
	}
	return &Scheduler{
		jobs:           jobService,
		executor:       executor,
		push:           push,
		logger:         logger,
		metrics:        collector,
		maxConcurrency: maxConcurrency,
		renewHours:     renewHours,
	}
}

// Start はティッカー駆動でスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続し、
// 停止時は実行中のジョブの完了を待つ。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は実行可能なジョブがなくなるまでクレームと実行を繰り返す。
// semaphoreパターンで並列数を制御する。クレームは実行ゴルーチンの
// 起動前にシリアルに行うため、同一サイクル内で同じジョブを
// 二重に実行することはない。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	claimed := 0

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}

		job, err := s.jobs.Claim(ctx)
		if err != nil {
			wg.Wait()
			return err
		}
		if job == nil {
			break
		}

		claimed++
		s.metrics.RecordJobClaimed(string(job.Type))

		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(j *model.Job) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			s.runJob(ctx, j)
		}(job)
	}

	wg.Wait()

	if claimed > 0 {
		s.logger.Info("同期サイクルが完了しました",
			slog.Int("job_count", claimed),
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	}

	return nil
}

// runJob はジョブ種別に応じた処理を実行し、完了をJob Storeに報告する。
func (s *Scheduler) runJob(ctx context.Context, job *model.Job) {
	result := s.execute(ctx, job)

	err := s.jobs.Finish(ctx, job.ID, jobs.FinishResult{
		Success:   result.Success,
		NextRunAt: result.NextRunAt,
		Error:     result.Error,
	})
	if err != nil {
		s.logger.Error("ジョブ完了の報告に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.metrics.RecordJobFinished(string(job.Type), result.Success)
}

// execute はジョブ種別ごとの本体処理を呼び出す。
func (s *Scheduler) execute(ctx context.Context, job *model.Job) FetchResult {
	switch job.Type {
	case model.JobTypeFetchFeed:
		return s.executeFetchFeed(ctx, job)
	case model.JobTypeRenewSubscriptions:
		return s.executeRenew(ctx, job)
	default:
		// 未知のジョブ種別は設定ミスかスキーマの不整合。
		// 失敗として記録しバックオフで退避させる。
		reason := fmt.Sprintf("未知のジョブ種別です: %s", job.Type)
		s.logger.Error("未知のジョブ種別をクレームしました",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.Type)),
		)
		return FetchResult{
			Success:   false,
			NextRunAt: time.Now().Add(schedule.MaxInterval),
			Error:     reason,
		}
	}
}

// executeFetchFeed はfetch_feedジョブを実行する。
func (s *Scheduler) executeFetchFeed(ctx context.Context, job *model.Job) FetchResult {
	payload, err := model.ParseFetchFeedPayload(job.Payload)
	if err != nil {
		reason := model.NewInvalidJobPayloadError(job.ID, err.Error()).Error()
		return FetchResult{
			Success:   false,
			NextRunAt: time.Now().Add(schedule.MaxInterval),
			Error:     reason,
		}
	}

	result, err := s.executor.ExecuteFetch(ctx, payload.FeedID)
	if err != nil {
		// インフラ障害: フィードの失敗ではないので短い間隔で再試行する
		decision := schedule.CalculateNextFetch(nil, job.ConsecutiveFailures+1, time.Now())
		return FetchResult{
			Success:   false,
			NextRunAt: decision.NextRunAt,
			Error:     err.Error(),
		}
	}
	return result
}

// executeRenew はrenew_subscriptionsジョブを実行する。
// WebSubが使えない構成では何もせず成功として次回に送る。
func (s *Scheduler) executeRenew(ctx context.Context, job *model.Job) FetchResult {
	hours := s.renewHours
	if payload, err := model.ParseRenewSubscriptionsPayload(job.Payload); err == nil && payload.HoursBeforeExpiry > 0 {
		hours = payload.HoursBeforeExpiry
	}

	nextRunAt := time.Now().Add(time.Duration(hours) * time.Hour / 2)

	if !s.push.CanUseWebSub() {
		return FetchResult{Success: true, NextRunAt: nextRunAt}
	}

	if err := s.push.RenewExpiring(ctx, hours); err != nil {
		return FetchResult{
			Success:   false,
			NextRunAt: time.Now().Add(schedule.BaseBackoff),
			Error:     err.Error(),
		}
	}

	return FetchResult{Success: true, NextRunAt: nextRunAt}
}

// EnsureRenewJob はrenew_subscriptionsジョブが存在することを保証する。
// 起動時に1回呼ばれ、既存ジョブがあれば何もしない。
func (s *Scheduler) EnsureRenewJob(ctx context.Context) error {
	renewType := model.JobTypeRenewSubscriptions
	existing, err := s.jobs.List(ctx, listFilterByType(renewType))
	if err != nil {
		return fmt.Errorf("renew_subscriptionsジョブの検索に失敗しました: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	_, err = s.jobs.Create(ctx, renewType,
		model.MarshalRenewSubscriptionsPayload(s.renewHours),
		jobs.CreateOptions{Enabled: true},
	)
	if err != nil {
		return fmt.Errorf("renew_subscriptionsジョブの作成に失敗しました: %w", err)
	}

	s.logger.Info("renew_subscriptionsジョブを作成しました",
		slog.Int("hours_before_expiry", s.renewHours),
	)
	return nil
}
