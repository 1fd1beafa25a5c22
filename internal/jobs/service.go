// Package jobs は永続的なジョブキュー（Job Store）のドメインロジックを提供する。
// クレーム/完了のアトミック性はリポジトリ層の行ロックに委ね、
// ここではジョブのライフサイクルとフィード連動の有効/無効制御を扱う。
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// CreateOptions はCreateの任意パラメータ。
type CreateOptions struct {
	// NextRunAt は初回実行時刻。ゼロ値の場合は即時実行可能として扱う。
	NextRunAt time.Time
	// Enabled はジョブの有効フラグ。
	Enabled bool
}

// FinishResult はジョブ実行結果の報告内容。
type FinishResult struct {
	Success   bool
	NextRunAt time.Time
	Error     string
}

// Service はJob Storeのサービス層。
// 複数のワーカープロセスから並行に呼ばれることを前提とし、
// 共有状態への変更はすべてリポジトリの単一アトミック文を通して行う。
type Service struct {
	jobRepo    repository.JobRepository
	subRepo    repository.SubscriptionRepository
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// staleAfterはクレームの staleness 窓で、これを超過したrunning_sinceは
// ワーカーのクラッシュとみなして再クレームを許す。0以下の場合は5分を使用する。
func NewService(
	jobRepo repository.JobRepository,
	subRepo repository.SubscriptionRepository,
	staleAfter time.Duration,
	logger *slog.Logger,
) *Service {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &Service{
		jobRepo:    jobRepo,
		subRepo:    subRepo,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Create はジョブを作成する。重複排除は行わない。
// フィード単位の「なければ作成、あれば有効化」はCreateOrEnableFeedJobを使うこと。
func (s *Service) Create(ctx context.Context, jobType model.JobType, payload json.RawMessage, opts CreateOptions) (*model.Job, error) {
	now := time.Now()
	nextRunAt := opts.NextRunAt
	if nextRunAt.IsZero() {
		nextRunAt = now
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Payload:   payload,
		Enabled:   opts.Enabled,
		NextRunAt: nextRunAt,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.jobRepo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}

	s.logger.Info("ジョブを作成しました",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.Time("next_run_at", job.NextRunAt),
	)

	return job, nil
}

// Claim は実行可能なジョブのうちnext_run_atが最も古い1件を排他的にクレームする。
// typesが空でない場合は指定種別のみを対象とする。
// クレーム可能なジョブがない場合はnilを返す。
// N個の呼び出しが1件のジョブを奪い合った場合、正確に1つだけがジョブを獲得し、
// 残りはnilを受け取る。
func (s *Service) Claim(ctx context.Context, types ...model.JobType) (*model.Job, error) {
	job, err := s.jobRepo.ClaimNextDue(ctx, types, s.staleAfter)
	if err != nil {
		return nil, fmt.Errorf("ジョブのクレームに失敗しました: %w", err)
	}
	return job, nil
}

// Finish はジョブの実行完了を報告する。
// 存在しないジョブIDの報告は呼び出し側のバグを示すため、黙殺せずエラーを返す。
func (s *Service) Finish(ctx context.Context, id string, result FinishResult) error {
	found, err := s.jobRepo.MarkFinished(ctx, id, result.Success, result.NextRunAt, result.Error)
	if err != nil {
		return fmt.Errorf("ジョブ完了の記録に失敗しました: %w", err)
	}
	if !found {
		return model.NewJobNotFoundError(id)
	}

	if !result.Success {
		s.logger.Warn("ジョブが失敗しました",
			slog.String("job_id", id),
			slog.String("error", result.Error),
			slog.Time("next_run_at", result.NextRunAt),
		)
	}

	return nil
}

// List はジョブ一覧を取得する。読み取り専用のイントロスペクション用。
func (s *Service) List(ctx context.Context, filter repository.JobFilter) ([]*model.Job, error) {
	return s.jobRepo.List(ctx, filter)
}

// CreateOrEnableFeedJob は指定フィードのfetch_feedジョブを冪等に用意する。
// 既存ジョブがあれば有効化して即時実行可能にし、なければ新規作成する。
// 同一フィードに対して重複するfetch_feedジョブを作ることはない。
func (s *Service) CreateOrEnableFeedJob(ctx context.Context, feedID string) (*model.Job, error) {
	existing, err := s.jobRepo.FindFetchJobByFeedID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードのフェッチジョブの検索に失敗しました: %w", err)
	}

	if existing != nil {
		if !existing.Enabled {
			if err := s.jobRepo.SetEnabled(ctx, existing.ID, true); err != nil {
				return nil, fmt.Errorf("フェッチジョブの有効化に失敗しました: %w", err)
			}
			existing.Enabled = true
			s.logger.Info("フェッチジョブを再有効化しました",
				slog.String("job_id", existing.ID),
				slog.String("feed_id", feedID),
			)
		}
		return existing, nil
	}

	return s.Create(ctx, model.JobTypeFetchFeed, model.MarshalFetchFeedPayload(feedID), CreateOptions{
		Enabled: true,
	})
}

// EnableFeedJob は指定フィードのfetch_feedジョブを有効化する。
// ジョブが存在しない場合は何もしない。
func (s *Service) EnableFeedJob(ctx context.Context, feedID string) error {
	job, err := s.jobRepo.FindFetchJobByFeedID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードのフェッチジョブの検索に失敗しました: %w", err)
	}
	if job == nil || job.Enabled {
		return nil
	}
	if err := s.jobRepo.SetEnabled(ctx, job.ID, true); err != nil {
		return fmt.Errorf("フェッチジョブの有効化に失敗しました: %w", err)
	}
	return nil
}

// SyncFeedJobEnabled はフィードのアクティブ購読数に合わせてフェッチジョブの
// 有効フラグを同期する。購読者が0の場合はジョブを無効化し（削除はしない）、
// 1以上の場合は有効化する。購読登録/解除/移行のたびに呼ぶことで、
// ジョブ量が実需要に追随する。
func (s *Service) SyncFeedJobEnabled(ctx context.Context, feedID string) error {
	job, err := s.jobRepo.FindFetchJobByFeedID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードのフェッチジョブの検索に失敗しました: %w", err)
	}
	if job == nil {
		return nil
	}

	count, err := s.subRepo.CountActiveByFeedID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("アクティブな購読数の取得に失敗しました: %w", err)
	}

	enabled := count > 0
	if job.Enabled == enabled {
		return nil
	}

	if err := s.jobRepo.SetEnabled(ctx, job.ID, enabled); err != nil {
		return fmt.Errorf("フェッチジョブの有効フラグの同期に失敗しました: %w", err)
	}

	s.logger.Info("フェッチジョブの有効フラグを同期しました",
		slog.String("job_id", job.ID),
		slog.String("feed_id", feedID),
		slog.Bool("enabled", enabled),
		slog.Int("active_subscriptions", count),
	)

	return nil
}

// UpdateFeedJobNextRun は指定フィードのfetch_feedジョブの次回実行時刻を更新する。
// ジョブが存在しない場合は何もしない。
func (s *Service) UpdateFeedJobNextRun(ctx context.Context, feedID string, nextRunAt time.Time) error {
	job, err := s.jobRepo.FindFetchJobByFeedID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードのフェッチジョブの検索に失敗しました: %w", err)
	}
	if job == nil {
		return nil
	}
	if err := s.jobRepo.UpdateNextRun(ctx, job.ID, nextRunAt); err != nil {
		return fmt.Errorf("フェッチジョブの次回実行時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// EnqueueImmediateFetch は指定フィードのfetch_feedジョブを即時実行可能にする。
// WebSub通知の受信時に呼ばれ、ポーリング周期を待たずにフェッチを前倒しする。
func (s *Service) EnqueueImmediateFetch(ctx context.Context, feedID string) error {
	job, err := s.CreateOrEnableFeedJob(ctx, feedID)
	if err != nil {
		return err
	}
	if err := s.jobRepo.UpdateNextRun(ctx, job.ID, time.Now()); err != nil {
		return fmt.Errorf("即時フェッチの予約に失敗しました: %w", err)
	}

	s.logger.Info("即時フェッチを予約しました",
		slog.String("job_id", job.ID),
		slog.String("feed_id", feedID),
	)

	return nil
}
