package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/migration"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/schedule"
	"github.com/hitoshi/feedsync/internal/security"
	"github.com/hitoshi/feedsync/internal/websub"
)

// FetchClass はHTTPステータスコードのフェッチ結果分類。
type FetchClass int

const (
	// FetchClassOK は正常レスポンス（2xx）。
	FetchClassOK FetchClass = iota
	// FetchClassNotModified はコンテンツ未変更（304）。
	FetchClassNotModified
	// FetchClassGone はフィードが恒久的に消滅した（404/410/401/403）。
	FetchClassGone
	// FetchClassRetryable は一時的な失敗（429/5xx等）。
	FetchClassRetryable
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchClass {
	switch {
	case statusCode == http.StatusNotModified:
		return FetchClassNotModified
	case statusCode >= 200 && statusCode < 300:
		return FetchClassOK
	case statusCode == http.StatusNotFound,
		statusCode == http.StatusGone,
		statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		return FetchClassGone
	default:
		return FetchClassRetryable
	}
}

// FetchResult はフェッチ実行の結果で、スケジューラがジョブ完了の報告に使う。
type FetchResult struct {
	// Success はジョブとしての成否。失敗はconsecutive_failuresを増やす。
	Success bool
	// NextRunAt は次回フェッチ時刻。
	NextRunAt time.Time
	// Error は失敗理由。成功時は空。
	Error string
}

// Executor はfetch_feedジョブの本体を実行する。
// SSRF検証、条件付きGET、恒久リダイレクトの検出、gofeedによるパース、
// エントリのUPSERT、ハブ発見時のWebSub購読までを1サイクルで行う。
type Executor struct {
	feedRepo  repository.FeedRepository
	entryRepo repository.EntryRepository
	guard     security.URLGuardService
	push      *websub.Manager
	migration *migration.Service
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	timeout   time.Duration
	maxSize   int64
	userAgent string
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	feedRepo repository.FeedRepository,
	entryRepo repository.EntryRepository,
	guard security.URLGuardService,
	push *websub.Manager,
	migrationSvc *migration.Service,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	timeout time.Duration,
	maxSize int64,
) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 5 * 1024 * 1024
	}
	return &Executor{
		feedRepo:  feedRepo,
		entryRepo: entryRepo,
		guard:     guard,
		push:      push,
		migration: migrationSvc,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
		metrics:   collector,
		timeout:   timeout,
		maxSize:   maxSize,
		userAgent: "Feedsync/1.0 Feed Synchronizer",
	}
}

// redirectRecorder はリダイレクトチェーンの全ホップが恒久（301/308）かを記録する。
type redirectRecorder struct {
	redirected   bool
	allPermanent bool
}

func (r *redirectRecorder) check(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("リダイレクトが多すぎます")
	}
	if !r.redirected {
		r.redirected = true
		r.allPermanent = true
	}
	if req.Response != nil {
		code := req.Response.StatusCode
		if code != http.StatusMovedPermanently && code != http.StatusPermanentRedirect {
			r.allPermanent = false
		}
	}
	return nil
}

// ExecuteFetch はフィードを1回フェッチし、次回実行時刻を含む結果を返す。
// 戻り値のerrorはインフラ障害（DB到達不能等）のみで、
// フィード側の失敗はFetchResult.Successで表現する。
func (e *Executor) ExecuteFetch(ctx context.Context, feedID string) (FetchResult, error) {
	start := time.Now()

	feed, err := e.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return FetchResult{}, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil {
		// フィードが消えたジョブは成功扱いで遠い未来に退避させる。
		// 消えたフィードを失敗カウントで叩き続けても誰も得をしない。
		e.logger.Warn("ジョブの対象フィードが存在しません",
			slog.String("feed_id", feedID),
		)
		return FetchResult{
			Success:   true,
			NextRunAt: start.Add(schedule.MaxInterval),
			Error:     "",
		}, nil
	}

	if err := e.guard.ValidateOutboundURL(feed.FeedURL); err != nil {
		return e.recordFailure(ctx, feed, start, fmt.Sprintf("URL検証に失敗しました: %s", err.Error()))
	}

	client := e.guard.NewSafeClient(e.timeout)
	recorder := &redirectRecorder{}
	client.CheckRedirect = recorder.check

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.FeedURL, nil)
	if err != nil {
		return e.recordFailure(ctx, feed, start, fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error()))
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")
	if feed.ETag != "" {
		req.Header.Set("If-None-Match", feed.ETag)
	}
	if feed.LastModified != "" {
		req.Header.Set("If-Modified-Since", feed.LastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		return e.recordFailure(ctx, feed, start, fmt.Sprintf("HTTPリクエストに失敗しました: %s", err.Error()))
	}
	defer resp.Body.Close()

	e.metrics.RecordHTTPStatus(resp.StatusCode)
	e.metrics.RecordFetchLatency(time.Since(start))

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchClassNotModified:
		return e.recordNotModified(ctx, feed, resp, start)
	case FetchClassGone:
		return e.recordFailure(ctx, feed, start,
			fmt.Sprintf("HTTPステータス %d が返されました", resp.StatusCode))
	case FetchClassRetryable:
		return e.recordFailure(ctx, feed, start,
			fmt.Sprintf("HTTPステータス %d が返されました", resp.StatusCode))
	case FetchClassOK:
		// 続行
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxSize))
	if err != nil {
		return e.recordFailure(ctx, feed, start, fmt.Sprintf("レスポンスの読み取りに失敗しました: %s", err.Error()))
	}

	// 恒久リダイレクトの検出: 全ホップが301/308の場合のみ正規URLの変更とみなす。
	// 一時リダイレクト（302/307）を含むチェーンでURLを書き換えてはならない。
	finalURL := resp.Request.URL.String()
	if recorder.redirected && recorder.allPermanent && finalURL != feed.FeedURL {
		migrated, err := e.migration.ApplyRedirect(ctx, feed, finalURL)
		if err != nil {
			return FetchResult{}, err
		}
		if migrated.ID != feed.ID {
			// ケースB: 移行先のフィードが処理を引き継いだ。
			// このフィードのジョブは購読同期で既に無効化されている。
			e.logger.Info("恒久リダイレクトにより既存フィードへ移行しました",
				slog.String("old_feed_id", feed.ID),
				slog.String("new_feed_id", migrated.ID),
				slog.String("final_url", finalURL),
			)
			return FetchResult{
				Success:   true,
				NextRunAt: start.Add(schedule.MaxInterval),
			}, nil
		}
		feed = migrated
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		feed.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		feed.LastModified = lastMod
	}

	parsed, err := gofeed.NewParser().ParseString(string(body))
	if err != nil {
		return e.recordFailure(ctx, feed, start, fmt.Sprintf("フィードのパースに失敗しました: %s", err.Error()))
	}

	if title := e.sanitizer.Sanitize(parsed.Title); title != "" {
		feed.Title = title
	}

	// ハブとself URLの発見（LinkヘッダとフィードXML本文の両方）
	links := discoverLinks(resp.Header.Values("Link"), body, feed.FeedURL)
	if links.SelfURL != "" {
		feed.SelfURL = links.SelfURL
	}
	hubChanged := links.HubURL != feed.HubURL
	feed.HubURL = links.HubURL

	created := e.upsertEntries(ctx, feed.ID, parsed.Items)

	hints := schedule.ParseCacheControl(resp.Header.Get("Cache-Control"))
	decision := schedule.CalculateNextFetch(hints, 0, start)

	feed.ConsecutiveFailures = 0
	feed.LastError = ""
	feed.NextFetchAt = decision.NextRunAt
	if err := e.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		return FetchResult{}, fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}

	e.maintainPushSubscription(ctx, feed, hubChanged)

	e.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("entries_created", created),
		slog.Int("entries_total", len(parsed.Items)),
		slog.String("interval_reason", string(decision.Reason)),
		slog.Duration("next_interval", decision.Interval),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return FetchResult{Success: true, NextRunAt: decision.NextRunAt}, nil
}

// recordNotModified は304レスポンスを処理する。成功として扱い、
// Cache-Controlヒントに従って次回時刻だけを進める。
func (e *Executor) recordNotModified(ctx context.Context, feed *model.Feed, resp *http.Response, start time.Time) (FetchResult, error) {
	hints := schedule.ParseCacheControl(resp.Header.Get("Cache-Control"))
	decision := schedule.CalculateNextFetch(hints, 0, start)

	feed.ConsecutiveFailures = 0
	feed.LastError = ""
	feed.NextFetchAt = decision.NextRunAt
	if err := e.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		return FetchResult{}, fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}

	e.logger.Info("フィードは未変更です",
		slog.String("feed_id", feed.ID),
		slog.String("interval_reason", string(decision.Reason)),
		slog.Duration("next_interval", decision.Interval),
	)

	return FetchResult{Success: true, NextRunAt: decision.NextRunAt}, nil
}

// recordFailure はフェッチ失敗を記録し、指数バックオフで次回時刻を決める。
func (e *Executor) recordFailure(ctx context.Context, feed *model.Feed, start time.Time, reason string) (FetchResult, error) {
	feed.ConsecutiveFailures++
	feed.LastError = reason

	decision := schedule.CalculateNextFetch(nil, feed.ConsecutiveFailures, start)
	feed.NextFetchAt = decision.NextRunAt

	if err := e.feedRepo.UpdateFetchState(ctx, feed); err != nil {
		return FetchResult{}, fmt.Errorf("フィード状態の更新に失敗しました: %w", err)
	}

	e.logger.Warn("フィードフェッチに失敗しました",
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.FeedURL),
		slog.String("error", reason),
		slog.Int("consecutive_failures", feed.ConsecutiveFailures),
		slog.Duration("backoff_interval", decision.Interval),
	)

	return FetchResult{Success: false, NextRunAt: decision.NextRunAt, Error: reason}, nil
}

// upsertEntries はパース済み記事をエントリとして保存し、新規作成数を返す。
// 個別エントリの保存失敗はフェッチ全体を失敗にせず、ログに記録して続行する。
func (e *Executor) upsertEntries(ctx context.Context, feedID string, items []*gofeed.Item) int {
	created := 0
	for _, item := range items {
		if item == nil {
			continue
		}

		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			continue
		}

		entry := &model.Entry{
			ID:     uuid.NewString(),
			FeedID: feedID,
			GUID:   guid,
			Title:  e.sanitizer.Sanitize(item.Title),
			Link:   item.Link,
		}
		if entry.Link == "" && strings.HasPrefix(guid, "http") {
			entry.Link = guid
		}
		if item.PublishedParsed != nil {
			entry.PublishedAt = *item.PublishedParsed
		} else if item.UpdatedParsed != nil {
			entry.PublishedAt = *item.UpdatedParsed
		} else {
			entry.PublishedAt = time.Now()
		}

		isNew, err := e.entryRepo.Upsert(ctx, entry)
		if err != nil {
			e.logger.Error("エントリの保存に失敗しました",
				slog.String("feed_id", feedID),
				slog.String("guid", guid),
				slog.String("error", err.Error()),
			)
			continue
		}
		if isNew {
			created++
		}
	}

	if created > 0 {
		e.metrics.RecordEntriesUpserted(created)
	}
	return created
}

// maintainPushSubscription はハブの発見状況に応じてWebSub購読を整合させる。
// 新たにハブを発見したフィードは購読を試み、ハブが消えたフィードは
// 購読をローカルで解除する。購読の失敗はポーリングが代替するため、
// フェッチの成否には影響させない。
func (e *Executor) maintainPushSubscription(ctx context.Context, feed *model.Feed, hubChanged bool) {
	if feed.HubURL == "" {
		if feed.PushActive {
			if err := e.push.Deactivate(ctx, feed.ID); err != nil {
				e.logger.Error("WebSub購読の解除に失敗しました",
					slog.String("feed_id", feed.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	if !e.push.CanUseWebSub() {
		return
	}
	if feed.PushActive && !hubChanged {
		return
	}

	if err := e.push.Subscribe(ctx, feed); err != nil {
		e.logger.Warn("WebSub購読の開始に失敗しました。ポーリングを継続します",
			slog.String("feed_id", feed.ID),
			slog.String("hub_url", feed.HubURL),
			slog.String("error", err.Error()),
		)
	}
}
