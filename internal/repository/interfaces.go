// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// JobFilter はListJobsの絞り込み条件。nilのフィールドは条件に含めない。
type JobFilter struct {
	Enabled *bool
	Type    *model.JobType
	Limit   int
}

// JobRepository はジョブデータの永続化インターフェース。
// クレームの排他制御はバッキングストアの行ロック（SKIP LOCKED）で実現し、
// プロセス内ミューテックスには依存しない。
type JobRepository interface {
	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Job, error)

	// Create はジョブを作成する。重複排除は行わない。
	Create(ctx context.Context, job *model.Job) error

	// ClaimNextDue は実行可能なジョブのうちnext_run_atが最も古い1件を排他的にクレームする。
	// 実行可能とは enabled = true かつ next_run_at <= now() かつ
	// （running_since IS NULL または staleAfter より古い）を満たすこと。
	// 単一のアトミックなUPDATE文でrunning_sinceを設定するため、
	// 並行する呼び出しのうち正確に1つだけが同じ行を獲得できる。
	// typesが空でない場合は指定ジョブ種別のみを対象とする。
	// クレーム可能なジョブがない場合はnilを返す。
	ClaimNextDue(ctx context.Context, types []model.JobType, staleAfter time.Duration) (*model.Job, error)

	// MarkFinished はジョブの実行完了を記録する。
	// running_sinceをクリアし、last_run_atを現在時刻に設定する。
	// 成功時はconsecutive_failuresを0にリセットしlast_errorをクリアし、
	// 失敗時はconsecutive_failuresをインクリメントしてerrMsgを記録する。
	// いずれの場合もnext_run_atを更新する。
	// ジョブIDが存在しない場合はfalseを返す。
	MarkFinished(ctx context.Context, id string, success bool, nextRunAt time.Time, errMsg string) (bool, error)

	// List はジョブ一覧を取得する。読み取り専用で副作用を持たない。
	List(ctx context.Context, filter JobFilter) ([]*model.Job, error)

	// FindFetchJobByFeedID は指定フィードのfetch_feedジョブを取得する。
	// 見つからない場合はnilを返す。
	FindFetchJobByFeedID(ctx context.Context, feedID string) (*model.Job, error)

	// SetEnabled はジョブの有効フラグを更新する。
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// UpdateNextRun はジョブの次回実行時刻を更新する。
	UpdateNextRun(ctx context.Context, id string, nextRunAt time.Time) error
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByFeedURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
	FindByFeedURL(ctx context.Context, feedURL string) (*model.Feed, error)

	// Create はフィードを作成する。
	Create(ctx context.Context, feed *model.Feed) error

	// Update はフィード情報（URL、ハブURL、タイトル等）を更新する。
	Update(ctx context.Context, feed *model.Feed) error

	// UpdateFetchState はフェッチ結果に伴う状態
	// （consecutive_failures、last_error、next_fetch_at、etag、last_modified）を更新する。
	UpdateFetchState(ctx context.Context, feed *model.Feed) error

	// SetPushActive はフィードのpush_activeフラグを更新する。
	SetPushActive(ctx context.Context, feedID string, active bool) error
}

// SubscriptionRepository は購読データの永続化インターフェース。
// 購読は物理削除せず、unsubscribed_atの設定で解除を表す。
type SubscriptionRepository interface {
	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Subscription, error)

	// FindByUserAndFeed はユーザーIDとフィードIDで購読を検索する。
	// 解除済みの購読も対象とする。見つからない場合はnilを返す。
	FindByUserAndFeed(ctx context.Context, userID, feedID string) (*model.Subscription, error)

	// ListActiveByFeedID は指定フィードのアクティブな購読一覧を返す。
	ListActiveByFeedID(ctx context.Context, feedID string) ([]*model.Subscription, error)

	// CountActiveByFeedID は指定フィードのアクティブな購読数を返す。
	CountActiveByFeedID(ctx context.Context, feedID string) (int, error)

	// Create は購読を作成する。
	Create(ctx context.Context, sub *model.Subscription) error

	// Update は購読のprevious_feed_ids、subscribed_at、unsubscribed_atを更新する。
	Update(ctx context.Context, sub *model.Subscription) error
}

// PushSubscriptionRepository はWebSub購読データの永続化インターフェース。
type PushSubscriptionRepository interface {
	// FindByFeedID は指定フィードのWebSub購読を取得する。
	// 複数ハブが存在する場合は更新が最も新しい行を返す。見つからない場合はnilを返す。
	FindByFeedID(ctx context.Context, feedID string) (*model.PushSubscription, error)

	// FindActiveByFeedID は指定フィードのactive状態のWebSub購読を取得する。
	// 見つからない場合はnilを返す。pending/unsubscribedの行は決して返さない。
	FindActiveByFeedID(ctx context.Context, feedID string) (*model.PushSubscription, error)

	// Upsert は(feed_id, hub_url)をキーにWebSub購読を冪等に挿入または更新する。
	// 既存行がある場合はsecret、state、topic_urlを上書きしlast_errorをクリアする。
	Upsert(ctx context.Context, ps *model.PushSubscription) error

	// Update はWebSub購読の状態を更新する。
	Update(ctx context.Context, ps *model.PushSubscription) error

	// ListActiveExpiring はexpires_atがbeforeより前のactive購読一覧を返す。
	ListActiveExpiring(ctx context.Context, before time.Time) ([]*model.PushSubscription, error)
}

// EntryRepository は記事データの永続化インターフェース。
type EntryRepository interface {
	// Upsert は(feed_id, guid)をキーに記事を冪等に挿入または更新する。
	// 新規作成した場合はtrueを返す。
	Upsert(ctx context.Context, entry *model.Entry) (bool, error)

	// ListByFeedIDs は指定フィード群の記事をpublished_at降順で取得する。
	// 読み取り側コラボレータが購読のfeed_id + previous_feed_idsを渡して
	// 移行をまたいだ可視エントリを取得するために使う。
	ListByFeedIDs(ctx context.Context, feedIDs []string, limit int) ([]*model.Entry, error)
}

// UserEntryRepository はユーザーごとの記事状態（既読/スター）の永続化インターフェース。
// 状態はエントリIDをキーに持ち、フィードの移行では一切書き換えない。
type UserEntryRepository interface {
	// Upsert は(user_id, entry_id)をキーに状態を冪等に挿入または更新する。
	Upsert(ctx context.Context, state *model.UserEntry) error

	// ListByUserAndEntryIDs は指定ユーザーの指定エントリ群に対する状態を返す。
	// 状態行が存在しないエントリは結果に含めない。
	ListByUserAndEntryIDs(ctx context.Context, userID string, entryIDs []string) ([]*model.UserEntry, error)
}
