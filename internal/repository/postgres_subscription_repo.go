package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, user_id, feed_id, previous_feed_ids,
	        subscribed_at, unsubscribed_at, created_at, updated_at`

// scanSubscription は1行分の購読を読み取る。
func scanSubscription(scan func(dest ...any) error) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var previousFeedIDs pq.StringArray
	var unsubscribedAt sql.NullTime

	if err := scan(
		&sub.ID, &sub.UserID, &sub.FeedID, &previousFeedIDs,
		&sub.SubscribedAt, &unsubscribedAt, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sub.PreviousFeedIDs = []string(previousFeedIDs)
	if unsubscribedAt.Valid {
		t := unsubscribedAt.Time
		sub.UnsubscribedAt = &t
	}

	return sub, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)

	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	return sub, nil
}

// FindByUserAndFeed はユーザーIDとフィードIDで購読を検索する。
// アクティブな購読を優先し、なければ最後に解除された購読を返す。
// 見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByUserAndFeed(ctx context.Context, userID, feedID string) (*model.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1 AND feed_id = $2
		 ORDER BY (unsubscribed_at IS NULL) DESC, updated_at DESC
		 LIMIT 1`,
		userID, feedID)

	sub, err := scanSubscription(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーとフィードによる購読の検索に失敗しました: %w", err)
	}
	return sub, nil
}

// ListActiveByFeedID は指定フィードのアクティブな購読一覧を返す。
func (r *PostgresSubscriptionRepo) ListActiveByFeedID(ctx context.Context, feedID string) ([]*model.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE feed_id = $1 AND unsubscribed_at IS NULL
		 ORDER BY subscribed_at ASC`,
		feedID)
	if err != nil {
		return nil, fmt.Errorf("アクティブな購読一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("購読一覧の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧の走査に失敗しました: %w", err)
	}

	return subs, nil
}

// CountActiveByFeedID は指定フィードのアクティブな購読数を返す。
func (r *PostgresSubscriptionRepo) CountActiveByFeedID(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM subscriptions
		 WHERE feed_id = $1 AND unsubscribed_at IS NULL`,
		feedID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("アクティブな購読数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, feed_id, previous_feed_ids,
		                            subscribed_at, unsubscribed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.UserID, sub.FeedID, pq.Array(sub.PreviousFeedIDs),
		sub.SubscribedAt, nullTime(sub.UnsubscribedAt), sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// Update は購読のprevious_feed_ids、subscribed_at、unsubscribed_atを更新する。
// 購読は物理削除しない: 解除はunsubscribed_atの設定で表す。
func (r *PostgresSubscriptionRepo) Update(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscriptions SET
		    previous_feed_ids = $2,
		    subscribed_at = $3,
		    unsubscribed_at = $4,
		    updated_at = now()
		 WHERE id = $1`,
		sub.ID, pq.Array(sub.PreviousFeedIDs),
		sub.SubscribedAt, nullTime(sub.UnsubscribedAt),
	)
	if err != nil {
		return fmt.Errorf("購読の更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
