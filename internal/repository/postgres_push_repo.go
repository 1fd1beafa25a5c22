package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresPushRepo はPostgreSQLを使用したWebSub購読リポジトリ。
type PostgresPushRepo struct {
	db *sql.DB
}

// NewPostgresPushRepo はPostgresPushRepoを生成する。
func NewPostgresPushRepo(db *sql.DB) *PostgresPushRepo {
	return &PostgresPushRepo{db: db}
}

const pushColumns = `id, feed_id, hub_url, topic_url, callback_secret, state,
	        lease_seconds, expires_at, last_challenge_at, last_error,
	        unsubscribe_requested_at, created_at, updated_at`

// scanPush は1行分のWebSub購読を読み取る。
func scanPush(scan func(dest ...any) error) (*model.PushSubscription, error) {
	ps := &model.PushSubscription{}
	var leaseSeconds sql.NullInt64
	var expiresAt, lastChallengeAt, unsubRequestedAt sql.NullTime
	var lastError sql.NullString

	if err := scan(
		&ps.ID, &ps.FeedID, &ps.HubURL, &ps.TopicURL, &ps.CallbackSecret, &ps.State,
		&leaseSeconds, &expiresAt, &lastChallengeAt, &lastError,
		&unsubRequestedAt, &ps.CreatedAt, &ps.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if leaseSeconds.Valid {
		v := int(leaseSeconds.Int64)
		ps.LeaseSeconds = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		ps.ExpiresAt = &t
	}
	if lastChallengeAt.Valid {
		t := lastChallengeAt.Time
		ps.LastChallengeAt = &t
	}
	if unsubRequestedAt.Valid {
		t := unsubRequestedAt.Time
		ps.UnsubscribeRequestedAt = &t
	}
	ps.LastError = nullStringValue(lastError)

	return ps, nil
}

// FindByFeedID は指定フィードのWebSub購読を取得する。見つからない場合はnilを返す。
func (r *PostgresPushRepo) FindByFeedID(ctx context.Context, feedID string) (*model.PushSubscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pushColumns+` FROM push_subscriptions
		 WHERE feed_id = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		feedID)

	ps, err := scanPush(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("WebSub購読の取得に失敗しました: %w", err)
	}
	return ps, nil
}

// FindActiveByFeedID は指定フィードのactive状態のWebSub購読を取得する。
// 見つからない場合はnilを返す。
func (r *PostgresPushRepo) FindActiveByFeedID(ctx context.Context, feedID string) (*model.PushSubscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+pushColumns+` FROM push_subscriptions
		 WHERE feed_id = $1 AND state = 'active'
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		feedID)

	ps, err := scanPush(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティブなWebSub購読の取得に失敗しました: %w", err)
	}
	return ps, nil
}

// Upsert は(feed_id, hub_url)をキーにWebSub購読を冪等に挿入または更新する。
// 既存行がある場合は新しいsecretとstateで上書きし、last_errorをクリアする。
// 同一フィード・同一ハブの組に重複行を作らない。
func (r *PostgresPushRepo) Upsert(ctx context.Context, ps *model.PushSubscription) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO push_subscriptions
		    (id, feed_id, hub_url, topic_url, callback_secret, state,
		     lease_seconds, expires_at, last_challenge_at, last_error,
		     unsubscribe_requested_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (feed_id, hub_url) DO UPDATE SET
		    topic_url = EXCLUDED.topic_url,
		    callback_secret = EXCLUDED.callback_secret,
		    state = EXCLUDED.state,
		    lease_seconds = EXCLUDED.lease_seconds,
		    expires_at = EXCLUDED.expires_at,
		    last_error = NULL,
		    unsubscribe_requested_at = NULL,
		    updated_at = now()
		 RETURNING id`,
		ps.ID, ps.FeedID, ps.HubURL, ps.TopicURL, ps.CallbackSecret, ps.State,
		nullInt(ps.LeaseSeconds), nullTime(ps.ExpiresAt), nullTime(ps.LastChallengeAt),
		nullString(ps.LastError), nullTime(ps.UnsubscribeRequestedAt),
		ps.CreatedAt, ps.UpdatedAt,
	).Scan(&ps.ID)
	if err != nil {
		return fmt.Errorf("WebSub購読のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// Update はWebSub購読の状態を更新する。
func (r *PostgresPushRepo) Update(ctx context.Context, ps *model.PushSubscription) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET
		    topic_url = $2,
		    callback_secret = $3,
		    state = $4,
		    lease_seconds = $5,
		    expires_at = $6,
		    last_challenge_at = $7,
		    last_error = $8,
		    unsubscribe_requested_at = $9,
		    updated_at = now()
		 WHERE id = $1`,
		ps.ID, ps.TopicURL, ps.CallbackSecret, ps.State,
		nullInt(ps.LeaseSeconds), nullTime(ps.ExpiresAt), nullTime(ps.LastChallengeAt),
		nullString(ps.LastError), nullTime(ps.UnsubscribeRequestedAt),
	)
	if err != nil {
		return fmt.Errorf("WebSub購読の更新に失敗しました: %w", err)
	}
	return nil
}

// ListActiveExpiring はexpires_atがbeforeより前のactive購読一覧を返す。
func (r *PostgresPushRepo) ListActiveExpiring(ctx context.Context, before time.Time) ([]*model.PushSubscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+pushColumns+` FROM push_subscriptions
		 WHERE state = 'active' AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at ASC`,
		before)
	if err != nil {
		return nil, fmt.Errorf("期限切れ間近のWebSub購読の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []*model.PushSubscription
	for rows.Next() {
		ps, err := scanPush(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("WebSub購読一覧の読み取りに失敗しました: %w", err)
		}
		subs = append(subs, ps)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("WebSub購読一覧の走査に失敗しました: %w", err)
	}

	return subs, nil
}

// nullInt は*intをsql.NullInt64に変換する。
func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// compile-time interface check
var _ PushSubscriptionRepository = (*PostgresPushRepo)(nil)
