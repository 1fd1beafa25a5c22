package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, feed_url, self_url, hub_url, title, push_active,
	        etag, last_modified, consecutive_failures, last_error,
	        next_fetch_at, created_at, updated_at`

// scanFeed は1行分のフィードを読み取る。
func scanFeed(scan func(dest ...any) error) (*model.Feed, error) {
	feed := &model.Feed{}
	var selfURL, hubURL, etag, lastModified, lastError sql.NullString

	if err := scan(
		&feed.ID, &feed.FeedURL, &selfURL, &hubURL, &feed.Title, &feed.PushActive,
		&etag, &lastModified, &feed.ConsecutiveFailures, &lastError,
		&feed.NextFetchAt, &feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}

	feed.SelfURL = nullStringValue(selfURL)
	feed.HubURL = nullStringValue(hubURL)
	feed.ETag = nullStringValue(etag)
	feed.LastModified = nullStringValue(lastModified)
	feed.LastError = nullStringValue(lastError)

	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`, id)

	feed, err := scanFeed(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByFeedURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByFeedURL(ctx context.Context, feedURL string) (*model.Feed, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE feed_url = $1`, feedURL)

	feed, err := scanFeed(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードURLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// Create はフィードを作成する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, feed_url, self_url, hub_url, title, push_active,
		                    etag, last_modified, consecutive_failures, last_error,
		                    next_fetch_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		feed.ID, feed.FeedURL, nullString(feed.SelfURL), nullString(feed.HubURL),
		feed.Title, feed.PushActive,
		nullString(feed.ETag), nullString(feed.LastModified),
		feed.ConsecutiveFailures, nullString(feed.LastError),
		feed.NextFetchAt, feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return nil
}

// Update はフィード情報を更新する。
func (r *PostgresFeedRepo) Update(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    feed_url = $2, self_url = $3, hub_url = $4, title = $5,
		    push_active = $6, etag = $7, last_modified = $8,
		    consecutive_failures = $9, last_error = $10,
		    next_fetch_at = $11, updated_at = now()
		 WHERE id = $1`,
		feed.ID, feed.FeedURL, nullString(feed.SelfURL), nullString(feed.HubURL),
		feed.Title, feed.PushActive,
		nullString(feed.ETag), nullString(feed.LastModified),
		feed.ConsecutiveFailures, nullString(feed.LastError),
		feed.NextFetchAt,
	)
	if err != nil {
		return fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateFetchState はフィードのフェッチ状態を更新する。
func (r *PostgresFeedRepo) UpdateFetchState(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    consecutive_failures = $2,
		    last_error = $3,
		    next_fetch_at = $4,
		    etag = $5,
		    last_modified = $6,
		    updated_at = now()
		 WHERE id = $1`,
		feed.ID,
		feed.ConsecutiveFailures,
		nullString(feed.LastError),
		feed.NextFetchAt,
		nullString(feed.ETag),
		nullString(feed.LastModified),
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// SetPushActive はフィードのpush_activeフラグを更新する。
func (r *PostgresFeedRepo) SetPushActive(ctx context.Context, feedID string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET push_active = $2, updated_at = now() WHERE id = $1`,
		feedID, active,
	)
	if err != nil {
		return fmt.Errorf("push_activeフラグの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
