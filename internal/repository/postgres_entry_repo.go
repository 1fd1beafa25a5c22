package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresEntryRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresEntryRepo struct {
	db *sql.DB
}

// NewPostgresEntryRepo はPostgresEntryRepoを生成する。
func NewPostgresEntryRepo(db *sql.DB) *PostgresEntryRepo {
	return &PostgresEntryRepo{db: db}
}

// Upsert は(feed_id, guid)をキーに記事を冪等に挿入または更新する。
// 新規作成した場合はtrueを返す。既存記事は上書き更新し、履歴は保持しない。
func (r *PostgresEntryRepo) Upsert(ctx context.Context, entry *model.Entry) (bool, error) {
	var created bool
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO entries (id, feed_id, guid, title, link, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (feed_id, guid) DO UPDATE SET
		    title = EXCLUDED.title,
		    link = EXCLUDED.link,
		    published_at = EXCLUDED.published_at
		 RETURNING (xmax = 0)`,
		entry.ID, entry.FeedID, entry.GUID, entry.Title, entry.Link,
		entry.PublishedAt, entry.CreatedAt,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("記事のUPSERTに失敗しました: %w", err)
	}
	return created, nil
}

// ListByFeedIDs は指定フィード群の記事をpublished_at降順で取得する。
// 購読のfeed_idとprevious_feed_idsを合わせて渡すことで、
// リダイレクト移行をまたいだ可視エントリを1クエリで取得できる。
func (r *PostgresEntryRepo) ListByFeedIDs(ctx context.Context, feedIDs []string, limit int) ([]*model.Entry, error) {
	if len(feedIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, guid, title, link, published_at, created_at
		 FROM entries
		 WHERE feed_id = ANY($1)
		 ORDER BY published_at DESC
		 LIMIT $2`,
		pq.Array(feedIDs), limit)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.Entry
	for rows.Next() {
		entry := &model.Entry{}
		if err := rows.Scan(
			&entry.ID, &entry.FeedID, &entry.GUID, &entry.Title, &entry.Link,
			&entry.PublishedAt, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事一覧の読み取りに失敗しました: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}

	return entries, nil
}

// compile-time interface check
var _ EntryRepository = (*PostgresEntryRepo)(nil)
