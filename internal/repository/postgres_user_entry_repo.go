package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresUserEntryRepo はPostgreSQLを使用したユーザー記事状態リポジトリ。
type PostgresUserEntryRepo struct {
	db *sql.DB
}

// NewPostgresUserEntryRepo はPostgresUserEntryRepoを生成する。
func NewPostgresUserEntryRepo(db *sql.DB) *PostgresUserEntryRepo {
	return &PostgresUserEntryRepo{db: db}
}

// Upsert は(user_id, entry_id)をキーに既読/スター状態を冪等に挿入または更新する。
func (r *PostgresUserEntryRepo) Upsert(ctx context.Context, state *model.UserEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_entries (user_id, entry_id, is_read, is_starred, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (user_id, entry_id) DO UPDATE SET
		    is_read = EXCLUDED.is_read,
		    is_starred = EXCLUDED.is_starred,
		    updated_at = now()`,
		state.UserID, state.EntryID, state.IsRead, state.IsStarred,
	)
	if err != nil {
		return fmt.Errorf("記事状態のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// ListByUserAndEntryIDs は指定ユーザーの指定エントリ群に対する状態を返す。
// 状態行が存在しないエントリは結果に含めない。
func (r *PostgresUserEntryRepo) ListByUserAndEntryIDs(ctx context.Context, userID string, entryIDs []string) ([]*model.UserEntry, error) {
	if len(entryIDs) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, entry_id, is_read, is_starred, updated_at
		 FROM user_entries
		 WHERE user_id = $1 AND entry_id = ANY($2)`,
		userID, pq.Array(entryIDs))
	if err != nil {
		return nil, fmt.Errorf("記事状態一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var states []*model.UserEntry
	for rows.Next() {
		state := &model.UserEntry{}
		if err := rows.Scan(
			&state.UserID, &state.EntryID, &state.IsRead, &state.IsStarred,
			&state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("記事状態一覧の読み取りに失敗しました: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事状態一覧の走査に失敗しました: %w", err)
	}

	return states, nil
}

// compile-time interface check
var _ UserEntryRepository = (*PostgresUserEntryRepo)(nil)
