// Package model はドメインモデルを定義する。
package model

import "time"

// User はフィードを購読するアカウントを表す。
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Entry はフィード内の1記事を表す。
// 既読/スター状態はエントリIDをキーとするため、
// フィードのリダイレクト移行後もエントリ行は移動しない。
type Entry struct {
	ID          string
	FeedID      string
	GUID        string
	Title       string
	Link        string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// UserEntry はユーザーごとの記事状態（既読/スター）を表す。
type UserEntry struct {
	UserID    string
	EntryID   string
	IsRead    bool
	IsStarred bool
	UpdatedAt time.Time
}
