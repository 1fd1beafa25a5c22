// Package model はドメインモデルを定義する。
package model

import "time"

// Feed はRSS/Atomフィードの同期状態を表す。
// FeedURLが正規のフェッチURLであり、恒久リダイレクトの検出時に更新される。
type Feed struct {
	ID                  string
	FeedURL             string
	SelfURL             string
	HubURL              string
	Title               string
	PushActive          bool
	ETag                string
	LastModified        string
	ConsecutiveFailures int
	LastError           string
	NextFetchAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subscription はユーザーとフィードの購読関係を表す。
// 購読解除は物理削除せずUnsubscribedAtを設定するソフト削除で行う。
// PreviousFeedIDsはリダイレクト移行で引き継いだ旧フィードIDを
// 移行1回につき1件ずつ追記した履歴で、読み取り時の可視フィード集合の計算に使う。
type Subscription struct {
	ID              string
	UserID          string
	FeedID          string
	PreviousFeedIDs []string
	SubscribedAt    time.Time
	UnsubscribedAt  *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active は購読が現在有効かを返す。
func (s *Subscription) Active() bool {
	return s.UnsubscribedAt == nil
}
