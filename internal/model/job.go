// Package model はドメインモデルを定義する。
package model

import (
	"encoding/json"
	"time"
)

// JobType はジョブの種別を表す。
type JobType string

const (
	// JobTypeFetchFeed はフィードのフェッチジョブ。
	JobTypeFetchFeed JobType = "fetch_feed"
	// JobTypeRenewSubscriptions はWebSub購読の更新バッチジョブ。
	JobTypeRenewSubscriptions JobType = "renew_subscriptions"
)

// Job はスケジュールされたバックグラウンド処理の1単位を表す。
// RunningSinceが非NULLのジョブはクレーム済みとみなされ、
// staleness窓を超過するまで他のワーカーから再クレームできない。
type Job struct {
	ID                  string
	Type                JobType
	Payload             json.RawMessage
	Enabled             bool
	NextRunAt           time.Time
	RunningSince        *time.Time
	LastRunAt           *time.Time
	LastError           string
	ConsecutiveFailures int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// FetchFeedPayload はfetch_feedジョブのペイロード。
type FetchFeedPayload struct {
	FeedID string `json:"feed_id"`
}

// RenewSubscriptionsPayload はrenew_subscriptionsジョブのペイロード。
type RenewSubscriptionsPayload struct {
	HoursBeforeExpiry int `json:"hours_before_expiry"`
}

// MarshalFetchFeedPayload はfetch_feedジョブのペイロードを生成する。
func MarshalFetchFeedPayload(feedID string) json.RawMessage {
	b, _ := json.Marshal(FetchFeedPayload{FeedID: feedID})
	return b
}

// ParseFetchFeedPayload はfetch_feedジョブのペイロードを解析する。
func ParseFetchFeedPayload(raw json.RawMessage) (*FetchFeedPayload, error) {
	var p FetchFeedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MarshalRenewSubscriptionsPayload はrenew_subscriptionsジョブのペイロードを生成する。
func MarshalRenewSubscriptionsPayload(hours int) json.RawMessage {
	b, _ := json.Marshal(RenewSubscriptionsPayload{HoursBeforeExpiry: hours})
	return b
}

// ParseRenewSubscriptionsPayload はrenew_subscriptionsジョブのペイロードを解析する。
func ParseRenewSubscriptionsPayload(raw json.RawMessage) (*RenewSubscriptionsPayload, error) {
	var p RenewSubscriptionsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
