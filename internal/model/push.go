// Package model はドメインモデルを定義する。
package model

import "time"

// PushState はWebSub購読の状態を表す。
type PushState string

const (
	// PushStatePending は購読リクエスト送信済みでハブの検証待ちの状態。
	PushStatePending PushState = "pending"
	// PushStateActive はハブの検証チャレンジに成功した状態。
	PushStateActive PushState = "active"
	// PushStateUnsubscribed は購読解除済みの状態。
	PushStateUnsubscribed PushState = "unsubscribed"
)

// PushSubscription は1つのフィードとハブの組に対するWebSub登録状態を表す。
// CallbackSecretは購読ごとにランダムに生成され、通知の署名検証に使う。
// UnsubscribeRequestedAtは自分から解除を要求した時刻で、
// 未設定のままunsubscribedになった場合はハブ起点の解除を意味する。
type PushSubscription struct {
	ID                     string
	FeedID                 string
	HubURL                 string
	TopicURL               string
	CallbackSecret         string
	State                  PushState
	LeaseSeconds           *int
	ExpiresAt              *time.Time
	LastChallengeAt        *time.Time
	LastError              string
	UnsubscribeRequestedAt *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
