// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// 呼び出し側がログとレスポンスの分岐に使う原因カテゴリを含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, protocol, feed, system
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeJobNotFound            = "JOB_NOT_FOUND"
	ErrCodeInvalidJobPayload      = "INVALID_JOB_PAYLOAD"
	ErrCodeFeedNotFound           = "FEED_NOT_FOUND"
	ErrCodeWebSubUnavailable      = "WEBSUB_UNAVAILABLE"
	ErrCodeWebSubInvalidChallenge = "WEBSUB_INVALID_CHALLENGE"
	ErrCodeWebSubUnknownMode      = "WEBSUB_UNKNOWN_MODE"
	ErrCodeWebSubTopicMismatch    = "WEBSUB_TOPIC_MISMATCH"
	ErrCodeWebSubNotFound         = "WEBSUB_SUBSCRIPTION_NOT_FOUND"
)

// NewJobNotFoundError は存在しないジョブIDの操作に対するエラーを生成する。
// 環境要因ではなく呼び出し側のバグを示すため、握りつぶしてはならない。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "system",
	}
}

// NewInvalidJobPayloadError はジョブペイロードの解析失敗エラーを生成する。
func NewInvalidJobPayloadError(jobID string, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidJobPayload,
		Message:  fmt.Sprintf("ジョブペイロードの解析に失敗しました (%s): %s", jobID, reason),
		Category: "system",
	}
}

// NewFeedNotFoundError はフィードが見つからない場合のエラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
	}
}

// NewWebSubUnavailableError はWebSubが利用できない構成でのエラーを生成する。
// 開発環境では正常な定常状態であり、ポーリングへのフォールバックを意味する。
func NewWebSubUnavailableError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWebSubUnavailable,
		Message:  fmt.Sprintf("WebSubを利用できません: %s", reason),
		Category: "validation",
	}
}

// NewWebSubInvalidChallengeError は検証チャレンジのパラメータ不足エラーを生成する。
func NewWebSubInvalidChallengeError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeWebSubInvalidChallenge,
		Message:  fmt.Sprintf("検証チャレンジが不正です: %s", reason),
		Category: "protocol",
	}
}

// NewWebSubUnknownModeError は未知のhub.modeに対するエラーを生成する。
func NewWebSubUnknownModeError(mode string) *APIError {
	return &APIError{
		Code:     ErrCodeWebSubUnknownMode,
		Message:  fmt.Sprintf("未知のhub.modeです: %s", mode),
		Category: "protocol",
	}
}

// NewWebSubTopicMismatchError はトピックURL不一致エラーを生成する。
// セキュリティ上の拒否であり、警告扱いにしてはならない。
func NewWebSubTopicMismatchError(got, want string) *APIError {
	return &APIError{
		Code:     ErrCodeWebSubTopicMismatch,
		Message:  fmt.Sprintf("トピックURLが一致しません: got=%s want=%s", got, want),
		Category: "protocol",
	}
}

// NewWebSubNotFoundError はWebSub購読が見つからない場合のエラーを生成する。
func NewWebSubNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeWebSubNotFound,
		Message:  fmt.Sprintf("指定されたフィードのWebSub購読が見つかりません: %s", feedID),
		Category: "protocol",
	}
}
