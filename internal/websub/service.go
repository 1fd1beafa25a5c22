// Package websub はWebSubプッシュ購読のプロトコル状態機械を提供する。
// 購読リクエスト、ハブの検証チャレンジ、署名付き通知の検証、
// 購読の定期更新と解除を扱う。
// ハブとの通信に失敗してもポーリングが代替するため、
// 失敗は状態（last_error、state）として記録し、例外として伝播させない。
package websub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// URLValidator はコールバックベースURLの検証インターフェース。
type URLValidator interface {
	ValidateCallbackBase(baseURL string, requireHTTPS bool) error
}

// Options はマネージャの構成値。起動時に1回構築しイミュータブルとして扱う。
type Options struct {
	// BaseURL はコールバックの公開ベースURL。空の場合WebSubは無効。
	BaseURL string
	// Production はhttps必須の本番環境かどうか。
	Production bool
	// Disabled はWebSubの強制無効化フラグ。
	Disabled bool
	// LeaseSeconds はハブに要求するリース秒数。
	LeaseSeconds int
	// MaxErrorLength はlast_errorに記録するレスポンスボディの最大長。
	MaxErrorLength int
}

// VerificationRequest はハブの検証GETのパラメータ。
type VerificationRequest struct {
	Mode         string
	Topic        string
	Challenge    string
	LeaseSeconds string
}

// Manager はWebSub購読のプロトコル状態機械。
// フレームワーク型を引数・戻り値に露出させず、
// HTTPルート層からプレーンな値で呼び出される。
type Manager struct {
	pushRepo   repository.PushSubscriptionRepository
	feedRepo   repository.FeedRepository
	hubClient  *http.Client
	hubLimiter *rate.Limiter
	validator  URLValidator
	opts       Options
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewManager はManagerの新しいインスタンスを生成する。
// hubClientはsafeurlのSSRF防止クライアントを渡すことを想定している。
// hubLimiterは購読更新バッチが単一ハブを叩きすぎないための共有レートリミッター。
func NewManager(
	pushRepo repository.PushSubscriptionRepository,
	feedRepo repository.FeedRepository,
	hubClient *http.Client,
	hubLimiter *rate.Limiter,
	validator URLValidator,
	opts Options,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *Manager {
	if opts.LeaseSeconds <= 0 {
		opts.LeaseSeconds = 86400 * 7
	}
	if opts.MaxErrorLength <= 0 {
		opts.MaxErrorLength = 500
	}
	if hubLimiter == nil {
		hubLimiter = rate.NewLimiter(rate.Limit(5), 10)
	}
	return &Manager{
		pushRepo:   pushRepo,
		feedRepo:   feedRepo,
		hubClient:  hubClient,
		hubLimiter: hubLimiter,
		validator:  validator,
		opts:       opts,
		logger:     logger,
		metrics:    collector,
	}
}

// CanUseWebSub はWebSub購読を試みられる構成かを返す。
// 強制無効化、ベースURL未設定、非公開ホスト、本番での平文HTTPはすべてfalse。
// falseは開発環境では正常な定常状態であり、エラーではない。
func (m *Manager) CanUseWebSub() bool {
	if m.opts.Disabled {
		return false
	}
	if m.opts.BaseURL == "" {
		return false
	}
	if err := m.validator.ValidateCallbackBase(m.opts.BaseURL, m.opts.Production); err != nil {
		return false
	}
	return true
}

// callbackURL はフィードIDをキーにしたコールバックURLを構築する。
func (m *Manager) callbackURL(feedID string) string {
	return fmt.Sprintf("%s/websub/callback/%s", strings.TrimRight(m.opts.BaseURL, "/"), feedID)
}

// newCallbackSecret は購読ごとのランダムなシークレット（32バイト、hexエンコード）を生成する。
func newCallbackSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("シークレットの生成に失敗しました: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// topicURL はハブに登録するトピックURLを返す。
// フィードメタデータのself URLがあればそれを、なければフェッチURLを使う。
func topicURL(feed *model.Feed) string {
	if feed.SelfURL != "" {
		return feed.SelfURL
	}
	return feed.FeedURL
}

// Subscribe はフィードのハブに対する購読インテントを送信する。
// 同一フィード・同一ハブの既存行は再利用し、シークレットをリセットして
// pending状態にする。ローカル行のコミット後にハブへPOSTするため、
// 遅い/失敗するハブ呼び出しが他のワーカーをブロックすることはない。
// 202/204以外のレスポンスと転送エラーはlast_errorに記録してエラーを返す。
func (m *Manager) Subscribe(ctx context.Context, feed *model.Feed) error {
	if !m.CanUseWebSub() {
		return model.NewWebSubUnavailableError("コールバックの公開URLが構成されていません")
	}
	if feed.HubURL == "" {
		return model.NewWebSubUnavailableError("フィードにハブURLがありません")
	}

	secret, err := newCallbackSecret()
	if err != nil {
		return err
	}

	now := time.Now()
	ps := &model.PushSubscription{
		ID:             uuid.NewString(),
		FeedID:         feed.ID,
		HubURL:         feed.HubURL,
		TopicURL:       topicURL(feed),
		CallbackSecret: secret,
		State:          model.PushStatePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// ハブへのPOSTより先にpending行をコミットする。
	// 検証チャレンジがPOSTのレスポンスより先に届いてもシークレットを参照できる。
	if err := m.pushRepo.Upsert(ctx, ps); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.topic", ps.TopicURL)
	form.Set("hub.callback", m.callbackURL(feed.ID))
	form.Set("hub.secret", ps.CallbackSecret)
	form.Set("hub.lease_seconds", strconv.Itoa(m.opts.LeaseSeconds))

	if err := m.postToHub(ctx, ps, form); err != nil {
		return err
	}

	m.logger.Info("ハブへ購読リクエストを送信しました",
		slog.String("feed_id", feed.ID),
		slog.String("hub_url", ps.HubURL),
		slog.String("topic_url", ps.TopicURL),
	)

	return nil
}

// Unsubscribe はハブに購読解除インテントを送信する。
// unsubscribe_requested_atを設定することで、後続の検証チャレンジが
// ハブ起点ではなくローカル要求による解除だと判別できる。
// ハブの確認チャレンジが届くまでstateはactiveのまま維持する。
func (m *Manager) Unsubscribe(ctx context.Context, feed *model.Feed) error {
	ps, err := m.pushRepo.FindActiveByFeedID(ctx, feed.ID)
	if err != nil {
		return err
	}
	if ps == nil {
		return nil
	}

	now := time.Now()
	ps.UnsubscribeRequestedAt = &now
	if err := m.pushRepo.Update(ctx, ps); err != nil {
		return err
	}

	form := url.Values{}
	form.Set("hub.mode", "unsubscribe")
	form.Set("hub.topic", ps.TopicURL)
	form.Set("hub.callback", m.callbackURL(feed.ID))

	if err := m.postToHub(ctx, ps, form); err != nil {
		return err
	}

	m.logger.Info("ハブへ購読解除リクエストを送信しました",
		slog.String("feed_id", feed.ID),
		slog.String("hub_url", ps.HubURL),
	)

	return nil
}

// postToHub はフォームエンコードしたインテントをハブにPOSTする。
// 転送エラーと非202/204レスポンスはlast_errorに記録して返す。
// 呼び出し側が転送例外を個別に処理する必要はない。
func (m *Manager) postToHub(ctx context.Context, ps *model.PushSubscription, form url.Values) error {
	if err := m.hubLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("ハブへのリクエストが中断されました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.HubURL, strings.NewReader(form.Encode()))
	if err != nil {
		return m.recordHubError(ctx, ps, fmt.Sprintf("リクエスト作成失敗: %s", err.Error()))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.hubClient.Do(req)
	if err != nil {
		return m.recordHubError(ctx, ps, fmt.Sprintf("ハブへの接続失敗: %s", err.Error()))
	}
	defer resp.Body.Close()

	// 202: 非同期で検証予定 / 204: 検証済みとして即時受理
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(m.opts.MaxErrorLength)))
	return m.recordHubError(ctx, ps,
		fmt.Sprintf("ハブがステータス %d を返しました: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}

// recordHubError はハブ通信の失敗をlast_errorに記録し、エラーとして返す。
func (m *Manager) recordHubError(ctx context.Context, ps *model.PushSubscription, msg string) error {
	if len(msg) > m.opts.MaxErrorLength {
		msg = msg[:m.opts.MaxErrorLength]
	}
	ps.LastError = msg
	if err := m.pushRepo.Update(ctx, ps); err != nil {
		m.logger.Error("ハブエラーの記録に失敗しました",
			slog.String("push_subscription_id", ps.ID),
			slog.String("error", err.Error()),
		)
	}

	m.logger.Warn("ハブへのリクエストに失敗しました",
		slog.String("feed_id", ps.FeedID),
		slog.String("hub_url", ps.HubURL),
		slog.String("error", msg),
	)

	return fmt.Errorf("ハブへのリクエストに失敗しました: %s", msg)
}

// HandleVerification はハブ起点の検証GETを処理する。
// 成功時はチャレンジトークンをそのまま返し、呼び出し側はそれを
// HTTPレスポンスボディとして一字一句変えずにエコーバックしなければならない。
// そのエコーこそがプロトコル上の確認機構である。
func (m *Manager) HandleVerification(ctx context.Context, feedID string, req VerificationRequest) (string, error) {
	if req.Mode == "" || req.Topic == "" || req.Challenge == "" || req.LeaseSeconds == "" {
		m.metrics.RecordWebSubChallenge(req.Mode, false)
		return "", model.NewWebSubInvalidChallengeError("必須パラメータが不足しています")
	}
	if req.Mode != "subscribe" && req.Mode != "unsubscribe" {
		m.metrics.RecordWebSubChallenge(req.Mode, false)
		return "", model.NewWebSubUnknownModeError(req.Mode)
	}

	ps, err := m.pushRepo.FindByFeedID(ctx, feedID)
	if err != nil {
		return "", err
	}
	if ps == nil {
		m.metrics.RecordWebSubChallenge(req.Mode, false)
		return "", model.NewWebSubNotFoundError(feedID)
	}

	// トピック不一致はセキュリティ上の拒否。警告で済ませてはならない。
	if req.Topic != ps.TopicURL {
		m.metrics.RecordWebSubChallenge(req.Mode, false)
		m.logger.Warn("検証チャレンジのトピックURLが一致しません",
			slog.String("feed_id", feedID),
			slog.String("got_topic", req.Topic),
			slog.String("want_topic", ps.TopicURL),
		)
		return "", model.NewWebSubTopicMismatchError(req.Topic, ps.TopicURL)
	}

	now := time.Now()
	ps.LastChallengeAt = &now

	switch req.Mode {
	case "subscribe":
		leaseSeconds, err := strconv.Atoi(req.LeaseSeconds)
		if err != nil || leaseSeconds <= 0 {
			m.metrics.RecordWebSubChallenge(req.Mode, false)
			return "", model.NewWebSubInvalidChallengeError(
				fmt.Sprintf("不正なhub.lease_seconds: %s", req.LeaseSeconds))
		}

		expiresAt := now.Add(time.Duration(leaseSeconds) * time.Second)
		ps.State = model.PushStateActive
		ps.LeaseSeconds = &leaseSeconds
		ps.ExpiresAt = &expiresAt
		ps.LastError = ""

		if err := m.pushRepo.Update(ctx, ps); err != nil {
			return "", err
		}
		// 後段のスケジューリングがプッシュチャネルの存在を認識できるようにする
		if err := m.feedRepo.SetPushActive(ctx, feedID, true); err != nil {
			return "", err
		}

		m.logger.Info("WebSub購読がアクティブになりました",
			slog.String("feed_id", feedID),
			slog.Int("lease_seconds", leaseSeconds),
			slog.Time("expires_at", expiresAt),
		)

	case "unsubscribe":
		ps.State = model.PushStateUnsubscribed
		if ps.UnsubscribeRequestedAt == nil {
			// こちらから要求していない解除はハブ起点。可観測性のため区別して記録する。
			ps.LastError = "ハブ起点の購読解除を受信しました"
		}

		if err := m.pushRepo.Update(ctx, ps); err != nil {
			return "", err
		}
		if err := m.feedRepo.SetPushActive(ctx, feedID, false); err != nil {
			return "", err
		}

		m.logger.Info("WebSub購読が解除されました",
			slog.String("feed_id", feedID),
			slog.Bool("hub_initiated", ps.UnsubscribeRequestedAt == nil),
		)
	}

	m.metrics.RecordWebSubChallenge(req.Mode, true)
	return req.Challenge, nil
}

// VerifySignature は署名付き通知のHMACを検証する。
// active状態の購読のみを信頼し、pending/unsubscribedの行に対する通知は
// 正しい署名であっても決して受理しない。
// 署名の欠落、不正なヘッダ、未知のアルゴリズム、ダイジェスト不一致はすべてfalse。
// falseを受け取った呼び出し側は通知を破棄し、通常のポーリングにフォールバックする。
func (m *Manager) VerifySignature(ctx context.Context, feedID string, signatureHeader string, rawBody []byte) bool {
	if signatureHeader == "" {
		m.metrics.RecordWebSubNotification(false)
		return false
	}

	algorithm, digest, ok := parseSignatureHeader(signatureHeader)
	if !ok {
		m.metrics.RecordWebSubNotification(false)
		return false
	}

	ps, err := m.pushRepo.FindActiveByFeedID(ctx, feedID)
	if err != nil {
		m.logger.Error("WebSub購読の取得に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		m.metrics.RecordWebSubNotification(false)
		return false
	}
	if ps == nil {
		m.metrics.RecordWebSubNotification(false)
		return false
	}

	verified := verifyHMAC(ps.CallbackSecret, algorithm, digest, rawBody)
	if !verified {
		m.logger.Warn("WebSub通知の署名検証に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("algorithm", algorithm),
		)
	}
	m.metrics.RecordWebSubNotification(verified)
	return verified
}

// RenewExpiring は有効期限がhoursBeforeExpiry時間以内に迫ったactive購読を再購読する。
// 再購読に失敗した購読はunsubscribedに落とし、フィードのpush_activeを解除して
// ポーリングに引き継ぐ。更新失敗でプッシュもポーリングも無いlimbo状態に
// フィードを残してはならない。
func (m *Manager) RenewExpiring(ctx context.Context, hoursBeforeExpiry int) error {
	before := time.Now().Add(time.Duration(hoursBeforeExpiry) * time.Hour)
	expiring, err := m.pushRepo.ListActiveExpiring(ctx, before)
	if err != nil {
		return fmt.Errorf("期限切れ間近のWebSub購読の取得に失敗しました: %w", err)
	}

	if len(expiring) == 0 {
		return nil
	}

	m.logger.Info("WebSub購読の更新を開始します",
		slog.Int("count", len(expiring)),
		slog.Int("hours_before_expiry", hoursBeforeExpiry),
	)

	for _, ps := range expiring {
		feed, err := m.feedRepo.FindByID(ctx, ps.FeedID)
		if err != nil {
			m.logger.Error("フィードの取得に失敗しました",
				slog.String("feed_id", ps.FeedID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if feed == nil || feed.HubURL == "" {
			// ハブURLが外されたフィードの購読は更新せず解除する
			m.dropToPolling(ctx, ps, "フィードにハブURLがなくなったため購読を解除しました")
			continue
		}

		if err := m.Subscribe(ctx, feed); err != nil {
			m.dropToPolling(ctx, ps, fmt.Sprintf("購読更新に失敗しました: %s", err.Error()))
		}
	}

	return nil
}

// dropToPolling は購読をunsubscribedに落とし、フィードをポーリングに戻す。
func (m *Manager) dropToPolling(ctx context.Context, ps *model.PushSubscription, reason string) {
	ps.State = model.PushStateUnsubscribed
	ps.LastError = reason
	if err := m.pushRepo.Update(ctx, ps); err != nil {
		m.logger.Error("WebSub購読の更新に失敗しました",
			slog.String("push_subscription_id", ps.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := m.feedRepo.SetPushActive(ctx, ps.FeedID, false); err != nil {
		m.logger.Error("push_activeフラグの解除に失敗しました",
			slog.String("feed_id", ps.FeedID),
			slog.String("error", err.Error()),
		)
		return
	}

	m.logger.Warn("WebSub購読をポーリングにフォールバックしました",
		slog.String("feed_id", ps.FeedID),
		slog.String("reason", reason),
	)
}

// Deactivate はハブの確認を待たずにWebSub購読をローカルで解除する。
// オペレータやインポートがフィードからハブURLを外した際に呼ばれる。
// もはやハブに何も要求していないため、確認チャレンジを待つ必要はない。
func (m *Manager) Deactivate(ctx context.Context, feedID string) error {
	ps, err := m.pushRepo.FindActiveByFeedID(ctx, feedID)
	if err != nil {
		return err
	}
	if ps == nil {
		return nil
	}

	now := time.Now()
	ps.State = model.PushStateUnsubscribed
	ps.UnsubscribeRequestedAt = &now
	if err := m.pushRepo.Update(ctx, ps); err != nil {
		return err
	}
	if err := m.feedRepo.SetPushActive(ctx, feedID, false); err != nil {
		return err
	}

	m.logger.Info("WebSub購読をローカルで解除しました",
		slog.String("feed_id", feedID),
	)

	return nil
}
