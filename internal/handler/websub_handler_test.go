package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/websub"
)

// fakeManager はWebSubManagerInterfaceのテストダブル。
type fakeManager struct {
	challenge   string
	verifyErr   error
	verified    bool
	gotFeedID   string
	gotRequest  websub.VerificationRequest
	gotSigBody  []byte
	gotSigValue string
}

func (m *fakeManager) HandleVerification(_ context.Context, feedID string, req websub.VerificationRequest) (string, error) {
	m.gotFeedID = feedID
	m.gotRequest = req
	if m.verifyErr != nil {
		return "", m.verifyErr
	}
	return m.challenge, nil
}

func (m *fakeManager) VerifySignature(_ context.Context, feedID string, signatureHeader string, rawBody []byte) bool {
	m.gotFeedID = feedID
	m.gotSigValue = signatureHeader
	m.gotSigBody = rawBody
	return m.verified
}

// fakeEnqueuer はFetchEnqueuerのテストダブル。
type fakeEnqueuer struct {
	enqueued []string
}

func (e *fakeEnqueuer) EnqueueImmediateFetch(_ context.Context, feedID string) error {
	e.enqueued = append(e.enqueued, feedID)
	return nil
}

// fakeJobLister はJobServiceInterfaceのテストダブル。
type fakeJobLister struct {
	listed    []*model.Job
	gotFilter repository.JobFilter
}

func (l *fakeJobLister) List(_ context.Context, filter repository.JobFilter) ([]*model.Job, error) {
	l.gotFilter = filter
	return l.listed, nil
}

func newTestRouter(manager WebSubManagerInterface, enqueuer FetchEnqueuer, jobService JobServiceInterface) (http.Handler, *middleware.RateLimiter) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		CallbackRate:    rate.Limit(100),
		CallbackBurst:   100,
		APIRate:         rate.Limit(100),
		APIBurst:        100,
		CleanupInterval: time.Hour,
	})
	router := NewRouter(&RouterDeps{
		Logger:        slog.New(slog.DiscardHandler),
		RateLimiter:   rl,
		WebSubManager: manager,
		FetchEnqueuer: enqueuer,
		JobService:    jobService,
	})
	return router, rl
}

func TestVerify(t *testing.T) {
	t.Run("検証成功でチャレンジをエコーする", func(t *testing.T) {
		manager := &fakeManager{challenge: "challenge-token"}
		router, rl := newTestRouter(manager, &fakeEnqueuer{}, &fakeJobLister{})
		defer rl.Stop()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/websub/callback/feed-1?hub.mode=subscribe&hub.topic=https%3A%2F%2Fblog.example.com%2Ffeed&hub.challenge=challenge-token&hub.lease_seconds=3600", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		body, _ := io.ReadAll(rec.Body)
		if string(body) != "challenge-token" {
			t.Errorf("body = %q, チャレンジのエコーを期待します", body)
		}

		if manager.gotFeedID != "feed-1" {
			t.Errorf("feedID = %q", manager.gotFeedID)
		}
		if manager.gotRequest.Mode != "subscribe" {
			t.Errorf("mode = %q", manager.gotRequest.Mode)
		}
		if manager.gotRequest.Topic != "https://blog.example.com/feed" {
			t.Errorf("topic = %q", manager.gotRequest.Topic)
		}
		if manager.gotRequest.LeaseSeconds != "3600" {
			t.Errorf("lease_seconds = %q", manager.gotRequest.LeaseSeconds)
		}
	})

	t.Run("購読が見つからない場合は404", func(t *testing.T) {
		manager := &fakeManager{verifyErr: model.NewWebSubNotFoundError("feed-1")}
		router, rl := newTestRouter(manager, &fakeEnqueuer{}, &fakeJobLister{})
		defer rl.Stop()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/websub/callback/feed-1?hub.mode=subscribe&hub.topic=t&hub.challenge=c&hub.lease_seconds=60", nil))

		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}

		var resp map[string]string
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp["code"] != model.ErrCodeWebSubNotFound {
			t.Errorf("code = %q", resp["code"])
		}
	})

	t.Run("トピック不一致は404", func(t *testing.T) {
		manager := &fakeManager{verifyErr: model.NewWebSubTopicMismatchError("got", "want")}
		router, rl := newTestRouter(manager, &fakeEnqueuer{}, &fakeJobLister{})
		defer rl.Stop()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/websub/callback/feed-1?hub.mode=subscribe&hub.topic=t&hub.challenge=c&hub.lease_seconds=60", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("パラメータ不足は400", func(t *testing.T) {
		manager := &fakeManager{verifyErr: model.NewWebSubInvalidChallengeError("不足")}
		router, rl := newTestRouter(manager, &fakeEnqueuer{}, &fakeJobLister{})
		defer rl.Stop()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/websub/callback/feed-1", nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestNotify(t *testing.T) {
	t.Run("検証済み通知は即時フェッチを予約する", func(t *testing.T) {
		manager := &fakeManager{verified: true}
		enqueuer := &fakeEnqueuer{}
		router, rl := newTestRouter(manager, enqueuer, &fakeJobLister{})
		defer rl.Stop()

		req := httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1",
			strings.NewReader("<rss>notification</rss>"))
		req.Header.Set("X-Hub-Signature-256", "sha256=abcdef")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if manager.gotSigValue != "sha256=abcdef" {
			t.Errorf("署名ヘッダ = %q", manager.gotSigValue)
		}
		if string(manager.gotSigBody) != "<rss>notification</rss>" {
			t.Errorf("検証に渡されたボディ = %q", manager.gotSigBody)
		}
		if len(enqueuer.enqueued) != 1 || enqueuer.enqueued[0] != "feed-1" {
			t.Errorf("即時フェッチの予約 = %v, want [feed-1]", enqueuer.enqueued)
		}
	})

	t.Run("検証失敗の通知は破棄するが200を返す", func(t *testing.T) {
		manager := &fakeManager{verified: false}
		enqueuer := &fakeEnqueuer{}
		router, rl := newTestRouter(manager, enqueuer, &fakeJobLister{})
		defer rl.Stop()

		req := httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1",
			strings.NewReader("<rss>forged</rss>"))
		req.Header.Set("X-Hub-Signature", "sha1=bogus")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		// 非2xxを返すとハブが同じ通知を再送してくるだけ
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", rec.Code)
		}
		if len(enqueuer.enqueued) != 0 {
			t.Errorf("検証失敗の通知でフェッチが予約されました: %v", enqueuer.enqueued)
		}
	})

	t.Run("X-Hub-Signatureへのフォールバック", func(t *testing.T) {
		manager := &fakeManager{verified: true}
		router, rl := newTestRouter(manager, &fakeEnqueuer{}, &fakeJobLister{})
		defer rl.Stop()

		req := httptest.NewRequest(http.MethodPost, "/websub/callback/feed-1", strings.NewReader("body"))
		req.Header.Set("X-Hub-Signature", "sha1=legacy")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if manager.gotSigValue != "sha1=legacy" {
			t.Errorf("署名ヘッダ = %q, want sha1=legacy", manager.gotSigValue)
		}
	})
}

func TestListJobs(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	lister := &fakeJobLister{
		listed: []*model.Job{
			{
				ID:        "job-1",
				Type:      model.JobTypeFetchFeed,
				Payload:   model.MarshalFetchFeedPayload("feed-1"),
				Enabled:   true,
				NextRunAt: now,
			},
		},
	}
	router, rl := newTestRouter(&fakeManager{}, &fakeEnqueuer{}, lister)
	defer rl.Stop()

	t.Run("一覧とフィルタ", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?enabled=true&type=fetch_feed&limit=10", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}

		if lister.gotFilter.Enabled == nil || !*lister.gotFilter.Enabled {
			t.Error("enabledフィルタが渡されていません")
		}
		if lister.gotFilter.Type == nil || *lister.gotFilter.Type != model.JobTypeFetchFeed {
			t.Error("typeフィルタが渡されていません")
		}
		if lister.gotFilter.Limit != 10 {
			t.Errorf("limit = %d, want 10", lister.gotFilter.Limit)
		}

		var resp struct {
			Jobs []jobResponse `json:"jobs"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if len(resp.Jobs) != 1 || resp.Jobs[0].ID != "job-1" {
			t.Errorf("jobs = %+v", resp.Jobs)
		}
	})

	t.Run("不正なenabledは400", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?enabled=maybe", nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHealth(t *testing.T) {
	router, rl := newTestRouter(&fakeManager{}, &fakeEnqueuer{}, &fakeJobLister{})
	defer rl.Stop()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("body = %q", rec.Body.String())
	}
}
