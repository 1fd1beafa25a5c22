package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

func (h *harness) addFetchJob(t *testing.T, feedID string, nextRunAt time.Time) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:        uuid.NewString(),
		Type:      model.JobTypeFetchFeed,
		Payload:   model.MarshalFetchFeedPayload(feedID),
		Enabled:   true,
		NextRunAt: nextRunAt,
	}
	if err := h.jobRepo.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestRunOnce_ExecutesDueJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "max-age=900")
		w.Write([]byte(testFeedBody))
	}))
	defer server.Close()

	feed := &model.Feed{ID: "feed-1", FeedURL: server.URL}
	h := newHarness(t, disabledPush(), feed)
	job := h.addFetchJob(t, "feed-1", time.Now().Add(-time.Minute))

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗しました: %v", err)
	}

	finished := h.jobRepo.get(job.ID)
	if finished.RunningSince != nil {
		t.Error("完了後もrunning_sinceが残っています")
	}
	if finished.LastRunAt == nil {
		t.Error("last_run_atが記録されていません")
	}
	if finished.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", finished.ConsecutiveFailures)
	}
	if !finished.NextRunAt.After(time.Now()) {
		t.Errorf("next_run_at = %v, 未来への更新を期待します", finished.NextRunAt)
	}

	if got := h.entryRepo.count("feed-1"); got != 2 {
		t.Errorf("エントリ数 = %d, want 2", got)
	}
}

func TestRunOnce_NoDueJobs(t *testing.T) {
	h := newHarness(t, disabledPush())
	h.addFetchJob(t, "feed-1", time.Now().Add(time.Hour))

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnceに失敗しました: %v", err)
	}

	// 期限前のジョブはクレームされない
	for _, j := range h.jobRepo.jobsByID {
		if j.RunningSince != nil || j.LastRunAt != nil {
			t.Error("期限前のジョブが実行されました")
		}
	}
}

func TestRunOnce_DrainsMultipleJobs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(testFeedBody))
	}))
	defer server.Close()

	feeds := []*model.Feed{
		{ID: "feed-1", FeedURL: server.URL},
		{ID: "feed-2", FeedURL: server.URL},
		{ID: "feed-3", FeedURL: server.URL},
	}
	h := newHarness(t, disabledPush(), feeds...)
	due := time.Now().Add(-time.Minute)
	for _, f := range feeds {
		h.addFetchJob(t, f.ID, due)
	}

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	for _, f := range feeds {
		job, _ := h.jobRepo.FindFetchJobByFeedID(context.Background(), f.ID)
		if job.LastRunAt == nil {
			t.Errorf("feed=%s: ジョブが実行されていません", f.ID)
		}
	}
}

func TestRunOnce_RecordsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	feed := &model.Feed{ID: "feed-1", FeedURL: server.URL}
	h := newHarness(t, disabledPush(), feed)
	job := h.addFetchJob(t, "feed-1", time.Now().Add(-time.Minute))

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	finished := h.jobRepo.get(job.ID)
	if finished.ConsecutiveFailures != 1 {
		t.Errorf("consecutive_failures = %d, want 1", finished.ConsecutiveFailures)
	}
	if finished.LastError == "" {
		t.Error("last_errorが記録されていません")
	}
	if finished.RunningSince != nil {
		t.Error("失敗後もrunning_sinceが残っています")
	}
}

func TestRunOnce_InvalidPayload(t *testing.T) {
	h := newHarness(t, disabledPush())
	job := &model.Job{
		ID:        uuid.NewString(),
		Type:      model.JobTypeFetchFeed,
		Payload:   []byte(`{broken`),
		Enabled:   true,
		NextRunAt: time.Now().Add(-time.Minute),
	}
	h.jobRepo.Create(context.Background(), job)

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	finished := h.jobRepo.get(job.ID)
	if finished.ConsecutiveFailures != 1 {
		t.Error("不正なペイロードのジョブが失敗として記録されていません")
	}
	// 不正なペイロードは再試行しても直らないので遠い未来に退避する
	if !finished.NextRunAt.After(time.Now().Add(24 * time.Hour)) {
		t.Errorf("next_run_at = %v, 遠い未来への退避を期待します", finished.NextRunAt)
	}
}

func TestRunOnce_RenewJobWithWebSubDisabled(t *testing.T) {
	h := newHarness(t, disabledPush())
	job := &model.Job{
		ID:        uuid.NewString(),
		Type:      model.JobTypeRenewSubscriptions,
		Payload:   model.MarshalRenewSubscriptionsPayload(24),
		Enabled:   true,
		NextRunAt: time.Now().Add(-time.Minute),
	}
	h.jobRepo.Create(context.Background(), job)

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// WebSub無効の構成では何もせず成功として次回に送る
	finished := h.jobRepo.get(job.ID)
	if finished.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d, want 0", finished.ConsecutiveFailures)
	}
	if !finished.NextRunAt.After(time.Now()) {
		t.Error("next_run_atが未来に更新されていません")
	}
}

func TestEnsureRenewJob(t *testing.T) {
	h := newHarness(t, disabledPush())

	if err := h.scheduler.EnsureRenewJob(context.Background()); err != nil {
		t.Fatalf("EnsureRenewJobに失敗しました: %v", err)
	}

	renewType := model.JobTypeRenewSubscriptions
	listed, err := h.jobs.List(context.Background(), listFilterByType(renewType))
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 {
		t.Fatalf("renew_subscriptionsジョブ数 = %d, want 1", len(listed))
	}

	// 2回目は既存ジョブを再利用する
	if err := h.scheduler.EnsureRenewJob(context.Background()); err != nil {
		t.Fatal(err)
	}
	all, _ := h.jobs.List(context.Background(), repository.JobFilter{})
	count := 0
	for _, j := range all {
		if j.Type == renewType {
			count++
		}
	}
	if count != 1 {
		t.Errorf("EnsureRenewJobの再実行でジョブが重複しました: %d", count)
	}
}
