package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// JobServiceInterface はジョブハンドラーが必要とするサービスインターフェース。
type JobServiceInterface interface {
	// List はジョブ一覧を取得する。読み取り専用で副作用を持たない。
	List(ctx context.Context, filter repository.JobFilter) ([]*model.Job, error)
}

// JobHandler はジョブキューのイントロスペクション用HTTPハンドラー。
type JobHandler struct {
	service JobServiceInterface
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(service JobServiceInterface) *JobHandler {
	return &JobHandler{service: service}
}

// jobResponse はジョブ情報のAPIレスポンス。
type jobResponse struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	Payload             json.RawMessage `json:"payload"`
	Enabled             bool            `json:"enabled"`
	NextRunAt           time.Time       `json:"next_run_at"`
	RunningSince        *time.Time      `json:"running_since,omitempty"`
	LastRunAt           *time.Time      `json:"last_run_at,omitempty"`
	LastError           string          `json:"last_error,omitempty"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
}

// ListJobs はジョブ一覧を返す。
// GET /api/jobs?enabled=true&type=fetch_feed&limit=50
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repository.JobFilter{Limit: 100}
	query := r.URL.Query()

	if v := query.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "enabledパラメータはtrue/falseで指定してください。",
				Category: "validation",
			})
			return
		}
		filter.Enabled = &enabled
	}

	if v := query.Get("type"); v != "" {
		jobType := model.JobType(v)
		filter.Type = &jobType
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_REQUEST",
				Message:  "limitパラメータは正の整数で指定してください。",
				Category: "validation",
			})
			return
		}
		filter.Limit = limit
	}

	listed, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	responses := make([]jobResponse, 0, len(listed))
	for _, job := range listed {
		responses = append(responses, jobResponse{
			ID:                  job.ID,
			Type:                string(job.Type),
			Payload:             job.Payload,
			Enabled:             job.Enabled,
			NextRunAt:           job.NextRunAt,
			RunningSince:        job.RunningSince,
			LastRunAt:           job.LastRunAt,
			LastError:           job.LastError,
			ConsecutiveFailures: job.ConsecutiveFailures,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jobs": responses})
}
