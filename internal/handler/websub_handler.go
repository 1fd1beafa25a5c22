// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/websub"
)

// WebSubManagerInterface はWebSubハンドラーが必要とするマネージャのインターフェース。
type WebSubManagerInterface interface {
	// HandleVerification はハブの検証チャレンジを処理し、エコーすべきチャレンジ文字列を返す。
	HandleVerification(ctx context.Context, feedID string, req websub.VerificationRequest) (string, error)
	// VerifySignature は署名付き通知のHMACを検証する。
	VerifySignature(ctx context.Context, feedID string, signatureHeader string, rawBody []byte) bool
}

// FetchEnqueuer は検証済み通知の受信時に即時フェッチを予約するインターフェース。
type FetchEnqueuer interface {
	EnqueueImmediateFetch(ctx context.Context, feedID string) error
}

// WebSubHandler はハブからのコールバックを処理するHTTPハンドラー。
type WebSubHandler struct {
	manager     WebSubManagerInterface
	enqueuer    FetchEnqueuer
	logger      *slog.Logger
	maxBodySize int64
}

// NewWebSubHandler はWebSubHandlerを生成する。
func NewWebSubHandler(manager WebSubManagerInterface, enqueuer FetchEnqueuer, logger *slog.Logger, maxBodySize int64) *WebSubHandler {
	if maxBodySize <= 0 {
		maxBodySize = 5 * 1024 * 1024
	}
	return &WebSubHandler{
		manager:     manager,
		enqueuer:    enqueuer,
		logger:      logger,
		maxBodySize: maxBodySize,
	}
}

// Verify はハブの検証GETを処理する。
// GET /websub/callback/:feedID
// 成功時はチャレンジ文字列をそのままボディとして返す。
func (h *WebSubHandler) Verify(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")
	query := r.URL.Query()

	challenge, err := h.manager.HandleVerification(r.Context(), feedID, websub.VerificationRequest{
		Mode:         query.Get("hub.mode"),
		Topic:        query.Get("hub.topic"),
		Challenge:    query.Get("hub.challenge"),
		LeaseSeconds: query.Get("hub.lease_seconds"),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// Notify はハブの署名付き通知POSTを処理する。
// POST /websub/callback/:feedID
// 署名が検証できた場合のみ即時フェッチを予約する。
// 検証に失敗した通知はボディを破棄するが、レスポンスは200を返す:
// 非2xxを返すとハブが同じ不正な通知を再送してくるだけである。
func (h *WebSubHandler) Notify(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "feedID")

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBodySize))
	if err != nil {
		h.logger.Warn("通知ボディの読み取りに失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	// sha1署名はX-Hub-Signature、sha256以上はX-Hub-Signature-256で届くハブがある
	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}

	if !h.manager.VerifySignature(r.Context(), feedID, signature, body) {
		h.logger.Warn("署名検証に失敗した通知を破棄しました",
			slog.String("feed_id", feedID),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	// 通知の中身は信用せず、検証済みの事実だけを使って自分でフェッチし直す
	if err := h.enqueuer.EnqueueImmediateFetch(r.Context(), feedID); err != nil {
		h.logger.Error("即時フェッチの予約に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("error", err.Error()),
		)
	}

	w.WriteHeader(http.StatusOK)
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeWebSubNotFound, model.ErrCodeFeedNotFound, model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeWebSubInvalidChallenge, model.ErrCodeWebSubUnknownMode:
		return http.StatusBadRequest
	case model.ErrCodeWebSubTopicMismatch:
		return http.StatusNotFound
	case model.ErrCodeWebSubUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeInvalidJobPayload:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
