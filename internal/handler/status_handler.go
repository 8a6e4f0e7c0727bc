package handler

import (
	"net/http"

	"github.com/hitoshi/iamcore/internal/mode"
)

// ModeReporter は稼働モードの参照に使用する。
type ModeReporter interface {
	IsReadOnly() bool
	PrimaryReadSource() mode.Source
	RelationalHealthy() bool
	DocumentHealthy() bool
}

// modeResponse は稼働モードのAPIレスポンス。
type modeResponse struct {
	ReadOnly          bool   `json:"readOnly"`
	PrimaryReadSource string `json:"primaryReadSource"`
	Relational        bool   `json:"relational"`
	Document          bool   `json:"document"`
}

// StatusHandler はヘルスチェックと稼働モードのHTTPハンドラー。
type StatusHandler struct {
	mode ModeReporter
}

// NewStatusHandler はStatusHandlerを生成する。
func NewStatusHandler(m ModeReporter) *StatusHandler {
	return &StatusHandler{mode: m}
}

// Health はプロセスの稼働状態を返す。
// GET /health
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := "read-write"
	if h.mode.IsReadOnly() {
		status = "read-only"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": status})
}

// Mode は起動時に決定した稼働モードを返す。
// GET /api/mode
func (h *StatusHandler) Mode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeResponse{
		ReadOnly:          h.mode.IsReadOnly(),
		PrimaryReadSource: string(h.mode.PrimaryReadSource()),
		Relational:        h.mode.RelationalHealthy(),
		Document:          h.mode.DocumentHealthy(),
	})
}
