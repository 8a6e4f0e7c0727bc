// Package handler は管理APIのHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/repository"
)

// maxBodyBytes はリクエストボディの上限サイズ。
const maxBodyBytes = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400レスポンスを書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONの形式が正しくありません"))
		return false
	}
	return true
}

// handleServiceError はコーディネーターから返されたエラーを適切なHTTPレスポンスに変換する。
func handleServiceError(logger *slog.Logger, w http.ResponseWriter, err error) {
	var dataErr *model.DataError
	if errors.As(err, &dataErr) {
		if errors.Is(err, repository.ErrNotFound) {
			middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("対象"))
			return
		}
		if status := middleware.WriteDataError(w, dataErr); status >= http.StatusInternalServerError {
			logger.Error("store operation failed", slog.String("error", err.Error()))
		}
		return
	}

	// DataError以外のエラーは内部サーバーエラーとして扱う
	logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}
