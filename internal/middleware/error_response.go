package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/iamcore/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

var internalError = &model.APIError{
	Code:     model.ErrCodeInternal,
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody(*apiErr))
}

// WriteInternalServerError は詳細を伏せた500レスポンスを書き込む。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, internalError)
}

// WriteDataError はコーディネーターのエラー種別に応じたステータスとボディを書き込み、
// 書き込んだステータスコードを返す。
func WriteDataError(w http.ResponseWriter, e *model.DataError) int {
	status := StatusForDataError(e)
	WriteErrorResponse(w, status, model.NewAPIErrorFromDataError(e))
	return status
}

// StatusForDataError はDataErrorの種別に対応するHTTPステータスコードを返す。
//
//	read_only, duplicate  → 409
//	reference_not_found   → 422
//	immutable_field       → 400
//	ストア障害              → 500
func StatusForDataError(e *model.DataError) int {
	switch e.Kind {
	case model.KindReadOnly, model.KindDuplicate:
		return http.StatusConflict
	case model.KindReferenceNotFound:
		return http.StatusUnprocessableEntity
	case model.KindImmutableField:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
