// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
)

// ErrorKind はコーディネーター層のエラー種別を表す。
type ErrorKind string

const (
	// KindReadOnly は読み取り専用モードで更新系操作が呼ばれたことを示す。
	KindReadOnly ErrorKind = "read_only"
	// KindDuplicate はUIDまたはユーザー名の重複を示す。
	KindDuplicate ErrorKind = "duplicate"
	// KindReferenceNotFound はCredentialが存在しないIdentityを参照していることを示す。
	KindReferenceNotFound ErrorKind = "reference_not_found"
	// KindImmutableField はUIDまたはIdentityRefを変更しようとしたことを示す。
	KindImmutableField ErrorKind = "immutable_field"
	// KindCreation は作成時のストア障害を示す。
	KindCreation ErrorKind = "creation"
	// KindUpdate は更新時のストア障害を示す。
	KindUpdate ErrorKind = "update"
	// KindDelete は削除時のストア障害を示す。
	KindDelete ErrorKind = "delete"
	// KindSearch は検索時のストア障害を示す。
	KindSearch ErrorKind = "search"
)

// DataError はコーディネーターが返すエラー。
// 原因となったエンティティと、ストア障害の場合は下位のエラーを保持する。
type DataError struct {
	Kind   ErrorKind
	Entity any
	Err    error
}

// 種別ごとの比較用センチネル。errors.Is(err, model.ErrReadOnly) のように使う。
var (
	ErrReadOnly          = &DataError{Kind: KindReadOnly}
	ErrDuplicate         = &DataError{Kind: KindDuplicate}
	ErrReferenceNotFound = &DataError{Kind: KindReferenceNotFound}
	ErrImmutableField    = &DataError{Kind: KindImmutableField}
	ErrCreation          = &DataError{Kind: KindCreation}
	ErrUpdate            = &DataError{Kind: KindUpdate}
	ErrDelete            = &DataError{Kind: KindDelete}
	ErrSearch            = &DataError{Kind: KindSearch}
)

// NewDataError はDataErrorを生成する。causeはnilでもよい。
func NewDataError(kind ErrorKind, entity any, cause error) *DataError {
	return &DataError{Kind: kind, Entity: entity, Err: cause}
}

// Error はerrorインターフェースを実装する。
func (e *DataError) Error() string {
	msg := string(e.Kind)
	switch e.Kind {
	case KindReadOnly:
		msg = "running in read-only mode"
	case KindDuplicate:
		msg = "duplicate entry"
	case KindReferenceNotFound:
		msg = "no such identity"
	case KindImmutableField:
		msg = "immutable field cannot be changed"
	case KindCreation:
		msg = "failed to create"
	case KindUpdate:
		msg = "failed to update"
	case KindDelete:
		msg = "failed to delete"
	case KindSearch:
		msg = "failed to search"
	}
	if e.Entity != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Entity)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap は下位のエラーを返す。
func (e *DataError) Unwrap() error {
	return e.Err
}

// Is は種別が一致する場合にtrueを返す。
func (e *DataError) Is(target error) bool {
	t, ok := target.(*DataError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, store, auth, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeReadOnly          = "READ_ONLY"
	ErrCodeDuplicate         = "DUPLICATE"
	ErrCodeIdentityNotFound  = "IDENTITY_NOT_FOUND"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeImmutableField    = "IMMUTABLE_FIELD"
	ErrCodeStoreFailure      = "STORE_FAILURE"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeAuthFailed        = "AUTHENTICATION_FAILED"
)

// NewAPIErrorFromDataError はDataErrorを画面表示用のAPIErrorに変換する。
func NewAPIErrorFromDataError(e *DataError) *APIError {
	switch e.Kind {
	case KindReadOnly:
		return &APIError{
			Code:     ErrCodeReadOnly,
			Message:  "読み取り専用モードで稼働しているため変更できません。",
			Category: "store",
			Action:   "データベースの接続を復旧してから再起動してください。",
		}
	case KindDuplicate:
		return &APIError{
			Code:     ErrCodeDuplicate,
			Message:  "UIDまたはユーザー名が既に登録されています。",
			Category: "validation",
			Action:   "別のUIDまたはユーザー名を指定してください。",
		}
	case KindReferenceNotFound:
		return &APIError{
			Code:     ErrCodeIdentityNotFound,
			Message:  "指定されたIdentityが見つかりません。",
			Category: "validation",
			Action:   "先にIdentityを作成してください。",
		}
	case KindImmutableField:
		return &APIError{
			Code:     ErrCodeImmutableField,
			Message:  "UIDおよびIdentityの紐付けは変更できません。",
			Category: "validation",
			Action:   "変更可能な項目のみを編集してください。",
		}
	default:
		return &APIError{
			Code:     ErrCodeStoreFailure,
			Message:  fmt.Sprintf("ストアの操作に失敗しました（%s）。", e.Kind),
			Category: "store",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}

// NewInvalidRequestError はリクエスト不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewNotFoundError は対象が存在しない場合のエラーを生成する。
func NewNotFoundError(what string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%sが見つかりません。", what),
		Category: "validation",
		Action:   "指定した値を確認してください。",
	}
}
