package model

import (
	"fmt"
	"strings"
)

// Identity はプロフィール情報（表示名・UID・メールアドレス）を表す。
// UIDは大文字小文字を区別せず一意であり、作成後は変更できない。
type Identity struct {
	// ID はリレーショナルストアの内部識別子。
	// ドキュメントストアから読み込んだ場合は0となる。
	ID          int64  `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
}

// String はログ出力用の文字列表現を返す。
func (i Identity) String() string {
	return fmt.Sprintf("Identity[displayName=%s, uid=%s, email=%s]", i.DisplayName, i.UID, i.Email)
}

// SameUID はUIDが大文字小文字を区別せず一致するかを返す。
func (i Identity) SameUID(other Identity) bool {
	return EqualUID(i.UID, other.UID)
}

// EqualUID はUID同士を大文字小文字を区別せず比較する。
func EqualUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

// IdentityCriteria はIdentity検索条件を表す。
// 空文字列のフィールドはワイルドカードとして扱う。
// DisplayNameとEmailは部分一致、UIDは大文字小文字を区別しない完全一致で比較する。
type IdentityCriteria struct {
	DisplayName string
	UID         string
	Email       string
}

// Matches は条件にIdentityが一致するかを返す。
// ドキュメントストアなどメモリ上で絞り込む実装が使用する。
func (c IdentityCriteria) Matches(i Identity) bool {
	if c.DisplayName != "" && !containsFold(i.DisplayName, c.DisplayName) {
		return false
	}
	if c.Email != "" && !containsFold(i.Email, c.Email) {
		return false
	}
	if c.UID != "" && !EqualUID(i.UID, c.UID) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
