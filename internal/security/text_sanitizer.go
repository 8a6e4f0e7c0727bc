// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は管理APIから受け取った自由記述の項目（表示名・メールアドレス）から
// HTMLマークアップを除去する。UIDとユーザー名はキーとして扱うため内容を書き換えず、
// NormalizeKeyで前後の空白のみを取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/iamcore/internal/model"
)

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はすべてのタグを除去し、前後の空白を取り除いたテキストを返す。
	// エンティティはデコードされたプレーンテキストとして返す。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerの実装。bluemondayのStrictPolicyを使用する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerの新しいインスタンスを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}

// NormalizeKey はUIDやユーザー名などのキー項目を正規化する。
// パス・ボディ・クエリのどこから受け取った値にも同じ規則を適用すること。
func NormalizeKey(key string) string {
	return strings.TrimSpace(key)
}

// SanitizeIdentity は表示名とメールアドレスをサニタイズし、UIDをNormalizeKeyで正規化する。
func SanitizeIdentity(s TextSanitizer, identity *model.Identity) {
	identity.DisplayName = s.Sanitize(identity.DisplayName)
	identity.UID = NormalizeKey(identity.UID)
	identity.Email = s.Sanitize(identity.Email)
}

// SanitizeCredential はCredentialのユーザー名をNormalizeKeyで正規化する。パスワードは変更しない。
func SanitizeCredential(credential *model.Credential) {
	credential.UserName = NormalizeKey(credential.UserName)
}
