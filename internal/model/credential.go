package model

import (
	"fmt"
	"strings"
)

// Credential はIdentityに紐づくログイン情報を表す。
type Credential struct {
	ID int64 `json:"-"`
	// UserName は資格情報の中で一意。大文字小文字を区別する。
	UserName string `json:"userName"`
	// PasswordHash は一方向ハッシュ。平文は保存しない。
	PasswordHash string `json:"-"`
	// IdentityRef は所有するIdentityの内部ID。
	IdentityRef int64 `json:"identityRef"`
	// UID は所有するIdentityのUIDの複製。コーディネーターのみが設定する。
	UID string `json:"uid"`
	// Password は呼び出し側が渡す平文パスワード。永続化されない。
	// 更新時に空の場合は既存のハッシュを維持する。
	Password string `json:"-"`
}

// String はログ出力用の文字列表現を返す。パスワード関連の値は含めない。
func (c Credential) String() string {
	return fmt.Sprintf("Credential[userName=%s, identityRef=%d, uid=%s]", c.UserName, c.IdentityRef, c.UID)
}

// CredentialCriteria はCredential検索条件を表す。
// UserNameは部分一致（大文字小文字を区別）、IdentityRefは完全一致で比較し、
// 空文字列と0はワイルドカードとして扱う。
type CredentialCriteria struct {
	UserName    string
	IdentityRef int64
}

// Matches は条件にCredentialが一致するかを返す。
func (c CredentialCriteria) Matches(cred Credential) bool {
	if c.UserName != "" && !strings.Contains(cred.UserName, c.UserName) {
		return false
	}
	if c.IdentityRef != 0 && cred.IdentityRef != c.IdentityRef {
		return false
	}
	return true
}
