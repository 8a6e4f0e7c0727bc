package credential

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher はパスワードの一方向ハッシュ化と照合を行う。
// ソルト付きのアルゴリズムでは同じ平文でも毎回異なるハッシュになるため、
// 照合は必ずVerifyで行い、ハッシュ同士を比較しないこと。
type Hasher interface {
	Hash(clear string) (string, error)
	Verify(hash, clear string) bool
}

// ErrPasswordTooLong はbcryptが扱える長さ（72バイト）を超えるパスワードを示す。
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// BcryptHasher はbcryptによるHasher実装。
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher はBcryptHasherを生成する。
// costが範囲外（0を含む）の場合はbcrypt.DefaultCostを使用する。
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

// Hash は平文パスワードのbcryptハッシュを返す。
func (h *BcryptHasher) Hash(clear string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(clear), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", ErrPasswordTooLong
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify は平文パスワードがハッシュと一致するかを返す。
// ハッシュが不正な形式の場合もfalseを返す。
func (h *BcryptHasher) Verify(hash, clear string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(clear)) == nil
}

// compile-time interface check
var _ Hasher = (*BcryptHasher)(nil)
