// Package repository はIdentityとCredentialの永続化インターフェースと、
// リレーショナルストア・ドキュメントストアそれぞれの実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/iamcore/internal/model"
)

// IdentityRepository はIdentityの永続化インターフェース。
// リレーショナルストアとドキュメントストアの2つの実装を持つ。
type IdentityRepository interface {
	// Create はIdentityを作成する。リレーショナルストアでは採番したIDをidentity.IDに設定する。
	// UIDが既に存在する場合はErrConflictを返す。
	Create(ctx context.Context, identity *model.Identity) error

	// Search は条件に一致するIdentityを返す。該当がない場合は空スライスを返す。
	Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error)

	// Update はfromのUIDで特定したIdentityをtoの内容で更新する。
	// 該当がない場合はErrNotFoundを返す。
	Update(ctx context.Context, from, to *model.Identity) error

	// Delete はUIDで特定したIdentityを削除する。削除した場合はtrueを返す。
	Delete(ctx context.Context, identity *model.Identity) (bool, error)

	// FindByUID はUID（大文字小文字を区別しない）でIdentityを取得する。見つからない場合はnilを返す。
	FindByUID(ctx context.Context, uid string) (*model.Identity, error)

	// FindByID は内部IDでIdentityを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Identity, error)
}

// CredentialRepository はCredentialの永続化インターフェース。
type CredentialRepository interface {
	// Create はCredentialを作成する。PasswordHashは設定済みであること。
	// ユーザー名またはIdentityRefが重複する場合はErrConflictを返す。
	Create(ctx context.Context, credential *model.Credential) error

	// Search は条件に一致するCredentialを返す。該当がない場合は空スライスを返す。
	Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error)

	// Update はfromのIdentityRefで特定したCredentialをtoの内容で更新する。
	// to.PasswordHashが空の場合は既存のハッシュを維持する。
	// 該当がない場合はErrNotFoundを返す。
	Update(ctx context.Context, from, to *model.Credential) error

	// Delete はCredentialを削除する。IdentityRefが0以外ならIdentityRefで、
	// 0ならUIDで対象を特定する。削除した場合はtrueを返す。
	Delete(ctx context.Context, credential *model.Credential) (bool, error)

	// FindByIdentityRef はIdentityRefでCredentialを取得する。見つからない場合はnilを返す。
	FindByIdentityRef(ctx context.Context, identityRef int64) (*model.Credential, error)

	// FindByUserName はユーザー名が完全一致（大文字小文字を区別）するCredentialをすべて返す。
	FindByUserName(ctx context.Context, userName string) ([]*model.Credential, error)

	// DeleteByUID は所有IdentityのUIDでCredentialを削除する。Identity削除時の連動削除に使用する。
	DeleteByUID(ctx context.Context, uid string) (bool, error)
}

// IdentityReplacer は全件を置き換えることができるIdentityリポジトリ。
// リコンサイルジョブがドキュメントストアを修復する際に使用する。
type IdentityReplacer interface {
	ReplaceAll(ctx context.Context, identities []*model.Identity) error
}

// CredentialReplacer は全件を置き換えることができるCredentialリポジトリ。
type CredentialReplacer interface {
	ReplaceAll(ctx context.Context, credentials []*model.Credential) error
}
