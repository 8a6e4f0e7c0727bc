package repository

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/hitoshi/iamcore/internal/model"
)

const (
	propUserName     = "userName"
	propPasswordHash = "passwordHash"
	propIdentityRef  = "identityRef"
)

// DocumentCredentialRepo はXMLドキュメントを使用したCredentialリポジトリ。
type DocumentCredentialRepo struct {
	mu  sync.Mutex
	doc xmlDocument
}

// NewDocumentCredentialRepo はDocumentCredentialRepoを生成する。
// ファイルの作成・検証は行わない。起動時の検証にはCheckを使用すること。
func NewDocumentCredentialRepo(path string) *DocumentCredentialRepo {
	return &DocumentCredentialRepo{
		doc: xmlDocument{
			path:      path,
			rootTag:   "credentials",
			recordTag: "credential",
			fields:    []string{propUserName, propPasswordHash, propIdentityRef, propUID},
		},
	}
}

// OpenDocumentCredentialRepo はDocumentCredentialRepoを生成し、Checkで検証する。
func OpenDocumentCredentialRepo(path string) (*DocumentCredentialRepo, error) {
	r := NewDocumentCredentialRepo(path)
	if err := r.Check(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

// Check はドキュメントが存在しない場合は空のドキュメントを作成し、一度だけパースして読み込めるかを検証する。
func (r *DocumentCredentialRepo) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.doc.ensure(); err != nil {
		return err
	}
	_, err := r.doc.load()
	return err
}

// Create はCredentialを追加する。
// ユーザー名または（0以外の）IdentityRefが既に存在する場合はErrConflictを返す。
func (r *DocumentCredentialRepo) Create(ctx context.Context, credential *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	for _, rec := range records {
		c := recordToCredential(rec)
		if c.UserName == credential.UserName ||
			(credential.IdentityRef != 0 && c.IdentityRef == credential.IdentityRef) {
			return fmt.Errorf("failed to create credential %q: %w", credential.UserName, ErrConflict)
		}
	}

	records = append(records, credentialToRecord(credential))
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// Search は条件に一致するCredentialをドキュメント順に返す。
func (r *DocumentCredentialRepo) Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
	return r.filter(func(c *model.Credential) bool { return criteria.Matches(*c) })
}

// Update はfromで特定したCredentialを更新する。
// to.PasswordHashが空の場合は既存のハッシュを維持する。
func (r *DocumentCredentialRepo) Update(ctx context.Context, from, to *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	i := indexOfCredential(records, from)
	if i < 0 {
		return fmt.Errorf("failed to update credential for identity %d: %w", from.IdentityRef, ErrNotFound)
	}
	for j, rec := range records {
		if j != i && rec.fields[propUserName] == to.UserName {
			return fmt.Errorf("failed to update credential %q: %w", to.UserName, ErrConflict)
		}
	}

	records[i].fields[propUserName] = to.UserName
	if to.PasswordHash != "" {
		records[i].fields[propPasswordHash] = to.PasswordHash
	}
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// Delete はCredentialを削除する。IdentityRefが0の場合はUIDで対象を特定する。
func (r *DocumentCredentialRepo) Delete(ctx context.Context, credential *model.Credential) (bool, error) {
	return r.remove(func(rec record) bool {
		return matchesCredential(rec, credential)
	})
}

// DeleteByUID は所有IdentityのUIDでCredentialを削除する。
func (r *DocumentCredentialRepo) DeleteByUID(ctx context.Context, uid string) (bool, error) {
	return r.remove(func(rec record) bool {
		return model.EqualUID(rec.fields[propUID], uid)
	})
}

// FindByIdentityRef はIdentityRefでCredentialを取得する。見つからない場合はnilを返す。
func (r *DocumentCredentialRepo) FindByIdentityRef(ctx context.Context, identityRef int64) (*model.Credential, error) {
	credentials, err := r.filter(func(c *model.Credential) bool { return c.IdentityRef == identityRef })
	if err != nil {
		return nil, err
	}
	if len(credentials) == 0 {
		return nil, nil
	}
	return credentials[0], nil
}

// FindByUserName はユーザー名が完全一致するCredentialを返す。
func (r *DocumentCredentialRepo) FindByUserName(ctx context.Context, userName string) ([]*model.Credential, error) {
	return r.filter(func(c *model.Credential) bool { return c.UserName == userName })
}

// ReplaceAll はドキュメントの内容をcredentialsで置き換える。
func (r *DocumentCredentialRepo) ReplaceAll(ctx context.Context, credentials []*model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]record, 0, len(credentials))
	for _, c := range credentials {
		records = append(records, credentialToRecord(c))
	}
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

func (r *DocumentCredentialRepo) filter(keep func(*model.Credential) bool) ([]*model.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}

	credentials := []*model.Credential{}
	for _, rec := range records {
		c := recordToCredential(rec)
		if keep(c) {
			credentials = append(credentials, c)
		}
	}
	return credentials, nil
}

func (r *DocumentCredentialRepo) remove(match func(record) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}

	kept := records[:0]
	for _, rec := range records {
		if !match(rec) {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return false, nil
	}
	if err := r.doc.save(kept); err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	return true, nil
}

func matchesCredential(rec record, c *model.Credential) bool {
	if c.IdentityRef != 0 {
		return rec.fields[propIdentityRef] == strconv.FormatInt(c.IdentityRef, 10)
	}
	return c.UID != "" && model.EqualUID(rec.fields[propUID], c.UID)
}

func indexOfCredential(records []record, c *model.Credential) int {
	for i, rec := range records {
		if matchesCredential(rec, c) {
			return i
		}
	}
	return -1
}

// credentialToRecord はCredential自身のIDをid属性に、所有IdentityのIDをidentityRefに書き出す。
func credentialToRecord(c *model.Credential) record {
	rec := newRecord(c.ID)
	rec.fields[propUserName] = c.UserName
	rec.fields[propPasswordHash] = c.PasswordHash
	rec.fields[propIdentityRef] = strconv.FormatInt(c.IdentityRef, 10)
	rec.fields[propUID] = c.UID
	return rec
}

func recordToCredential(rec record) *model.Credential {
	// identityRefが数値でない場合は0（未解決）として扱う。
	ref, _ := strconv.ParseInt(rec.fields[propIdentityRef], 10, 64)
	return &model.Credential{
		ID:           rec.id,
		UserName:     rec.fields[propUserName],
		PasswordHash: rec.fields[propPasswordHash],
		IdentityRef:  ref,
		UID:          rec.fields[propUID],
	}
}

// compile-time interface check
var (
	_ CredentialRepository = (*DocumentCredentialRepo)(nil)
	_ CredentialReplacer   = (*DocumentCredentialRepo)(nil)
)
