package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/iamcore/internal/model"
)

const (
	propDisplayName = "displayName"
	propUID         = "uid"
	propEmail       = "email"
)

// DocumentIdentityRepo はXMLドキュメントを使用したIdentityリポジトリ。
// 操作ごとにファイルを読み込み、変更があれば書き戻す。
type DocumentIdentityRepo struct {
	mu  sync.Mutex
	doc xmlDocument
}

// NewDocumentIdentityRepo はDocumentIdentityRepoを生成する。
// ファイルの存在確認は行わない。起動時の検証にはCheckを使用すること。
func NewDocumentIdentityRepo(path string) *DocumentIdentityRepo {
	return &DocumentIdentityRepo{
		doc: xmlDocument{
			path:      path,
			rootTag:   "identities",
			recordTag: "identity",
			fields:    []string{propDisplayName, propUID, propEmail},
		},
	}
}

// Path はドキュメントのファイルパスを返す。
func (r *DocumentIdentityRepo) Path() string {
	return r.doc.path
}

// Check はドキュメントを一度だけパースし、読み込めるかを検証する。
func (r *DocumentIdentityRepo) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.doc.load()
	return err
}

// Create はIdentityを追加する。UIDが既に存在する場合はErrConflictを返す。
func (r *DocumentIdentityRepo) Create(ctx context.Context, identity *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	if indexOfUID(records, identity.UID) >= 0 {
		return fmt.Errorf("failed to create identity %q: %w", identity.UID, ErrConflict)
	}

	records = append(records, identityToRecord(identity))
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

// Search は条件に一致するIdentityをドキュメント順に返す。
func (r *DocumentIdentityRepo) Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return nil, fmt.Errorf("failed to search identities: %w", err)
	}

	identities := []*model.Identity{}
	for _, rec := range records {
		identity := recordToIdentity(rec)
		if criteria.Matches(*identity) {
			identities = append(identities, identity)
		}
	}
	return identities, nil
}

// Update はfromのUIDで特定したIdentityの表示名とメールアドレスを更新する。
func (r *DocumentIdentityRepo) Update(ctx context.Context, from, to *model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	i := indexOfUID(records, from.UID)
	if i < 0 {
		return fmt.Errorf("failed to update identity %q: %w", from.UID, ErrNotFound)
	}

	records[i].fields[propDisplayName] = to.DisplayName
	records[i].fields[propEmail] = to.Email
	if records[i].id == 0 {
		records[i].id = from.ID
	}
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return nil
}

// Delete はUIDで特定したIdentityを削除する。
func (r *DocumentIdentityRepo) Delete(ctx context.Context, identity *model.Identity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}
	i := indexOfUID(records, identity.UID)
	if i < 0 {
		return false, nil
	}

	records = append(records[:i], records[i+1:]...)
	if err := r.doc.save(records); err != nil {
		return false, fmt.Errorf("failed to delete identity: %w", err)
	}
	return true, nil
}

// FindByUID はUIDでIdentityを取得する。見つからない場合はnilを返す。
func (r *DocumentIdentityRepo) FindByUID(ctx context.Context, uid string) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	if i := indexOfUID(records, uid); i >= 0 {
		return recordToIdentity(records[i]), nil
	}
	return nil, nil
}

// FindByID は内部IDでIdentityを取得する。
// id属性を持たないレコードは対象外。見つからない場合はnilを返す。
func (r *DocumentIdentityRepo) FindByID(ctx context.Context, id int64) (*model.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	records, err := r.doc.load()
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	for _, rec := range records {
		if id != 0 && rec.id == id {
			return recordToIdentity(rec), nil
		}
	}
	return nil, nil
}

// ReplaceAll はドキュメントの内容をidentitiesで置き換える。
func (r *DocumentIdentityRepo) ReplaceAll(ctx context.Context, identities []*model.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]record, 0, len(identities))
	for _, identity := range identities {
		records = append(records, identityToRecord(identity))
	}
	if err := r.doc.save(records); err != nil {
		return fmt.Errorf("failed to replace identities: %w", err)
	}
	return nil
}

func indexOfUID(records []record, uid string) int {
	for i, rec := range records {
		if model.EqualUID(rec.fields[propUID], uid) {
			return i
		}
	}
	return -1
}

func identityToRecord(identity *model.Identity) record {
	rec := newRecord(identity.ID)
	rec.fields[propDisplayName] = identity.DisplayName
	rec.fields[propUID] = identity.UID
	rec.fields[propEmail] = identity.Email
	return rec
}

func recordToIdentity(rec record) *model.Identity {
	return &model.Identity{
		ID:          rec.id,
		DisplayName: rec.fields[propDisplayName],
		UID:         rec.fields[propUID],
		Email:       rec.fields[propEmail],
	}
}

// compile-time interface check
var (
	_ IdentityRepository = (*DocumentIdentityRepo)(nil)
	_ IdentityReplacer   = (*DocumentIdentityRepo)(nil)
)
