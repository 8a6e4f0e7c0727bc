package credential

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/iamcore/internal/health"
	"github.com/hitoshi/iamcore/internal/metrics"
	"github.com/hitoshi/iamcore/internal/mode"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/repository"
)

// --- モック ---

type mockCredentialRepo struct {
	createFn            func(ctx context.Context, c *model.Credential) error
	searchFn            func(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error)
	updateFn            func(ctx context.Context, from, to *model.Credential) error
	deleteFn            func(ctx context.Context, c *model.Credential) (bool, error)
	findByIdentityRefFn func(ctx context.Context, identityRef int64) (*model.Credential, error)
	findByUserNameFn    func(ctx context.Context, userName string) ([]*model.Credential, error)
	deleteByUIDFn       func(ctx context.Context, uid string) (bool, error)

	calls int
}

func (m *mockCredentialRepo) Create(ctx context.Context, c *model.Credential) error {
	m.calls++
	return m.createFn(ctx, c)
}
func (m *mockCredentialRepo) Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
	m.calls++
	return m.searchFn(ctx, criteria)
}
func (m *mockCredentialRepo) Update(ctx context.Context, from, to *model.Credential) error {
	m.calls++
	return m.updateFn(ctx, from, to)
}
func (m *mockCredentialRepo) Delete(ctx context.Context, c *model.Credential) (bool, error) {
	m.calls++
	return m.deleteFn(ctx, c)
}
func (m *mockCredentialRepo) FindByIdentityRef(ctx context.Context, identityRef int64) (*model.Credential, error) {
	m.calls++
	return m.findByIdentityRefFn(ctx, identityRef)
}
func (m *mockCredentialRepo) FindByUserName(ctx context.Context, userName string) ([]*model.Credential, error) {
	m.calls++
	return m.findByUserNameFn(ctx, userName)
}
func (m *mockCredentialRepo) DeleteByUID(ctx context.Context, uid string) (bool, error) {
	m.calls++
	return m.deleteByUIDFn(ctx, uid)
}

// newMemoryCredentialRepo はメモリ上で動作するモックを返す。
func newMemoryCredentialRepo() *mockCredentialRepo {
	var records []*model.Credential
	indexOfRef := func(ref int64) int {
		for i, r := range records {
			if r.IdentityRef == ref {
				return i
			}
		}
		return -1
	}
	filter := func(keep func(*model.Credential) bool) []*model.Credential {
		out := []*model.Credential{}
		for _, r := range records {
			if keep(r) {
				cp := *r
				out = append(out, &cp)
			}
		}
		return out
	}

	return &mockCredentialRepo{
		createFn: func(ctx context.Context, c *model.Credential) error {
			for _, r := range records {
				if r.UserName == c.UserName || r.IdentityRef == c.IdentityRef {
					return repository.ErrConflict
				}
			}
			cp := *c
			records = append(records, &cp)
			return nil
		},
		searchFn: func(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
			return filter(func(c *model.Credential) bool { return criteria.Matches(*c) }), nil
		},
		updateFn: func(ctx context.Context, from, to *model.Credential) error {
			i := indexOfRef(from.IdentityRef)
			if i < 0 {
				return repository.ErrNotFound
			}
			records[i].UserName = to.UserName
			if to.PasswordHash != "" {
				records[i].PasswordHash = to.PasswordHash
			}
			return nil
		},
		deleteFn: func(ctx context.Context, c *model.Credential) (bool, error) {
			i := indexOfRef(c.IdentityRef)
			if i < 0 {
				return false, nil
			}
			records = append(records[:i], records[i+1:]...)
			return true, nil
		},
		findByIdentityRefFn: func(ctx context.Context, identityRef int64) (*model.Credential, error) {
			if i := indexOfRef(identityRef); i >= 0 {
				cp := *records[i]
				return &cp, nil
			}
			return nil, nil
		},
		findByUserNameFn: func(ctx context.Context, userName string) ([]*model.Credential, error) {
			return filter(func(c *model.Credential) bool { return c.UserName == userName }), nil
		},
		deleteByUIDFn: func(ctx context.Context, uid string) (bool, error) {
			return false, nil
		},
	}
}

func (m *mockCredentialRepo) count(t *testing.T) int {
	t.Helper()
	all, _ := m.searchFn(context.Background(), model.CredentialCriteria{})
	return len(all)
}

type mockIdentityFinder struct {
	findByIDFn func(ctx context.Context, id int64) (*model.Identity, error)
}

func (m *mockIdentityFinder) FindByID(ctx context.Context, id int64) (*model.Identity, error) {
	return m.findByIDFn(ctx, id)
}

// countingHasher はHashの呼び出し回数を数える。
type countingHasher struct {
	Hasher
	hashCalls int
}

func (h *countingHasher) Hash(clear string) (string, error) {
	h.hashCalls++
	return h.Hasher.Hash(clear)
}

// --- ヘルパー ---

type fixture struct {
	svc        *Service
	relational *mockCredentialRepo
	document   *mockCredentialRepo
	hasher     *countingHasher
	logs       *bytes.Buffer
}

var (
	readWrite = health.Result{Relational: true, Document: true}
	readOnly  = health.Result{Relational: false, Document: true}
)

// knownIdentities はID 2のIdentity（uid=ADA1）のみが存在する状態を表す。
func knownIdentities() *mockIdentityFinder {
	return &mockIdentityFinder{
		findByIDFn: func(ctx context.Context, id int64) (*model.Identity, error) {
			if id == 2 {
				return &model.Identity{ID: 2, UID: "ADA1"}, nil
			}
			if id == 3 {
				return &model.Identity{ID: 3, UID: "GRACE"}, nil
			}
			return nil, nil
		},
	}
}

func newFixture(t *testing.T, probe health.Result) *fixture {
	t.Helper()
	ctrl, err := mode.Decide(probe)
	if err != nil {
		t.Fatalf("mode.Decide() error = %v", err)
	}
	f := &fixture{
		relational: newMemoryCredentialRepo(),
		document:   newMemoryCredentialRepo(),
		hasher:     &countingHasher{Hasher: NewBcryptHasher(bcrypt.MinCost)},
		logs:       &bytes.Buffer{},
	}
	f.svc = NewService(
		Stores{Relational: f.relational, Document: f.document, Identities: knownIdentities()},
		f.hasher,
		ctrl,
		metrics.Nop{},
		slog.New(slog.NewJSONHandler(f.logs, nil)),
	)
	return f
}

func rootCredential() *model.Credential {
	return &model.Credential{UserName: "root", Password: "root", IdentityRef: 2}
}

// seed は読み書き可能モードでrootを作成する。
func (f *fixture) seed(t *testing.T) {
	t.Helper()
	if err := f.svc.Create(context.Background(), rootCredential()); err != nil {
		t.Fatalf("seed Create() error = %v", err)
	}
	f.relational.calls = 0
	f.document.calls = 0
	f.hasher.hashCalls = 0
}

// --- Create ---

func TestService_Create_HashesAndCopiesUID(t *testing.T) {
	f := newFixture(t, readWrite)

	c := rootCredential()
	if err := f.svc.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if c.UID != "ADA1" {
		t.Errorf("UID = %q, want copied from identity", c.UID)
	}
	if c.Password != "" {
		t.Error("expected clear-text password to be cleared")
	}

	for name, repo := range map[string]*mockCredentialRepo{"relational": f.relational, "document": f.document} {
		stored, _ := repo.findByIdentityRefFn(context.Background(), 2)
		if stored == nil {
			t.Fatalf("%s store has no credential", name)
		}
		if stored.PasswordHash == "" || stored.PasswordHash == "root" {
			t.Errorf("%s PasswordHash = %q, want a digest", name, stored.PasswordHash)
		}
		if stored.UID != "ADA1" {
			t.Errorf("%s UID = %q", name, stored.UID)
		}
	}
}

func TestService_Create_ReferenceNotFound(t *testing.T) {
	f := newFixture(t, readWrite)

	err := f.svc.Create(context.Background(), &model.Credential{UserName: "ghost", Password: "x", IdentityRef: 99})
	if !errors.Is(err, model.ErrReferenceNotFound) {
		t.Fatalf("Create() error = %v, want ErrReferenceNotFound", err)
	}
	if f.relational.count(t) != 0 || f.document.count(t) != 0 {
		t.Error("expected nothing to be written")
	}
	if f.hasher.hashCalls != 0 {
		t.Error("expected password not to be hashed")
	}
}

func TestService_Create_SecondCredentialForIdentity(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	err := f.svc.Create(context.Background(), &model.Credential{UserName: "other", Password: "x", IdentityRef: 2})
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("Create() error = %v, want ErrDuplicate", err)
	}
	if f.relational.count(t) != 1 {
		t.Errorf("relational count = %d, want 1", f.relational.count(t))
	}
}

func TestService_Create_UserNameTakenByOtherIdentity(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	err := f.svc.Create(context.Background(), &model.Credential{UserName: "root", Password: "x", IdentityRef: 3})
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("Create() error = %v, want ErrDuplicate", err)
	}
	if f.hasher.hashCalls != 0 {
		t.Error("expected password not to be hashed")
	}
}

func TestService_Create_ReadOnlyTouchesNoStore(t *testing.T) {
	f := newFixture(t, readOnly)

	err := f.svc.Create(context.Background(), rootCredential())
	if !errors.Is(err, model.ErrReadOnly) {
		t.Fatalf("Create() error = %v, want ErrReadOnly", err)
	}
	if f.relational.calls != 0 || f.document.calls != 0 {
		t.Errorf("store calls = (%d, %d), want (0, 0)", f.relational.calls, f.document.calls)
	}
}

func TestService_Create_PasswordRequired(t *testing.T) {
	f := newFixture(t, readWrite)

	err := f.svc.Create(context.Background(), &model.Credential{UserName: "root", IdentityRef: 2})
	if !errors.Is(err, model.ErrCreation) {
		t.Fatalf("Create() error = %v, want ErrCreation", err)
	}
	if f.relational.count(t) != 0 {
		t.Error("expected nothing to be written")
	}
}

func TestService_Create_DocumentFailureIsCreationError(t *testing.T) {
	f := newFixture(t, readWrite)
	f.document.createFn = func(ctx context.Context, c *model.Credential) error {
		return errors.New("permission denied")
	}

	err := f.svc.Create(context.Background(), rootCredential())
	if !errors.Is(err, model.ErrCreation) {
		t.Fatalf("Create() error = %v, want ErrCreation", err)
	}
	if f.relational.count(t) != 1 {
		t.Error("relational write is not rolled back")
	}
	if !strings.Contains(f.logs.String(), "stores diverged") {
		t.Error("expected divergence to be logged")
	}
}

// --- Search ---

func TestService_Search_UsesReferenceStore(t *testing.T) {
	f := newFixture(t, readOnly)
	_ = f.document.createFn(context.Background(), &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 2})

	got, err := f.svc.Search(context.Background(), model.CredentialCriteria{UserName: "ro"})
	if err != nil || len(got) != 1 {
		t.Fatalf("Search() = (%v, %v), want 1 result", got, err)
	}
	if f.relational.calls != 0 {
		t.Error("expected relational store not to be read in read-only mode")
	}
}

// --- Update ---

func TestService_Update_EmptyPasswordKeepsHash(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()
	before, _ := f.relational.findByIdentityRefFn(ctx, 2)

	err := f.svc.Update(ctx, &model.Credential{IdentityRef: 2}, &model.Credential{UserName: "admin", IdentityRef: 2})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	after, _ := f.relational.findByIdentityRefFn(ctx, 2)
	if after.UserName != "admin" {
		t.Errorf("UserName = %q, want admin", after.UserName)
	}
	if after.PasswordHash != before.PasswordHash {
		t.Error("expected password hash to be preserved")
	}
	if f.hasher.hashCalls != 0 {
		t.Error("expected no hashing for a profile-only edit")
	}
}

func TestService_Update_NewPasswordIsHashed(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()

	err := f.svc.Update(ctx, &model.Credential{IdentityRef: 2}, &model.Credential{UserName: "root", Password: "n3w", IdentityRef: 2})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ok, _ := f.svc.Login(ctx, "root", "n3w")
	if !ok {
		t.Error("expected login with the new password to succeed")
	}
	ok, _ = f.svc.Login(ctx, "root", "root")
	if ok {
		t.Error("expected login with the old password to fail")
	}
}

func TestService_Update_IdentityRefIsImmutable(t *testing.T) {
	f := newFixture(t, readWrite)

	err := f.svc.Update(context.Background(), &model.Credential{IdentityRef: 2}, &model.Credential{UserName: "root", IdentityRef: 3})
	if !errors.Is(err, model.ErrImmutableField) {
		t.Fatalf("Update() error = %v, want ErrImmutableField", err)
	}
	if f.relational.calls != 0 || f.document.calls != 0 {
		t.Error("expected no store access")
	}
}

func TestService_Update_UserNameCollision(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()
	_ = f.svc.Create(ctx, &model.Credential{UserName: "grace", Password: "x", IdentityRef: 3})

	err := f.svc.Update(ctx, &model.Credential{IdentityRef: 3}, &model.Credential{UserName: "root", IdentityRef: 3})
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("Update() error = %v, want ErrDuplicate", err)
	}
}

func TestService_Update_SelfCollisionIsAllowed(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	err := f.svc.Update(context.Background(), &model.Credential{IdentityRef: 2}, &model.Credential{UserName: "root", IdentityRef: 2})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestService_Update_ReadOnly(t *testing.T) {
	f := newFixture(t, readOnly)

	err := f.svc.Update(context.Background(), rootCredential(), rootCredential())
	if !errors.Is(err, model.ErrReadOnly) {
		t.Fatalf("Update() error = %v, want ErrReadOnly", err)
	}
	if f.relational.calls != 0 || f.document.calls != 0 {
		t.Error("expected no store access")
	}
}

// --- Delete ---

func TestService_Delete(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	if err := f.svc.Delete(context.Background(), &model.Credential{IdentityRef: 2}); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if f.relational.count(t) != 0 || f.document.count(t) != 0 {
		t.Error("expected credential to be removed from both stores")
	}
}

func TestService_Delete_MissingIsNoOp(t *testing.T) {
	f := newFixture(t, readWrite)

	if err := f.svc.Delete(context.Background(), &model.Credential{IdentityRef: 42}); err != nil {
		t.Fatalf("Delete() error = %v, want nil", err)
	}
	if !strings.Contains(f.logs.String(), "credential to delete was not found") {
		t.Error("expected a warning to be logged")
	}
}

func TestService_Delete_ReadOnly(t *testing.T) {
	f := newFixture(t, readOnly)

	err := f.svc.Delete(context.Background(), rootCredential())
	if !errors.Is(err, model.ErrReadOnly) {
		t.Fatalf("Delete() error = %v, want ErrReadOnly", err)
	}
	if f.relational.calls != 0 || f.document.calls != 0 {
		t.Error("expected no store access")
	}
}

// --- Login ---

func TestService_Login(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()

	ok, err := f.svc.Login(ctx, "root", "root")
	if err != nil || !ok {
		t.Errorf("Login(root, root) = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = f.svc.Login(ctx, "root", "wrong")
	if err != nil || ok {
		t.Errorf("Login(root, wrong) = (%v, %v), want (false, nil)", ok, err)
	}

	ok, err = f.svc.Login(ctx, "nobody", "root")
	if err != nil || ok {
		t.Errorf("Login(nobody, root) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestService_Login_EmptyFieldsSkipStore(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	for _, tt := range []struct{ user, pass string }{{"root", ""}, {"", "root"}, {"", ""}} {
		ok, err := f.svc.Login(context.Background(), tt.user, tt.pass)
		if err != nil || ok {
			t.Errorf("Login(%q, %q) = (%v, %v), want (false, nil)", tt.user, tt.pass, ok, err)
		}
	}
	if f.relational.calls != 0 || f.document.calls != 0 {
		t.Errorf("store calls = (%d, %d), want (0, 0)", f.relational.calls, f.document.calls)
	}
}

func TestService_Login_AmbiguousMatchFails(t *testing.T) {
	f := newFixture(t, readWrite)
	hash, _ := f.hasher.Hash("root")
	f.relational.findByUserNameFn = func(ctx context.Context, userName string) ([]*model.Credential, error) {
		return []*model.Credential{
			{UserName: "root", PasswordHash: hash, IdentityRef: 2},
			{UserName: "root", PasswordHash: hash, IdentityRef: 3},
		}, nil
	}

	ok, err := f.svc.Login(context.Background(), "root", "root")
	if err != nil || ok {
		t.Errorf("Login() = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestService_Login_ReadOnlyUsesDocument(t *testing.T) {
	f := newFixture(t, readOnly)
	hash, _ := f.hasher.Hash("root")
	_ = f.document.createFn(context.Background(), &model.Credential{UserName: "root", PasswordHash: hash, IdentityRef: 2})

	ok, err := f.svc.Login(context.Background(), "root", "root")
	if err != nil || !ok {
		t.Errorf("Login() = (%v, %v), want (true, nil)", ok, err)
	}
	if f.relational.calls != 0 {
		t.Error("expected relational store not to be read")
	}
}

func TestService_Login_StoreFailure(t *testing.T) {
	f := newFixture(t, readWrite)
	f.relational.findByUserNameFn = func(ctx context.Context, userName string) ([]*model.Credential, error) {
		return nil, errors.New("connection refused")
	}

	ok, err := f.svc.Login(context.Background(), "root", "root")
	if ok || !errors.Is(err, model.ErrSearch) {
		t.Errorf("Login() = (%v, %v), want (false, ErrSearch)", ok, err)
	}
}

func TestService_Login_DoesNotLogPassword(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)

	_, _ = f.svc.Login(context.Background(), "root", "s3cr3t-guess")
	if strings.Contains(f.logs.String(), "s3cr3t-guess") {
		t.Error("clear-text password must not be logged")
	}
}

// --- CheckOldPassword / UsernameExists ---

func TestService_CheckOldPassword(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate *model.Credential
		want      bool
	}{
		{"matching password", &model.Credential{IdentityRef: 2, Password: "root"}, true},
		{"wrong password", &model.Credential{IdentityRef: 2, Password: "nope"}, false},
		{"empty password", &model.Credential{IdentityRef: 2}, false},
		{"unknown identity", &model.Credential{IdentityRef: 99, Password: "root"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.CheckOldPassword(ctx, tt.candidate)
			if err != nil || got != tt.want {
				t.Errorf("CheckOldPassword() = (%v, %v), want (%v, nil)", got, err, tt.want)
			}
		})
	}
}

func TestService_UsernameExists(t *testing.T) {
	f := newFixture(t, readWrite)
	f.seed(t)
	ctx := context.Background()

	taken, err := f.svc.UsernameExists(ctx, &model.Credential{UserName: "root", IdentityRef: 3})
	if err != nil || !taken {
		t.Errorf("UsernameExists(other identity) = (%v, %v), want (true, nil)", taken, err)
	}

	taken, err = f.svc.UsernameExists(ctx, &model.Credential{UserName: "root", IdentityRef: 2})
	if err != nil || taken {
		t.Errorf("UsernameExists(self) = (%v, %v), want (false, nil)", taken, err)
	}

	taken, _ = f.svc.UsernameExists(ctx, &model.Credential{UserName: "Root", IdentityRef: 3})
	if taken {
		t.Error("expected user name comparison to be case-sensitive")
	}
}

func TestService_StripsControlCharactersFromUserName(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, readWrite)

	if err := f.svc.Create(ctx, &model.Credential{UserName: "ro\x01ot", Password: "root", IdentityRef: 2}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	rel, _ := f.relational.FindByIdentityRef(ctx, 2)
	doc, _ := f.document.FindByIdentityRef(ctx, 2)
	if rel == nil || doc == nil || rel.UserName != "root" || doc.UserName != "root" {
		t.Fatalf("relational = %+v, document = %+v, want userName root in both", rel, doc)
	}

	ok, err := f.svc.Login(ctx, "ro\x01ot", "root")
	if err != nil || !ok {
		t.Errorf("Login() = (%v, %v), want (true, nil)", ok, err)
	}
}
