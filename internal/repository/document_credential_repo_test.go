package repository

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/iamcore/internal/model"
)

func newTestCredentialDocument(t *testing.T) *DocumentCredentialRepo {
	t.Helper()
	repo, err := OpenDocumentCredentialRepo(filepath.Join(t.TempDir(), "resources", "credentials.xml"))
	if err != nil {
		t.Fatalf("OpenDocumentCredentialRepo() error = %v", err)
	}
	return repo
}

func TestOpenDocumentCredentialRepo_CreatesMissingDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources", "credentials.xml")

	repo, err := OpenDocumentCredentialRepo(path)
	if err != nil {
		t.Fatalf("OpenDocumentCredentialRepo() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected document to be created: %v", err)
	}

	all, err := repo.Search(context.Background(), model.CredentialCriteria{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(all) != 0 {
		t.Errorf("new document holds %d credentials, want 0", len(all))
	}
}

func TestDocumentCredentialRepo_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)

	root := &model.Credential{UserName: "root", PasswordHash: "h1", IdentityRef: 2, UID: "ada1"}
	if err := repo.Create(ctx, root); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	byRef, err := repo.FindByIdentityRef(ctx, 2)
	if err != nil || byRef == nil {
		t.Fatalf("FindByIdentityRef() = (%v, %v)", byRef, err)
	}
	if byRef.UserName != "root" || byRef.PasswordHash != "h1" || byRef.UID != "ada1" {
		t.Errorf("FindByIdentityRef() = %+v", byRef)
	}

	byName, err := repo.FindByUserName(ctx, "root")
	if err != nil || len(byName) != 1 {
		t.Fatalf("FindByUserName() = (%v, %v)", byName, err)
	}
	byName, _ = repo.FindByUserName(ctx, "ROOT")
	if len(byName) != 0 {
		t.Error("expected FindByUserName to be case-sensitive")
	}
}

func TestDocumentCredentialRepo_Create_Conflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)
	_ = repo.Create(ctx, &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 2})

	tests := []struct {
		name string
		cred *model.Credential
	}{
		{"same user name", &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 3}},
		{"same identity", &model.Credential{UserName: "other", PasswordHash: "h", IdentityRef: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := repo.Create(ctx, tt.cred); !errors.Is(err, ErrConflict) {
				t.Errorf("Create() error = %v, want ErrConflict", err)
			}
		})
	}
}

func TestDocumentCredentialRepo_Update_KeepsHashWhenEmpty(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)
	_ = repo.Create(ctx, &model.Credential{UserName: "root", PasswordHash: "h1", IdentityRef: 2})

	err := repo.Update(ctx,
		&model.Credential{IdentityRef: 2},
		&model.Credential{UserName: "admin", IdentityRef: 2},
	)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, _ := repo.FindByIdentityRef(ctx, 2)
	if got.UserName != "admin" || got.PasswordHash != "h1" {
		t.Errorf("after Update() = %+v", got)
	}

	err = repo.Update(ctx,
		&model.Credential{IdentityRef: 2},
		&model.Credential{UserName: "admin", PasswordHash: "h2", IdentityRef: 2},
	)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, _ = repo.FindByIdentityRef(ctx, 2)
	if got.PasswordHash != "h2" {
		t.Errorf("PasswordHash = %q, want h2", got.PasswordHash)
	}
}

func TestDocumentCredentialRepo_Update_UserNameConflict(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)
	_ = repo.Create(ctx, &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 2})
	_ = repo.Create(ctx, &model.Credential{UserName: "guest", PasswordHash: "h", IdentityRef: 3})

	err := repo.Update(ctx,
		&model.Credential{IdentityRef: 3},
		&model.Credential{UserName: "root", IdentityRef: 3},
	)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Update() error = %v, want ErrConflict", err)
	}
}

func TestDocumentCredentialRepo_DeleteVariants(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)
	_ = repo.Create(ctx, &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 2, UID: "ADA1"})
	_ = repo.Create(ctx, &model.Credential{UserName: "guest", PasswordHash: "h", IdentityRef: 3, UID: "GUEST"})

	deleted, err := repo.Delete(ctx, &model.Credential{IdentityRef: 2})
	if err != nil || !deleted {
		t.Errorf("Delete() by identityRef = (%v, %v)", deleted, err)
	}

	deleted, err = repo.DeleteByUID(ctx, "guest")
	if err != nil || !deleted {
		t.Errorf("DeleteByUID() = (%v, %v)", deleted, err)
	}

	deleted, err = repo.Delete(ctx, &model.Credential{UID: "NOPE"})
	if err != nil || deleted {
		t.Errorf("Delete() of missing = (%v, %v), want (false, nil)", deleted, err)
	}
}

func TestDocumentCredentialRepo_Search(t *testing.T) {
	ctx := context.Background()
	repo := newTestCredentialDocument(t)
	_ = repo.Create(ctx, &model.Credential{UserName: "root", PasswordHash: "h", IdentityRef: 2})
	_ = repo.Create(ctx, &model.Credential{UserName: "rooster", PasswordHash: "h", IdentityRef: 3})

	got, err := repo.Search(ctx, model.CredentialCriteria{UserName: "roo"})
	if err != nil || len(got) != 2 {
		t.Errorf("Search(roo) = (%d, %v), want 2", len(got), err)
	}
	got, _ = repo.Search(ctx, model.CredentialCriteria{UserName: "roo", IdentityRef: 3})
	if len(got) != 1 || got[0].UserName != "rooster" {
		t.Errorf("Search(roo, 3) = %+v", got)
	}
}

func TestDocumentCredentialRepo_Check(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	missing := NewDocumentCredentialRepo(filepath.Join(dir, "resources", "credentials.xml"))
	if err := missing.Check(ctx); err != nil {
		t.Fatalf("Check() on missing document error = %v, want it to be created", err)
	}

	malformedPath := filepath.Join(dir, "broken.xml")
	if err := os.WriteFile(malformedPath, []byte("this is not xml"), 0o644); err != nil {
		t.Fatalf("failed to write document: %v", err)
	}
	if err := NewDocumentCredentialRepo(malformedPath).Check(ctx); err == nil {
		t.Error("Check() on malformed document error = nil, want parse error")
	}

	blocked := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocked, nil, 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := NewDocumentCredentialRepo(filepath.Join(blocked, "credentials.xml")).Check(ctx); err == nil {
		t.Error("Check() under a plain file error = nil, want error")
	}
}

func TestDocumentCredentialRepo_IDAttributeIsCredentialID(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "credentials.xml")
	repo, err := OpenDocumentCredentialRepo(path)
	if err != nil {
		t.Fatalf("OpenDocumentCredentialRepo() error = %v", err)
	}

	if err := repo.Create(ctx, &model.Credential{ID: 5, UserName: "root", PasswordHash: "h", IdentityRef: 2, UID: "ADA1"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read document: %v", err)
	}
	if !strings.Contains(string(data), `<credential id="5">`) {
		t.Errorf("document = %s, want the credential's own ID in the id attribute", data)
	}

	got, err := repo.FindByIdentityRef(ctx, 2)
	if err != nil || got == nil {
		t.Fatalf("FindByIdentityRef() = (%v, %v)", got, err)
	}
	if got.ID != 5 || got.IdentityRef != 2 {
		t.Errorf("ID = %d, IdentityRef = %d, want 5 and 2", got.ID, got.IdentityRef)
	}
}
