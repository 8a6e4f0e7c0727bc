package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/iamcore/internal/mode"
	"github.com/hitoshi/iamcore/internal/model"
)

type mockIdentityService struct {
	createFn      func(ctx context.Context, identity *model.Identity) error
	searchFn      func(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error)
	updateFn      func(ctx context.Context, from, to *model.Identity) error
	deleteFn      func(ctx context.Context, identity *model.Identity) error
	lookupByUIDFn func(ctx context.Context, uid string) (*model.Identity, error)
	resolveIDFn   func(ctx context.Context, uid string) (int64, error)
}

func (m *mockIdentityService) Create(ctx context.Context, identity *model.Identity) error {
	if m.createFn != nil {
		return m.createFn(ctx, identity)
	}
	return nil
}

func (m *mockIdentityService) Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, criteria)
	}
	return []*model.Identity{}, nil
}

func (m *mockIdentityService) Update(ctx context.Context, from, to *model.Identity) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, from, to)
	}
	return nil
}

func (m *mockIdentityService) Delete(ctx context.Context, identity *model.Identity) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, identity)
	}
	return nil
}

func (m *mockIdentityService) LookupByUID(ctx context.Context, uid string) (*model.Identity, error) {
	if m.lookupByUIDFn != nil {
		return m.lookupByUIDFn(ctx, uid)
	}
	return nil, nil
}

func (m *mockIdentityService) ResolveID(ctx context.Context, uid string) (int64, error) {
	if m.resolveIDFn != nil {
		return m.resolveIDFn(ctx, uid)
	}
	return 0, nil
}

type mockCredentialService struct {
	createFn           func(ctx context.Context, credential *model.Credential) error
	searchFn           func(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error)
	updateFn           func(ctx context.Context, from, to *model.Credential) error
	deleteFn           func(ctx context.Context, credential *model.Credential) error
	checkOldPasswordFn func(ctx context.Context, candidate *model.Credential) (bool, error)
	usernameExistsFn   func(ctx context.Context, candidate *model.Credential) (bool, error)
	loginFn            func(ctx context.Context, userName, password string) (bool, error)
}

func (m *mockCredentialService) Create(ctx context.Context, credential *model.Credential) error {
	if m.createFn != nil {
		return m.createFn(ctx, credential)
	}
	return nil
}

func (m *mockCredentialService) Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
	if m.searchFn != nil {
		return m.searchFn(ctx, criteria)
	}
	return []*model.Credential{}, nil
}

func (m *mockCredentialService) Update(ctx context.Context, from, to *model.Credential) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, from, to)
	}
	return nil
}

func (m *mockCredentialService) Delete(ctx context.Context, credential *model.Credential) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, credential)
	}
	return nil
}

func (m *mockCredentialService) CheckOldPassword(ctx context.Context, candidate *model.Credential) (bool, error) {
	if m.checkOldPasswordFn != nil {
		return m.checkOldPasswordFn(ctx, candidate)
	}
	return false, nil
}

func (m *mockCredentialService) UsernameExists(ctx context.Context, candidate *model.Credential) (bool, error) {
	if m.usernameExistsFn != nil {
		return m.usernameExistsFn(ctx, candidate)
	}
	return false, nil
}

func (m *mockCredentialService) Login(ctx context.Context, userName, password string) (bool, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, userName, password)
	}
	return false, nil
}

type stubMode struct {
	readOnly   bool
	relational bool
	document   bool
}

func (m stubMode) IsReadOnly() bool        { return m.readOnly }
func (m stubMode) RelationalHealthy() bool { return m.relational }
func (m stubMode) DocumentHealthy() bool   { return m.document }

func (m stubMode) PrimaryReadSource() mode.Source {
	if m.relational {
		return mode.SourceRelational
	}
	return mode.SourceDocument
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var readWrite = stubMode{relational: true, document: true}

// newTestRouter はモックを組み込んだルーターを生成する。
func newTestRouter(ids *mockIdentityService, creds *mockCredentialService, m stubMode) http.Handler {
	return NewRouter(&RouterDeps{
		Logger:            discardLogger(),
		Mode:              m,
		IdentityService:   ids,
		IdentityLookup:    ids,
		CredentialService: creds,
		LoginService:      creds,
	})
}
