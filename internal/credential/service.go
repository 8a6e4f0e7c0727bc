// Package credential はCredentialの永続化とログイン照合を両ストアにまたがって調停する。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/iamcore/internal/metrics"
	"github.com/hitoshi/iamcore/internal/mode"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/repository"
)

const entityName = "credential"

var (
	errPasswordRequired = errors.New("password is required")
	errEmptyUserName    = errors.New("userName is required")
)

// IdentityFinder はCredentialが参照するIdentityの存在確認に使用する。
type IdentityFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Identity, error)
}

// Stores はCredentialの2つのストアアダプターと、参照先Identityの検索先。
type Stores struct {
	Relational repository.CredentialRepository
	Document   repository.CredentialRepository
	// Identities は作成時の参照整合性チェックに使用する（リレーショナルストア）。
	Identities IdentityFinder
}

// Service はCredentialのコーディネーター。
type Service struct {
	stores  Stores
	hasher  Hasher
	mode    *mode.Controller
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(stores Stores, hasher Hasher, ctrl *mode.Controller, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stores:  stores,
		hasher:  hasher,
		mode:    ctrl,
		metrics: collector,
		logger:  logger,
	}
}

// Create はCredentialを作成する。
// 参照先Identityの存在、Identityごとに1件、ユーザー名の一意性を検証してから、
// 平文パスワードをハッシュ化し、所有IdentityのUIDを複製して両ストアに書き込む。
func (s *Service) Create(ctx context.Context, credential *model.Credential) error {
	if err := s.checkWritable("create", credential); err != nil {
		return err
	}
	credential.Normalize()
	if credential.UserName == "" {
		return model.NewDataError(model.KindCreation, *credential, errEmptyUserName)
	}

	var owner *model.Identity
	err := metrics.Observe(s.metrics, metrics.StoreRelational, "identity", "lookup", func() error {
		var err error
		owner, err = s.stores.Identities.FindByID(ctx, credential.IdentityRef)
		return err
	})
	if err != nil {
		return model.NewDataError(model.KindCreation, *credential, err)
	}
	if owner == nil {
		s.logger.Warn("credential references unknown identity", slog.Int64("identity_ref", credential.IdentityRef))
		return model.NewDataError(model.KindReferenceNotFound, *credential, nil)
	}

	existing, err := s.findByIdentityRef(ctx, credential.IdentityRef)
	if err != nil {
		return model.NewDataError(model.KindCreation, *credential, err)
	}
	if existing != nil {
		s.logger.Warn("identity already has a credential", slog.Int64("identity_ref", credential.IdentityRef))
		return model.NewDataError(model.KindDuplicate, *credential, nil)
	}

	taken, err := s.UsernameExists(ctx, credential)
	if err != nil {
		return model.NewDataError(model.KindCreation, *credential, err)
	}
	if taken {
		s.logger.Warn("user name already exists", slog.String("user_name", credential.UserName))
		return model.NewDataError(model.KindDuplicate, *credential, nil)
	}

	if err := s.applyPassword(credential); err != nil {
		return model.NewDataError(model.KindCreation, *credential, err)
	}
	if credential.PasswordHash == "" {
		return model.NewDataError(model.KindCreation, *credential, errPasswordRequired)
	}
	credential.UID = owner.UID

	err = metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "create", func() error {
		return s.stores.Relational.Create(ctx, credential)
	})
	if errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("credential conflicts with an existing one", slog.String("user_name", credential.UserName))
		return model.NewDataError(model.KindDuplicate, *credential, err)
	}
	if err != nil {
		s.logger.Error("failed to create credential", slog.String("user_name", credential.UserName), slog.String("error", err.Error()))
		return model.NewDataError(model.KindCreation, *credential, err)
	}

	if err := s.mirror("create", credential, func() error {
		return s.stores.Document.Create(ctx, credential)
	}); err != nil {
		return model.NewDataError(model.KindCreation, *credential, err)
	}

	s.logger.Info("credential created",
		slog.String("user_name", credential.UserName),
		slog.Int64("identity_ref", credential.IdentityRef),
	)
	return nil
}

// Search は基準ストアから条件に一致するCredentialを返す。
func (s *Service) Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error) {
	repo, store := s.reader()

	var credentials []*model.Credential
	err := metrics.Observe(s.metrics, store, entityName, "search", func() error {
		var err error
		credentials, err = repo.Search(ctx, criteria)
		return err
	})
	if err != nil {
		s.logger.Error("failed to search credentials", slog.String("store", store), slog.String("error", err.Error()))
		return nil, model.NewDataError(model.KindSearch, criteria, err)
	}
	return credentials, nil
}

// Update はfromで特定したCredentialをtoの内容で更新する。
// IdentityRefは変更できない。to.Passwordが空の場合は既存のハッシュを維持する。
func (s *Service) Update(ctx context.Context, from, to *model.Credential) error {
	if err := s.checkWritable("update", to); err != nil {
		return err
	}
	to.Normalize()
	if from.IdentityRef != to.IdentityRef {
		s.logger.Warn("credential identity reference cannot be changed",
			slog.Int64("from_identity_ref", from.IdentityRef),
			slog.Int64("to_identity_ref", to.IdentityRef),
		)
		return model.NewDataError(model.KindImmutableField, *to, nil)
	}
	if to.UserName == "" {
		return model.NewDataError(model.KindUpdate, *to, errEmptyUserName)
	}

	taken, err := s.UsernameExists(ctx, to)
	if err != nil {
		return model.NewDataError(model.KindUpdate, *to, err)
	}
	if taken {
		s.logger.Warn("user name already exists", slog.String("user_name", to.UserName))
		return model.NewDataError(model.KindDuplicate, *to, nil)
	}

	current, err := s.findByIdentityRef(ctx, from.IdentityRef)
	if err != nil {
		return model.NewDataError(model.KindUpdate, *to, err)
	}
	if current == nil {
		return model.NewDataError(model.KindUpdate, *to, repository.ErrNotFound)
	}

	to.PasswordHash = ""
	if err := s.applyPassword(to); err != nil {
		return model.NewDataError(model.KindUpdate, *to, err)
	}
	to.UID = current.UID

	err = metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "update", func() error {
		return s.stores.Relational.Update(ctx, from, to)
	})
	if errors.Is(err, repository.ErrConflict) {
		return model.NewDataError(model.KindDuplicate, *to, err)
	}
	if err != nil {
		s.logger.Error("failed to update credential", slog.Int64("identity_ref", from.IdentityRef), slog.String("error", err.Error()))
		return model.NewDataError(model.KindUpdate, *to, err)
	}

	if err := s.mirror("update", to, func() error {
		return s.stores.Document.Update(ctx, from, to)
	}); err != nil {
		return model.NewDataError(model.KindUpdate, *to, err)
	}

	s.logger.Info("credential updated",
		slog.Int64("identity_ref", from.IdentityRef),
		slog.Bool("password_changed", to.PasswordHash != ""),
	)
	return nil
}

// Delete はCredentialを両ストアから削除する。存在しない場合もエラーにはしない。
func (s *Service) Delete(ctx context.Context, credential *model.Credential) error {
	if err := s.checkWritable("delete", credential); err != nil {
		return err
	}

	var deleted bool
	err := metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "delete", func() error {
		var err error
		deleted, err = s.stores.Relational.Delete(ctx, credential)
		return err
	})
	if err != nil {
		s.logger.Error("failed to delete credential", slog.String("user_name", credential.UserName), slog.String("error", err.Error()))
		return model.NewDataError(model.KindDelete, *credential, err)
	}
	if !deleted {
		s.logger.Warn("credential to delete was not found",
			slog.Int64("identity_ref", credential.IdentityRef),
			slog.String("uid", credential.UID),
			slog.String("store", metrics.StoreRelational),
		)
	}

	if err := s.mirror("delete", credential, func() error {
		_, err := s.stores.Document.Delete(ctx, credential)
		return err
	}); err != nil {
		return model.NewDataError(model.KindDelete, *credential, err)
	}

	if deleted {
		s.logger.Info("credential deleted", slog.Int64("identity_ref", credential.IdentityRef))
	}
	return nil
}

// Login はユーザー名とパスワードを基準ストアのCredentialと照合する。
// いずれかが空の場合はストアにアクセスせずfalseを返す。
// ユーザー名に一致するCredentialがちょうど1件で、パスワードが一致する場合のみtrueを返す。
func (s *Service) Login(ctx context.Context, userName, password string) (bool, error) {
	userName = model.StripControl(userName)
	if userName == "" || password == "" {
		s.metrics.RecordLogin(false)
		return false, nil
	}

	repo, store := s.reader()
	var matches []*model.Credential
	err := metrics.Observe(s.metrics, store, entityName, "login", func() error {
		var err error
		matches, err = repo.FindByUserName(ctx, userName)
		return err
	})
	if err != nil {
		s.metrics.RecordLogin(false)
		s.logger.Error("failed to look up credential for login", slog.String("user_name", userName), slog.String("error", err.Error()))
		return false, model.NewDataError(model.KindSearch, model.Credential{UserName: userName}, err)
	}

	authenticated := len(matches) == 1 && s.hasher.Verify(matches[0].PasswordHash, password)
	s.metrics.RecordLogin(authenticated)
	if !authenticated {
		s.logger.Warn("login failed", slog.String("user_name", userName), slog.Int("matches", len(matches)))
		return false, nil
	}

	s.logger.Info("login succeeded", slog.String("user_name", userName))
	return true, nil
}

// CheckOldPassword はcandidate.PasswordがIdentityRefで特定した現在のCredentialのパスワードと一致するかを返す。
// candidate.Passwordが空の場合はfalseを返す。
func (s *Service) CheckOldPassword(ctx context.Context, candidate *model.Credential) (bool, error) {
	if candidate.Password == "" {
		return false, nil
	}

	current, err := s.findByIdentityRef(ctx, candidate.IdentityRef)
	if err != nil {
		return false, model.NewDataError(model.KindSearch, *candidate, err)
	}
	if current == nil {
		return false, nil
	}
	return s.hasher.Verify(current.PasswordHash, candidate.Password), nil
}

// UsernameExists は別のIdentityに紐づくCredentialが同じユーザー名を使用しているかを返す。
// 同じIdentityRefのCredential（自分自身）は対象外。
func (s *Service) UsernameExists(ctx context.Context, candidate *model.Credential) (bool, error) {
	repo, store := s.reader()

	var matches []*model.Credential
	err := metrics.Observe(s.metrics, store, entityName, "lookup", func() error {
		var err error
		matches, err = repo.FindByUserName(ctx, candidate.UserName)
		return err
	})
	if err != nil {
		return false, model.NewDataError(model.KindSearch, *candidate, err)
	}
	for _, c := range matches {
		if c.IdentityRef != candidate.IdentityRef {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) findByIdentityRef(ctx context.Context, identityRef int64) (*model.Credential, error) {
	repo, store := s.reader()

	var credential *model.Credential
	err := metrics.Observe(s.metrics, store, entityName, "lookup", func() error {
		var err error
		credential, err = repo.FindByIdentityRef(ctx, identityRef)
		return err
	})
	return credential, err
}

// applyPassword はPasswordが指定されていればハッシュ化してPasswordHashに設定し、平文を消去する。
func (s *Service) applyPassword(credential *model.Credential) error {
	if credential.Password == "" {
		return nil
	}
	hash, err := s.hasher.Hash(credential.Password)
	if err != nil {
		return err
	}
	credential.PasswordHash = hash
	credential.Password = ""
	return nil
}

// checkWritable は読み取り専用モードの場合にReadOnlyエラーを返す。
func (s *Service) checkWritable(operation string, credential *model.Credential) error {
	if !s.mode.IsReadOnly() {
		return nil
	}
	s.logger.Warn("rejected credential mutation in read-only mode",
		slog.String("operation", operation),
		slog.String("user_name", credential.UserName),
	)
	return model.NewDataError(model.KindReadOnly, *credential, nil)
}

// reader は読み取りに使用するストアとその名前を返す。
func (s *Service) reader() (repository.CredentialRepository, string) {
	if s.mode.PrimaryReadSource() == mode.SourceDocument {
		return s.stores.Document, metrics.StoreDocument
	}
	return s.stores.Relational, metrics.StoreRelational
}

// mirror はリレーショナルストアへの書き込み成功後にドキュメントストアへ書き込む。
func (s *Service) mirror(operation string, credential *model.Credential, fn func() error) error {
	if !s.mode.DocumentWritable() {
		s.logger.Warn("document store unavailable, skipping mirror write",
			slog.String("operation", operation),
			slog.String("user_name", credential.UserName),
		)
		return nil
	}

	err := metrics.Observe(s.metrics, metrics.StoreDocument, entityName, operation, fn)
	if err != nil {
		s.metrics.RecordDivergence(entityName)
		s.logger.Error("stores diverged: relational write succeeded but document write failed",
			slog.String("entity", entityName),
			slog.String("operation", operation),
			slog.String("user_name", credential.UserName),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("document store write failed after relational write: %w", err)
	}
	return nil
}
