// Package identity はIdentityの永続化を両ストアにまたがって調停する。
package identity

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

const entityName = "identity"

var errEmptyUID = errors.New("uid is required")

// Stores はIdentityの2つのストアアダプター。
type Stores struct {
	Relational repository.IdentityRepository
	Document   repository.IdentityRepository
	// CredentialDocument はIdentity削除時にドキュメントストア上のCredentialを連動削除するために使用する。
	// リレーショナルストアでは外部キーのON DELETE CASCADEで削除される。nilの場合は連動削除しない。
	CredentialDocument repository.CredentialRepository
}

// Service はIdentityのコーディネーター。
// 更新系操作はリレーショナルストア、ドキュメントストアの順に書き込む。
// 2つのストアをまたぐトランザクションはなく、後段の書き込みが失敗してもロールバックしない。
type Service struct {
	stores  Stores
	mode    *mode.Controller
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(stores Stores, ctrl *mode.Controller, collector metrics.MetricsCollector, logger *slog.Logger) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		stores:  stores,
		mode:    ctrl,
		metrics: collector,
		logger:  logger,
	}
}

// Create はIdentityを作成する。
// 読み取り専用モード、またはUIDが既に存在する場合はどちらのストアにも書き込まない。
// 成功時、identity.IDにはリレーショナルストアが採番したIDが設定される。
func (s *Service) Create(ctx context.Context, identity *model.Identity) error {
	if err := s.checkWritable("create", identity); err != nil {
		return err
	}
	identity.Normalize()
	if identity.UID == "" {
		return model.NewDataError(model.KindCreation, *identity, errEmptyUID)
	}

	existing, err := s.LookupByUID(ctx, identity.UID)
	if err != nil {
		return model.NewDataError(model.KindCreation, *identity, err)
	}
	if existing != nil {
		s.logger.Warn("identity uid already exists", slog.String("uid", identity.UID))
		return model.NewDataError(model.KindDuplicate, *identity, nil)
	}

	err = metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "create", func() error {
		return s.stores.Relational.Create(ctx, identity)
	})
	if errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("identity uid already exists", slog.String("uid", identity.UID))
		return model.NewDataError(model.KindDuplicate, *identity, err)
	}
	if err != nil {
		s.logger.Error("failed to create identity", slog.String("uid", identity.UID), slog.String("error", err.Error()))
		return model.NewDataError(model.KindCreation, *identity, err)
	}

	if err := s.mirror("create", identity, func() error {
		return s.stores.Document.Create(ctx, identity)
	}); err != nil {
		return model.NewDataError(model.KindCreation, *identity, err)
	}

	s.logger.Info("identity created", slog.String("uid", identity.UID), slog.Int64("identity_id", identity.ID))
	return nil
}

// Search は基準ストアから条件に一致するIdentityを返す。
func (s *Service) Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error) {
	repo, store := s.reader()

	var identities []*model.Identity
	err := metrics.Observe(s.metrics, store, entityName, "search", func() error {
		var err error
		identities, err = repo.Search(ctx, criteria)
		return err
	})
	if err != nil {
		s.logger.Error("failed to search identities", slog.String("store", store), slog.String("error", err.Error()))
		return nil, model.NewDataError(model.KindSearch, criteria, err)
	}
	return identities, nil
}

// Update はfromで特定したIdentityをtoの内容で更新する。UIDは変更できない。
func (s *Service) Update(ctx context.Context, from, to *model.Identity) error {
	if err := s.checkWritable("update", to); err != nil {
		return err
	}
	from.Normalize()
	to.Normalize()
	if !from.SameUID(*to) {
		s.logger.Warn("identity uid cannot be changed",
			slog.String("from_uid", from.UID),
			slog.String("to_uid", to.UID),
		)
		return model.NewDataError(model.KindImmutableField, *to, nil)
	}

	err := metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "update", func() error {
		return s.stores.Relational.Update(ctx, from, to)
	})
	if err != nil {
		s.logger.Error("failed to update identity", slog.String("uid", from.UID), slog.String("error", err.Error()))
		return model.NewDataError(model.KindUpdate, *to, err)
	}

	if err := s.mirror("update", to, func() error {
		return s.stores.Document.Update(ctx, from, to)
	}); err != nil {
		return model.NewDataError(model.KindUpdate, *to, err)
	}

	s.logger.Info("identity updated", slog.String("uid", from.UID))
	return nil
}

// Delete はIdentityを両ストアから削除する。存在しない場合もエラーにはしない。
// ドキュメントストア上の紐づくCredentialも削除する。
func (s *Service) Delete(ctx context.Context, identity *model.Identity) error {
	if err := s.checkWritable("delete", identity); err != nil {
		return err
	}

	var deleted bool
	err := metrics.Observe(s.metrics, metrics.StoreRelational, entityName, "delete", func() error {
		var err error
		deleted, err = s.stores.Relational.Delete(ctx, identity)
		return err
	})
	if err != nil {
		s.logger.Error("failed to delete identity", slog.String("uid", identity.UID), slog.String("error", err.Error()))
		return model.NewDataError(model.KindDelete, *identity, err)
	}
	if !deleted {
		s.logger.Warn("identity to delete was not found", slog.String("uid", identity.UID), slog.String("store", metrics.StoreRelational))
	}

	if err := s.mirror("delete", identity, func() error {
		docDeleted, err := s.stores.Document.Delete(ctx, identity)
		if err == nil && !docDeleted {
			s.logger.Warn("identity to delete was not found", slog.String("uid", identity.UID), slog.String("store", metrics.StoreDocument))
		}
		return err
	}); err != nil {
		return model.NewDataError(model.KindDelete, *identity, err)
	}

	if s.stores.CredentialDocument != nil && s.mode.DocumentWritable() {
		err := metrics.Observe(s.metrics, metrics.StoreDocument, "credential", "delete", func() error {
			_, err := s.stores.CredentialDocument.DeleteByUID(ctx, identity.UID)
			return err
		})
		if err != nil {
			s.diverged("credential", "delete", identity.UID, err)
			return model.NewDataError(model.KindDelete, *identity, err)
		}
	}

	if deleted {
		s.logger.Info("identity deleted", slog.String("uid", identity.UID))
	}
	return nil
}

// LookupByUID は基準ストアからUIDでIdentityを1件取得する。
// 読み書き可能モードではリレーショナルストアを参照する。見つからない場合は(nil, nil)を返す。
func (s *Service) LookupByUID(ctx context.Context, uid string) (*model.Identity, error) {
	repo, store := s.reader()

	var identity *model.Identity
	err := metrics.Observe(s.metrics, store, entityName, "lookup", func() error {
		var err error
		identity, err = repo.FindByUID(ctx, uid)
		return err
	})
	if err != nil {
		return nil, model.NewDataError(model.KindSearch, model.Identity{UID: uid}, err)
	}
	return identity, nil
}

// ResolveID はUIDに対応する内部IDを返す。見つからない場合は0を返す。
func (s *Service) ResolveID(ctx context.Context, uid string) (int64, error) {
	identity, err := s.LookupByUID(ctx, uid)
	if err != nil {
		return 0, err
	}
	if identity == nil {
		return 0, nil
	}
	return identity.ID, nil
}

// checkWritable は読み取り専用モードの場合にReadOnlyエラーを返す。
func (s *Service) checkWritable(operation string, identity *model.Identity) error {
	if !s.mode.IsReadOnly() {
		return nil
	}
	s.logger.Warn("rejected identity mutation in read-only mode",
		slog.String("operation", operation),
		slog.String("uid", identity.UID),
	)
	return model.NewDataError(model.KindReadOnly, *identity, nil)
}

// reader は読み取りに使用するストアとその名前を返す。
func (s *Service) reader() (repository.IdentityRepository, string) {
	if s.mode.PrimaryReadSource() == mode.SourceDocument {
		return s.stores.Document, metrics.StoreDocument
	}
	return s.stores.Relational, metrics.StoreRelational
}

// mirror はリレーショナルストアへの書き込み成功後にドキュメントストアへ書き込む。
// ドキュメントストアが起動時に不健全だった場合は書き込まずに警告を記録する。
func (s *Service) mirror(operation string, identity *model.Identity, fn func() error) error {
	if !s.mode.DocumentWritable() {
		s.logger.Warn("document store unavailable, skipping mirror write",
			slog.String("operation", operation),
			slog.String("uid", identity.UID),
		)
		return nil
	}

	err := metrics.Observe(s.metrics, metrics.StoreDocument, entityName, operation, fn)
	if err != nil {
		s.diverged(entityName, operation, identity.UID, err)
		return fmt.Errorf("document store write failed after relational write: %w", err)
	}
	return nil
}

func (s *Service) diverged(entity, operation, uid string, err error) {
	s.metrics.RecordDivergence(entity)
	s.logger.Error("stores diverged: relational write succeeded but document write failed",
		slog.String("entity", entity),
		slog.String("operation", operation),
		slog.String("uid", uid),
		slog.String("error", err.Error()),
	)
}
