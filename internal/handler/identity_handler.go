package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/security"
)

// IdentityServiceInterface はIdentityハンドラーが必要とするサービスインターフェース。
type IdentityServiceInterface interface {
	Create(ctx context.Context, identity *model.Identity) error
	Search(ctx context.Context, criteria model.IdentityCriteria) ([]*model.Identity, error)
	Update(ctx context.Context, from, to *model.Identity) error
	Delete(ctx context.Context, identity *model.Identity) error
	LookupByUID(ctx context.Context, uid string) (*model.Identity, error)
	ResolveID(ctx context.Context, uid string) (int64, error)
}

// IdentityHandler はIdentity管理のHTTPハンドラー。
type IdentityHandler struct {
	service   IdentityServiceInterface
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewIdentityHandler はIdentityHandlerを生成する。
func NewIdentityHandler(service IdentityServiceInterface, sanitizer security.TextSanitizer, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{service: service, sanitizer: sanitizer, logger: logger}
}

// identityRequest はIdentity作成・更新リクエストのボディ。
type identityRequest struct {
	DisplayName string `json:"displayName"`
	UID         string `json:"uid"`
	Email       string `json:"email"`
}

func (req identityRequest) toModel(s security.TextSanitizer) *model.Identity {
	identity := &model.Identity{DisplayName: req.DisplayName, UID: req.UID, Email: req.Email}
	security.SanitizeIdentity(s, identity)
	return identity
}

// Search は条件に一致するIdentityの一覧を返す。
// GET /api/identities?displayName=&uid=&email=
func (h *IdentityHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := model.IdentityCriteria{
		DisplayName: q.Get("displayName"),
		UID:         security.NormalizeKey(q.Get("uid")),
		Email:       q.Get("email"),
	}

	identities, err := h.service.Search(r.Context(), criteria)
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

// Create はIdentityを作成する。
// POST /api/identities
func (h *IdentityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identity := req.toModel(h.sanitizer)
	if identity.UID == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("uidは必須です"))
		return
	}

	if err := h.service.Create(r.Context(), identity); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

// Get はUIDでIdentityを取得する。
// GET /api/identities/{uid}
func (h *IdentityHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid := pathUID(r)

	identity, err := h.service.LookupByUID(r.Context(), uid)
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	if identity == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("Identity"))
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

// Update はIdentityを更新する。ボディのuidを省略した場合はパスのUIDを使用する。
// PUT /api/identities/{uid}
func (h *IdentityHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	from := &model.Identity{UID: pathUID(r)}
	to := req.toModel(h.sanitizer)
	if to.UID == "" {
		to.UID = from.UID
	}

	if err := h.service.Update(r.Context(), from, to); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, to)
}

// Delete はIdentityを削除する。存在しない場合も204を返す。
// DELETE /api/identities/{uid}
func (h *IdentityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity := &model.Identity{UID: pathUID(r)}

	if err := h.service.Delete(r.Context(), identity); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveID はUIDに対応する内部IDを返す。
// GET /api/identities/{uid}/id
func (h *IdentityHandler) ResolveID(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.ResolveID(r.Context(), pathUID(r))
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	if id == 0 {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError("Identity"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

// pathUID はパスのUIDをボディのuidと同じ規則で正規化して返す。
func pathUID(r *http.Request) string {
	return security.NormalizeKey(chi.URLParam(r, "uid"))
}
