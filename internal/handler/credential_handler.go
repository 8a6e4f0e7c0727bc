package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/iamcore/internal/middleware"
	"github.com/hitoshi/iamcore/internal/model"
	"github.com/hitoshi/iamcore/internal/security"
)

// CredentialServiceInterface はCredentialハンドラーが必要とするサービスインターフェース。
type CredentialServiceInterface interface {
	Create(ctx context.Context, credential *model.Credential) error
	Search(ctx context.Context, criteria model.CredentialCriteria) ([]*model.Credential, error)
	Update(ctx context.Context, from, to *model.Credential) error
	Delete(ctx context.Context, credential *model.Credential) error
	CheckOldPassword(ctx context.Context, candidate *model.Credential) (bool, error)
	UsernameExists(ctx context.Context, candidate *model.Credential) (bool, error)
}

// IdentityResolver はUIDから内部IDを解決する。
type IdentityResolver interface {
	ResolveID(ctx context.Context, uid string) (int64, error)
}

// CredentialHandler はCredential管理のHTTPハンドラー。
type CredentialHandler struct {
	service  CredentialServiceInterface
	resolver IdentityResolver
	logger   *slog.Logger
}

// NewCredentialHandler はCredentialHandlerを生成する。
func NewCredentialHandler(service CredentialServiceInterface, resolver IdentityResolver, logger *slog.Logger) *CredentialHandler {
	return &CredentialHandler{service: service, resolver: resolver, logger: logger}
}

// createCredentialRequest はCredential作成リクエストのボディ。
// identityRefとuidのどちらかで所有Identityを指定する。
type createCredentialRequest struct {
	UserName    string `json:"userName"`
	Password    string `json:"password"`
	IdentityRef int64  `json:"identityRef"`
	UID         string `json:"uid"`
}

// updateCredentialRequest はCredential更新リクエストのボディ。
// passwordが空の場合は既存のパスワードを維持する。
// oldPasswordを指定した場合は現在のパスワードと照合してから更新する。
type updateCredentialRequest struct {
	UserName    string `json:"userName"`
	Password    string `json:"password"`
	OldPassword string `json:"oldPassword"`
}

type passwordCheckRequest struct {
	Password string `json:"password"`
}

// Search は条件に一致するCredentialの一覧を返す。パスワードハッシュは含まない。
// GET /api/credentials?userName=&identityRef=
func (h *CredentialHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := model.CredentialCriteria{UserName: security.NormalizeKey(q.Get("userName"))}
	if v := q.Get("identityRef"); v != "" {
		ref, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identityRefは整数で指定してください"))
			return
		}
		criteria.IdentityRef = ref
	}

	credentials, err := h.service.Search(r.Context(), criteria)
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, credentials)
}

// Create はCredentialを作成する。
// POST /api/credentials
func (h *CredentialHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	identityRef := req.IdentityRef
	uid := security.NormalizeKey(req.UID)
	if identityRef == 0 && uid != "" {
		ref, err := h.resolver.ResolveID(r.Context(), uid)
		if err != nil {
			handleServiceError(h.logger, w, err)
			return
		}
		if ref == 0 {
			handleServiceError(h.logger, w, model.NewDataError(model.KindReferenceNotFound, model.Identity{UID: uid}, nil))
			return
		}
		identityRef = ref
	}
	if identityRef == 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identityRefまたはuidは必須です"))
		return
	}

	credential := &model.Credential{UserName: req.UserName, Password: req.Password, IdentityRef: identityRef}
	security.SanitizeCredential(credential)

	if err := h.service.Create(r.Context(), credential); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credential)
}

// Update はCredentialを更新する。
// PUT /api/credentials/{identityRef}
func (h *CredentialHandler) Update(w http.ResponseWriter, r *http.Request) {
	identityRef, ok := parseIdentityRef(w, r)
	if !ok {
		return
	}

	var req updateCredentialRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.OldPassword != "" {
		matched, err := h.service.CheckOldPassword(r.Context(), &model.Credential{IdentityRef: identityRef, Password: req.OldPassword})
		if err != nil {
			handleServiceError(h.logger, w, err)
			return
		}
		if !matched {
			middleware.WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
				Code:     model.ErrCodeAuthFailed,
				Message:  "現在のパスワードが一致しません。",
				Category: "auth",
				Action:   "現在のパスワードを確認してください。",
			})
			return
		}
	}

	from := &model.Credential{IdentityRef: identityRef}
	to := &model.Credential{UserName: req.UserName, Password: req.Password, IdentityRef: identityRef}
	security.SanitizeCredential(to)

	if err := h.service.Update(r.Context(), from, to); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, to)
}

// Delete はCredentialを削除する。存在しない場合も204を返す。
// DELETE /api/credentials/{identityRef}
func (h *CredentialHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identityRef, ok := parseIdentityRef(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), &model.Credential{IdentityRef: identityRef}); err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UsernameExists は別のIdentityが同じユーザー名を使用しているかを返す。
// GET /api/credentials/exists?userName=&identityRef=
func (h *CredentialHandler) UsernameExists(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	candidate := &model.Credential{UserName: security.NormalizeKey(q.Get("userName"))}
	if candidate.UserName == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("userNameは必須です"))
		return
	}
	if v := q.Get("identityRef"); v != "" {
		ref, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identityRefは整数で指定してください"))
			return
		}
		candidate.IdentityRef = ref
	}

	exists, err := h.service.UsernameExists(r.Context(), candidate)
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// CheckPassword はパスワードが現在のCredentialのパスワードと一致するかを返す。
// POST /api/credentials/{identityRef}/password-check
func (h *CredentialHandler) CheckPassword(w http.ResponseWriter, r *http.Request) {
	identityRef, ok := parseIdentityRef(w, r)
	if !ok {
		return
	}

	var req passwordCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	matches, err := h.service.CheckOldPassword(r.Context(), &model.Credential{IdentityRef: identityRef, Password: req.Password})
	if err != nil {
		handleServiceError(h.logger, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"matches": matches})
}

// parseIdentityRef はパスパラメーターのidentityRefを解析する。
func parseIdentityRef(w http.ResponseWriter, r *http.Request) (int64, bool) {
	ref, err := strconv.ParseInt(chi.URLParam(r, "identityRef"), 10, 64)
	if err != nil || ref <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("identityRefは正の整数で指定してください"))
		return 0, false
	}
	return ref, true
}
