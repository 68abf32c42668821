package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/coursehub/internal/model"
)

// InstructorHandler は講師向けのHTTPハンドラー。
// ロールの確認はルーターのRequireRolesで行う。
type InstructorHandler struct{}

// NewInstructorHandler はInstructorHandlerを生成する。
func NewInstructorHandler() *InstructorHandler {
	return &InstructorHandler{}
}

// Dashboard は講師ダッシュボードの基本情報を返す。
// GET /api/v1/instructor/dashboard
func (h *InstructorHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instructor": toIdentityResponse(id)})
}

// AdminServiceInterface は管理者ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	Reconcile(ctx context.Context, userID string) (*model.User, error)
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	service AdminServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(service AdminServiceInterface) *AdminHandler {
	return &AdminHandler{service: service}
}

// ReconcileUser は指定ユーザーのプロフィールをIdPから補完する。
// POST /api/v1/admin/users/{id}/reconcile
func (h *AdminHandler) ReconcileUser(w http.ResponseWriter, r *http.Request) {
	admin, ok := identityOrUnauthorized(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "id")

	user, err := h.service.Reconcile(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	slog.Info("profile reconciled by admin",
		slog.String("admin_id", admin.ID),
		slog.String("user_id", user.ID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"profile": toUserResponse(user)})
}
