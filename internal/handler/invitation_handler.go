// Package handler はHTTP APIのハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/examgate/internal/invitation"
	"github.com/hitoshi/examgate/internal/middleware"
	"github.com/hitoshi/examgate/internal/model"
	"github.com/hitoshi/examgate/internal/repository"
)

// InvitationServiceInterface は招待ハンドラーが必要とするサービスインターフェース。
type InvitationServiceInterface interface {
	// Create は単一の招待を作成し、作成イベントを発行する。
	Create(ctx context.Context, in invitation.CreateInput) (*model.Invitation, error)
	// CreateBulk は複数候補者への招待を部分成功で一括作成する。
	CreateBulk(ctx context.Context, in invitation.BulkInput) (*invitation.BulkResult, error)
	// ResolveByToken はトークンから招待を検証付きで解決する。
	ResolveByToken(ctx context.Context, token string) (*model.Invitation, error)
	// StartAttempt は受験開始を記録し、試行回数を加算する。
	StartAttempt(ctx context.Context, id string) (*model.Invitation, error)
	// Get はIDで招待を取得する。
	Get(ctx context.Context, id string) (*model.Invitation, error)
	// List はフィルタ条件に一致する招待一覧を返す。
	List(ctx context.Context, filter repository.InvitationFilter) ([]*model.Invitation, error)
	// Update は招待の管理項目を更新する。
	Update(ctx context.Context, id string, in invitation.UpdateInput) (*model.Invitation, error)
	// Resend はリマインダーを記録し、再送イベントを発行する。
	Resend(ctx context.Context, id string) (*model.Invitation, error)
	// Delete は招待を削除する。
	Delete(ctx context.Context, id string) error
}

// InvitationHandler は招待管理のHTTPハンドラー。
type InvitationHandler struct {
	service InvitationServiceInterface
}

// NewInvitationHandler はInvitationHandlerを生成する。
func NewInvitationHandler(service InvitationServiceInterface) *InvitationHandler {
	return &InvitationHandler{
		service: service,
	}
}

// invitationResponse は招待情報のAPIレスポンス。
type invitationResponse struct {
	ID                  string     `json:"id"`
	CandidateEmail      string     `json:"candidateEmail"`
	CandidateName       string     `json:"candidateName"`
	AssessmentIDs       []string   `json:"assessmentIds"`
	CompanyID           string     `json:"companyId"`
	InvitedBy           string     `json:"invitedBy"`
	InvitedByName       string     `json:"invitedByName"`
	Status              string     `json:"status"`
	EmailDeliveryStatus string     `json:"emailDeliveryStatus"`
	InvitationLink      string     `json:"invitationLink"`
	ExpiresAt           time.Time  `json:"expiresAt"`
	MaxAttempts         int        `json:"maxAttempts"`
	AttemptCount        int        `json:"attemptCount"`
	RemindersSent       int        `json:"remindersSent"`
	LastReminderSent    *time.Time `json:"lastReminderSent,omitempty"`
	OpenedAt            *time.Time `json:"openedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// createInvitationRequest は招待作成リクエストのボディ。
type createInvitationRequest struct {
	CandidateEmail string     `json:"candidateEmail"`
	CandidateName  string     `json:"candidateName"`
	AssessmentIDs  []string   `json:"assessmentIds"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	MaxAttempts    int        `json:"maxAttempts,omitempty"`
	CustomMessage  string     `json:"customMessage,omitempty"`
}

// bulkInvitationRequest は一括招待作成リクエストのボディ。
type bulkInvitationRequest struct {
	Candidates []struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"candidates"`
	AssessmentIDs []string   `json:"assessmentIds"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	MaxAttempts   int        `json:"maxAttempts,omitempty"`
	CustomMessage string     `json:"customMessage,omitempty"`
}

// bulkInvitationResponse は一括招待作成のAPIレスポンス。
type bulkInvitationResponse struct {
	Successful  int                    `json:"successful"`
	Failed      int                    `json:"failed"`
	Invitations []invitationResponse   `json:"invitations"`
	Errors      []invitation.BulkError `json:"errors"`
	Total       int                    `json:"total"`
}

// updateInvitationRequest は招待更新リクエストのボディ。未指定の項目は変更しない。
type updateInvitationRequest struct {
	Status              *string    `json:"status,omitempty"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	MaxAttempts         *int       `json:"maxAttempts,omitempty"`
	EmailDeliveryStatus *string    `json:"emailDeliveryStatus,omitempty"`
}

// CreateInvitation は単一の招待を作成する。
// POST /api/invitations
func (h *InvitationHandler) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req createInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	inv, err := h.service.Create(r.Context(), invitation.CreateInput{
		CandidateEmail: req.CandidateEmail,
		CandidateName:  req.CandidateName,
		AssessmentIDs:  req.AssessmentIDs,
		CompanyID:      actor.CompanyID,
		InvitedBy:      actor.ID,
		InvitedByName:  actor.Name,
		ExpiresAt:      req.ExpiresAt,
		MaxAttempts:    req.MaxAttempts,
		CustomMessage:  req.CustomMessage,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toInvitationResponse(inv))
}

// CreateBulkInvitations は複数候補者への招待を一括作成する。
// 一部の候補者が失敗しても成功分は作成される（部分成功）。
// POST /api/invitations/bulk
func (h *InvitationHandler) CreateBulkInvitations(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	var req bulkInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	candidates := make([]invitation.BulkCandidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		candidates = append(candidates, invitation.BulkCandidate{
			Email: c.Email,
			Name:  c.Name,
		})
	}

	result, err := h.service.CreateBulk(r.Context(), invitation.BulkInput{
		Candidates:    candidates,
		AssessmentIDs: req.AssessmentIDs,
		CompanyID:     actor.CompanyID,
		InvitedBy:     actor.ID,
		InvitedByName: actor.Name,
		ExpiresAt:     req.ExpiresAt,
		MaxAttempts:   req.MaxAttempts,
		CustomMessage: req.CustomMessage,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := bulkInvitationResponse{
		Successful:  result.Successful,
		Failed:      result.Failed,
		Invitations: make([]invitationResponse, 0, len(result.Invitations)),
		Errors:      result.Errors,
		Total:       result.Total,
	}
	if resp.Errors == nil {
		resp.Errors = []invitation.BulkError{}
	}
	for _, inv := range result.Invitations {
		resp.Invitations = append(resp.Invitations, toInvitationResponse(inv))
	}

	writeJSONResponse(w, http.StatusCreated, resp)
}

// ListInvitations はフィルタ条件に一致する招待一覧を取得する。
// GET /api/invitations?status=&search=&limit=
func (h *InvitationHandler) ListInvitations(w http.ResponseWriter, r *http.Request) {
	actor, err := middleware.ActorFromContext(r.Context())
	if err != nil {
		writeUnauthorizedResponse(w)
		return
	}

	filter := repository.InvitationFilter{
		CompanyID: actor.CompanyID,
		Status:    model.InvitationStatus(r.URL.Query().Get("status")),
		Search:    r.URL.Query().Get("search"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     model.ErrCodeInvalidRequest,
				Message:  "limitは1以上の整数で指定してください。",
				Category: "validation",
				Action:   "クエリパラメータを確認してください。",
			})
			return
		}
		filter.Limit = limit
	}

	invs, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]invitationResponse, 0, len(invs))
	for _, inv := range invs {
		resp = append(resp, toInvitationResponse(inv))
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// GetInvitation はIDで招待を取得する。
// GET /api/invitations/{id}
func (h *InvitationHandler) GetInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toInvitationResponse(inv))
}

// UpdateInvitation は招待の管理項目を更新する。
// PATCH /api/invitations/{id}
func (h *InvitationHandler) UpdateInvitation(w http.ResponseWriter, r *http.Request) {
	var req updateInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	in := invitation.UpdateInput{
		ExpiresAt:   req.ExpiresAt,
		MaxAttempts: req.MaxAttempts,
	}
	if req.Status != nil {
		status := model.InvitationStatus(*req.Status)
		in.Status = &status
	}
	if req.EmailDeliveryStatus != nil {
		delivery := model.EmailDeliveryStatus(*req.EmailDeliveryStatus)
		in.EmailDeliveryStatus = &delivery
	}

	inv, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toInvitationResponse(inv))
}

// ResendInvitation は招待のリマインダーを再送する。
// POST /api/invitations/{id}/resend
func (h *InvitationHandler) ResendInvitation(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toInvitationResponse(inv))
}

// DeleteInvitation は招待を削除する。
// DELETE /api/invitations/{id}
func (h *InvitationHandler) DeleteInvitation(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResolveInvitationByToken は候補者の招待リンクからトークンを検証付きで解決する。
// 初回解決時はOPENEDへの遷移が記録される。認証不要。
// GET /api/invitations/token/{token}
func (h *InvitationHandler) ResolveInvitationByToken(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.ResolveByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toInvitationResponse(inv))
}

// StartInvitationAttempt は受験開始を記録し、試行回数を加算する。認証不要。
// POST /api/invitations/{id}/start
func (h *InvitationHandler) StartInvitationAttempt(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.StartAttempt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toInvitationResponse(inv))
}

// --- ヘルパー関数 ---

// toInvitationResponse はmodel.InvitationからAPIレスポンスに変換する。
// 招待トークンはリンクに埋め込まれているため、レスポンスには含めない。
func toInvitationResponse(inv *model.Invitation) invitationResponse {
	assessmentIDs := inv.AssessmentIDs
	if assessmentIDs == nil {
		assessmentIDs = []string{}
	}
	return invitationResponse{
		ID:                  inv.ID,
		CandidateEmail:      inv.CandidateEmail,
		CandidateName:       inv.CandidateName,
		AssessmentIDs:       assessmentIDs,
		CompanyID:           inv.CompanyID,
		InvitedBy:           inv.InvitedBy,
		InvitedByName:       inv.InvitedByName,
		Status:              string(inv.Status),
		EmailDeliveryStatus: string(inv.EmailDeliveryStatus),
		InvitationLink:      inv.InvitationLink,
		ExpiresAt:           inv.ExpiresAt,
		MaxAttempts:         inv.MaxAttempts,
		AttemptCount:        inv.AttemptCount,
		RemindersSent:       inv.RemindersSent,
		LastReminderSent:    inv.LastReminderSent,
		OpenedAt:            inv.OpenedAt,
		CreatedAt:           inv.CreatedAt,
		UpdatedAt:           inv.UpdatedAt,
	}
}

// writeJSONResponse はJSONレスポンスを書き込む。
func writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSONResponse(w, statusCode, middleware.ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeUnauthorizedResponse は401レスポンスを書き込む。
func writeUnauthorizedResponse(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     "UNAUTHORIZED",
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "有効なトークンでリクエストしてください。",
	})
}

// invalidBodyError はリクエストボディ解析失敗のAPIErrorを返す。
func invalidBodyError() *model.APIError {
	return &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeCompanyNotFound,
		model.ErrCodeAssessmentNotFound,
		model.ErrCodeInvitationNotFound,
		model.ErrCodeSessionNotFound,
		model.ErrCodeScoreNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateInvitation, model.ErrCodeDuplicateSession:
		return http.StatusConflict
	case model.ErrCodeInvitationExpired,
		model.ErrCodeInvitationCompleted,
		model.ErrCodeInvitationCancelled,
		model.ErrCodeMaxAttemptsReached,
		model.ErrCodeSessionCompleted,
		model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
