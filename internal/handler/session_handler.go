package handler

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/examgate/internal/model"
	"github.com/hitoshi/examgate/internal/repository"
	"github.com/hitoshi/examgate/internal/session"
)

// SessionServiceInterface はセッションハンドラーが必要とするサービスインターフェース。
type SessionServiceInterface interface {
	// Create は候補者とアセスメントの組み合わせに対するセッションを作成する。
	Create(ctx context.Context, in session.CreateInput) (*model.CandidateSession, error)
	// Get はIDでセッションを取得する。
	Get(ctx context.Context, id string) (*model.CandidateSession, error)
	// List はフィルタ条件に一致するセッション一覧を返す。
	List(ctx context.Context, filter repository.SessionFilter) ([]*model.CandidateSession, error)
	// Answers はセッションの回答一覧を返す。
	Answers(ctx context.Context, sessionID string) ([]*model.CandidateAnswer, error)
	// RecordAnswer は回答を記録する。同一設問への再回答は上書きになる。
	RecordAnswer(ctx context.Context, sessionID string, in session.AnswerInput) (*model.CandidateAnswer, error)
	// AddViolation は違反を追記する。
	AddViolation(ctx context.Context, sessionID string, in session.ViolationInput) error
	// UpdateBehavior はセッション行動情報をUPSERTする。
	UpdateBehavior(ctx context.Context, sessionID string, in session.BehaviorInput) error
	// UpdateDeviceInfo はデバイス情報をUPSERTする。
	UpdateDeviceInfo(ctx context.Context, sessionID string, in session.DeviceInfoInput) error
	// UpdateScreenRecording は画面録画メタデータをUPSERTする。
	UpdateScreenRecording(ctx context.Context, sessionID string, in session.ScreenRecordingInput) error
	// AddTracking は設問別トラッキングを追記する。
	AddTracking(ctx context.Context, sessionID string, rows []session.TrackingInput) error
	// Submit はセッションを原子的に確定し、信頼スコアを算出する。
	Submit(ctx context.Context, sessionID string, in session.SubmitInput) (*session.SubmitResult, error)
	// TrustScore は算出済みの信頼スコアを返す。
	TrustScore(ctx context.Context, sessionID string) (*model.TrustScore, error)
}

// SessionHandler は候補者セッションのHTTPハンドラー。
type SessionHandler struct {
	service SessionServiceInterface
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionServiceInterface) *SessionHandler {
	return &SessionHandler{
		service: service,
	}
}

// sessionResponse はセッション情報のAPIレスポンス。
type sessionResponse struct {
	ID             string     `json:"id"`
	CandidateEmail string     `json:"candidateEmail"`
	CandidateName  string     `json:"candidateName"`
	CandidatePhone string     `json:"candidatePhone,omitempty"`
	AssessmentID   string     `json:"assessmentId"`
	Status         string     `json:"status"`
	StartTime      *time.Time `json:"startTime,omitempty"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// answerResponse は回答のAPIレスポンス。
type answerResponse struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	QuestionID  string    `json:"questionId"`
	Response    string    `json:"response"`
	TimeSpent   int       `json:"timeSpent"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// trustScoreResponse は信頼スコアのAPIレスポンス。
type trustScoreResponse struct {
	VerificationScore int                `json:"verificationScore"`
	RiskFactors       []model.RiskFactor `json:"riskFactors"`
	TrustLevel        string             `json:"trustLevel"`
}

// createSessionRequest はセッション作成リクエストのボディ。
type createSessionRequest struct {
	CandidateEmail string `json:"candidateEmail"`
	CandidateName  string `json:"candidateName"`
	CandidatePhone string `json:"candidatePhone,omitempty"`
	AssessmentID   string `json:"assessmentId"`
}

// answerRequest は回答記録リクエストのボディ。
type answerRequest struct {
	QuestionID string `json:"questionId"`
	Response   string `json:"response"`
	TimeSpent  int    `json:"timeSpent"`
}

// violationRequest は違反記録リクエストのボディ。
type violationRequest struct {
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	OccurredAt *time.Time `json:"occurredAt,omitempty"`
	Details    string     `json:"details,omitempty"`
}

// behaviorRequest はセッション行動情報リクエストのボディ。
type behaviorRequest struct {
	FocusLossCount    int `json:"focusLossCount"`
	TabSwitchCount    int `json:"tabSwitchCount"`
	CopyPasteAttempts int `json:"copyPasteAttempts"`
	MouseLeaveCount   int `json:"mouseLeaveCount"`
	TotalIdleSeconds  int `json:"totalIdleSeconds"`
}

// deviceInfoRequest はデバイス情報リクエストのボディ。
type deviceInfoRequest struct {
	Browser          string `json:"browser"`
	BrowserVersion   string `json:"browserVersion"`
	OS               string `json:"os"`
	ScreenResolution string `json:"screenResolution"`
	Timezone         string `json:"timezone"`
	Language         string `json:"language"`
	CookiesEnabled   bool   `json:"cookiesEnabled"`
}

// screenRecordingRequest は画面録画メタデータリクエストのボディ。
type screenRecordingRequest struct {
	RecordingURL    string `json:"recordingUrl"`
	ChunkCount      int    `json:"chunkCount"`
	DurationSeconds int    `json:"durationSeconds"`
}

// trackingRequest は設問別トラッキング1行分のボディ。
type trackingRequest struct {
	QuestionID     string `json:"questionId"`
	TimeSpent      int    `json:"timeSpent"`
	FocusLossCount int    `json:"focusLossCount"`
	CopyPasteCount int    `json:"copyPasteCount"`
	AnswerChanges  int    `json:"answerChanges"`
}

// submitRequest は提出リクエストのボディ。
// 全テレメトリを回答と同一トランザクションで確定する。
type submitRequest struct {
	Answers         []answerRequest    `json:"answers"`
	Violations      []violationRequest `json:"violations,omitempty"`
	DeviceInfo      *deviceInfoRequest `json:"deviceInfo,omitempty"`
	SessionBehavior *behaviorRequest   `json:"sessionBehavior,omitempty"`
	TrackingData    []trackingRequest  `json:"trackingData,omitempty"`
}

// submitResponse は提出のAPIレスポンス。
// スコアリングに失敗した場合、verificationScoreとtrustLevelはnullになる。
type submitResponse struct {
	Session           sessionResponse    `json:"session"`
	VerificationScore *int               `json:"verificationScore"`
	RiskFactors       []model.RiskFactor `json:"riskFactors,omitempty"`
	TrustLevel        *model.TrustLevel  `json:"trustLevel"`
}

// CreateSession はセッションを作成する。認証不要。
// POST /api/sessions
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	sess, err := h.service.Create(r.Context(), session.CreateInput{
		CandidateEmail: req.CandidateEmail,
		CandidateName:  req.CandidateName,
		CandidatePhone: req.CandidatePhone,
		AssessmentID:   req.AssessmentID,
		IPAddress:      clientIP(r),
		UserAgent:      r.UserAgent(),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toSessionResponse(sess))
}

// GetSession はIDでセッションを取得する。
// GET /api/sessions/{id}
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, toSessionResponse(sess))
}

// ListSessions はフィルタ条件に一致するセッション一覧を取得する。
// GET /api/sessions?candidateEmail=&assessmentId=&status=&limit=
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	filter := repository.SessionFilter{
		CandidateEmail: r.URL.Query().Get("candidateEmail"),
		AssessmentID:   r.URL.Query().Get("assessmentId"),
		Status:         model.SessionStatus(r.URL.Query().Get("status")),
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

	sessions, err := h.service.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, toSessionResponse(sess))
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// ListAnswers はセッションの回答一覧を取得する。
// GET /api/sessions/{id}/answers
func (h *SessionHandler) ListAnswers(w http.ResponseWriter, r *http.Request) {
	answers, err := h.service.Answers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]answerResponse, 0, len(answers))
	for _, ans := range answers {
		resp = append(resp, toAnswerResponse(ans))
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

// RecordAnswer は回答を記録する。同一設問への再回答は上書きになる。認証不要。
// POST /api/sessions/{id}/answers
func (h *SessionHandler) RecordAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	ans, err := h.service.RecordAnswer(r.Context(), chi.URLParam(r, "id"), session.AnswerInput{
		QuestionID: req.QuestionID,
		Response:   req.Response,
		TimeSpent:  req.TimeSpent,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, toAnswerResponse(ans))
}

// AddViolation は違反を追記する。認証不要。
// POST /api/sessions/{id}/violations
func (h *SessionHandler) AddViolation(w http.ResponseWriter, r *http.Request) {
	var req violationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	err := h.service.AddViolation(r.Context(), chi.URLParam(r, "id"), session.ViolationInput{
		Type:       req.Type,
		Severity:   model.ViolationSeverity(req.Severity),
		OccurredAt: req.OccurredAt,
		Details:    req.Details,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateBehavior はセッション行動情報を更新する。認証不要。
// PATCH /api/sessions/{id}/behavior
func (h *SessionHandler) UpdateBehavior(w http.ResponseWriter, r *http.Request) {
	var req behaviorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	err := h.service.UpdateBehavior(r.Context(), chi.URLParam(r, "id"), session.BehaviorInput{
		FocusLossCount:    req.FocusLossCount,
		TabSwitchCount:    req.TabSwitchCount,
		CopyPasteAttempts: req.CopyPasteAttempts,
		MouseLeaveCount:   req.MouseLeaveCount,
		TotalIdleSeconds:  req.TotalIdleSeconds,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateDeviceInfo はデバイス情報を更新する。認証不要。
// PATCH /api/sessions/{id}/device-info
func (h *SessionHandler) UpdateDeviceInfo(w http.ResponseWriter, r *http.Request) {
	var req deviceInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	err := h.service.UpdateDeviceInfo(r.Context(), chi.URLParam(r, "id"), session.DeviceInfoInput{
		Browser:          req.Browser,
		BrowserVersion:   req.BrowserVersion,
		OS:               req.OS,
		ScreenResolution: req.ScreenResolution,
		Timezone:         req.Timezone,
		Language:         req.Language,
		CookiesEnabled:   req.CookiesEnabled,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateScreenRecording は画面録画メタデータを更新する。認証不要。
// PATCH /api/sessions/{id}/screen-recording
func (h *SessionHandler) UpdateScreenRecording(w http.ResponseWriter, r *http.Request) {
	var req screenRecordingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	err := h.service.UpdateScreenRecording(r.Context(), chi.URLParam(r, "id"), session.ScreenRecordingInput{
		RecordingURL:    req.RecordingURL,
		ChunkCount:      req.ChunkCount,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AddTracking は設問別トラッキングを追記する。認証不要。
// POST /api/sessions/{id}/tracking
func (h *SessionHandler) AddTracking(w http.ResponseWriter, r *http.Request) {
	var req []trackingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	rows := make([]session.TrackingInput, 0, len(req))
	for _, t := range req {
		rows = append(rows, toTrackingInput(t))
	}

	if err := h.service.AddTracking(r.Context(), chi.URLParam(r, "id"), rows); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SubmitSession はセッションを原子的に確定し、信頼スコアを返す。認証不要。
// POST /api/sessions/{id}/submit
func (h *SessionHandler) SubmitSession(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidBodyError())
		return
	}

	result, err := h.service.Submit(r.Context(), chi.URLParam(r, "id"), toSubmitInput(req))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, submitResponse{
		Session:           toSessionResponse(result.Session),
		VerificationScore: result.VerificationScore,
		RiskFactors:       result.RiskFactors,
		TrustLevel:        result.TrustLevel,
	})
}

// GetTrustScore は算出済みの信頼スコアを取得する。
// GET /api/sessions/{id}/trust-score
func (h *SessionHandler) GetTrustScore(w http.ResponseWriter, r *http.Request) {
	score, err := h.service.TrustScore(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	riskFactors := score.RiskFactors
	if riskFactors == nil {
		riskFactors = []model.RiskFactor{}
	}

	writeJSONResponse(w, http.StatusOK, trustScoreResponse{
		VerificationScore: score.VerificationScore,
		RiskFactors:       riskFactors,
		TrustLevel:        string(score.TrustLevel),
	})
}

// --- ヘルパー関数 ---

// toSessionResponse はmodel.CandidateSessionからAPIレスポンスに変換する。
// IPアドレスとUserAgentは内部記録のため、レスポンスには含めない。
func toSessionResponse(sess *model.CandidateSession) sessionResponse {
	return sessionResponse{
		ID:             sess.ID,
		CandidateEmail: sess.CandidateEmail,
		CandidateName:  sess.CandidateName,
		CandidatePhone: sess.CandidatePhone,
		AssessmentID:   sess.AssessmentID,
		Status:         string(sess.Status),
		StartTime:      sess.StartTime,
		EndTime:        sess.EndTime,
		CreatedAt:      sess.CreatedAt,
		UpdatedAt:      sess.UpdatedAt,
	}
}

// toAnswerResponse はmodel.CandidateAnswerからAPIレスポンスに変換する。
func toAnswerResponse(ans *model.CandidateAnswer) answerResponse {
	return answerResponse{
		ID:          ans.ID,
		SessionID:   ans.SessionID,
		QuestionID:  ans.QuestionID,
		Response:    ans.Response,
		TimeSpent:   ans.TimeSpent,
		SubmittedAt: ans.SubmittedAt,
	}
}

// toTrackingInput はトラッキングリクエストからサービス入力に変換する。
func toTrackingInput(t trackingRequest) session.TrackingInput {
	return session.TrackingInput{
		QuestionID:     t.QuestionID,
		TimeSpent:      t.TimeSpent,
		FocusLossCount: t.FocusLossCount,
		CopyPasteCount: t.CopyPasteCount,
		AnswerChanges:  t.AnswerChanges,
	}
}

// toSubmitInput は提出リクエストからサービス入力に変換する。
func toSubmitInput(req submitRequest) session.SubmitInput {
	in := session.SubmitInput{
		Answers:      make([]session.AnswerInput, 0, len(req.Answers)),
		Violations:   make([]session.ViolationInput, 0, len(req.Violations)),
		TrackingData: make([]session.TrackingInput, 0, len(req.TrackingData)),
	}
	for _, a := range req.Answers {
		in.Answers = append(in.Answers, session.AnswerInput{
			QuestionID: a.QuestionID,
			Response:   a.Response,
			TimeSpent:  a.TimeSpent,
		})
	}
	for _, v := range req.Violations {
		in.Violations = append(in.Violations, session.ViolationInput{
			Type:       v.Type,
			Severity:   model.ViolationSeverity(v.Severity),
			OccurredAt: v.OccurredAt,
			Details:    v.Details,
		})
	}
	for _, t := range req.TrackingData {
		in.TrackingData = append(in.TrackingData, toTrackingInput(t))
	}
	if req.DeviceInfo != nil {
		in.DeviceInfo = &session.DeviceInfoInput{
			Browser:          req.DeviceInfo.Browser,
			BrowserVersion:   req.DeviceInfo.BrowserVersion,
			OS:               req.DeviceInfo.OS,
			ScreenResolution: req.DeviceInfo.ScreenResolution,
			Timezone:         req.DeviceInfo.Timezone,
			Language:         req.DeviceInfo.Language,
			CookiesEnabled:   req.DeviceInfo.CookiesEnabled,
		}
	}
	if req.SessionBehavior != nil {
		in.SessionBehavior = &session.BehaviorInput{
			FocusLossCount:    req.SessionBehavior.FocusLossCount,
			TabSwitchCount:    req.SessionBehavior.TabSwitchCount,
			CopyPasteAttempts: req.SessionBehavior.CopyPasteAttempts,
			MouseLeaveCount:   req.SessionBehavior.MouseLeaveCount,
			TotalIdleSeconds:  req.SessionBehavior.TotalIdleSeconds,
		}
	}
	return in
}

// clientIP はX-Forwarded-Forまたは接続元アドレスからクライアントIPを取得する。
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// 先頭がオリジナルのクライアント
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
