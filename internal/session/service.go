// Package session は候補者セッションのドメインロジックを提供する。
// 受験中のテレメトリ収集、提出の原子的な確定、提出後の信頼スコア算出を担う。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/examgate/internal/metrics"
	"github.com/hitoshi/examgate/internal/model"
	"github.com/hitoshi/examgate/internal/repository"
	"github.com/hitoshi/examgate/internal/trust"
)

// CreateInput はセッション作成の入力。
type CreateInput struct {
	CandidateEmail string
	CandidateName  string
	CandidatePhone string
	AssessmentID   string
	IPAddress      string
	UserAgent      string
}

// AnswerInput は1設問分の回答入力。
type AnswerInput struct {
	QuestionID string
	Response   string
	TimeSpent  int
}

// ViolationInput は違反1件の入力。
type ViolationInput struct {
	Type       string
	Severity   model.ViolationSeverity
	OccurredAt *time.Time // nilの場合は受信時刻
	Details    string
}

// DeviceInfoInput はデバイス情報の入力。
type DeviceInfoInput struct {
	Browser          string
	BrowserVersion   string
	OS               string
	ScreenResolution string
	Timezone         string
	Language         string
	CookiesEnabled   bool
}

// BehaviorInput はセッション行動情報の入力。
type BehaviorInput struct {
	FocusLossCount    int
	TabSwitchCount    int
	CopyPasteAttempts int
	MouseLeaveCount   int
	TotalIdleSeconds  int
}

// ScreenRecordingInput は画面録画メタデータの入力。
type ScreenRecordingInput struct {
	RecordingURL    string
	ChunkCount      int
	DurationSeconds int
}

// TrackingInput は設問別トラッキング1行分の入力。
type TrackingInput struct {
	QuestionID     string
	TimeSpent      int
	FocusLossCount int
	CopyPasteCount int
	AnswerChanges  int
}

// SubmitInput は提出操作の入力。
type SubmitInput struct {
	Answers         []AnswerInput
	Violations      []ViolationInput
	DeviceInfo      *DeviceInfoInput
	SessionBehavior *BehaviorInput
	TrackingData    []TrackingInput
}

// SubmitResult は提出操作の結果。
// スコアリングに失敗した場合、VerificationScoreはnilになる（提出自体は成功）。
type SubmitResult struct {
	Session           *model.CandidateSession
	VerificationScore *int
	RiskFactors       []model.RiskFactor
	TrustLevel        *model.TrustLevel
}

// Service はセッション管理のサービス層。
type Service struct {
	sessionRepo   repository.SessionRepository
	telemetryRepo repository.TelemetryRepository
	dirRepo       repository.DirectoryRepository
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// collectorはnilを許容する（テスト用途）。
func NewService(
	sessionRepo repository.SessionRepository,
	telemetryRepo repository.TelemetryRepository,
	dirRepo repository.DirectoryRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		sessionRepo:   sessionRepo,
		telemetryRepo: telemetryRepo,
		dirRepo:       dirRepo,
		metrics:       collector,
		logger:        logger,
	}
}

// Create はセッションを作成する。
// 同一候補者・同一アセスメントのセッションが既に存在する場合はConflictを返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.CandidateSession, error) {
	if strings.TrimSpace(in.CandidateEmail) == "" {
		return nil, model.NewInvalidRequestError("候補者のメールアドレスが指定されていません")
	}
	if in.AssessmentID == "" {
		return nil, model.NewInvalidRequestError("アセスメントIDが指定されていません")
	}

	assessments, err := s.dirRepo.AssessmentsByIDs(ctx, []string{in.AssessmentID})
	if err != nil {
		return nil, fmt.Errorf("アセスメントの取得に失敗しました: %w", err)
	}
	if len(assessments) == 0 {
		return nil, model.NewAssessmentNotFoundError(in.AssessmentID)
	}

	existing, err := s.sessionRepo.FindByCandidateAndAssessment(ctx, in.CandidateEmail, in.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("既存セッションの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateSessionError()
	}

	now := time.Now()
	sess := &model.CandidateSession{
		ID:             uuid.NewString(),
		CandidateEmail: strings.TrimSpace(in.CandidateEmail),
		CandidateName:  strings.TrimSpace(in.CandidateName),
		CandidatePhone: in.CandidatePhone,
		AssessmentID:   in.AssessmentID,
		Status:         model.SessionStatusNotStarted,
		IPAddress:      in.IPAddress,
		UserAgent:      in.UserAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		// 並行リクエストで同じ候補者のセッションが先に作成された場合
		if repository.IsUniqueViolation(err) {
			return nil, model.NewDuplicateSessionError()
		}
		return nil, fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSessionCreated()
	}

	return sess, nil
}

// Get は指定IDのセッションを取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.CandidateSession, error) {
	sess, err := s.sessionRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionNotFoundError(id)
	}
	return sess, nil
}

// List は条件に一致するセッションの一覧を返す。
func (s *Service) List(ctx context.Context, filter repository.SessionFilter) ([]*model.CandidateSession, error) {
	sessions, err := s.sessionRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// Answers はセッションの回答を作成順で返す。
func (s *Service) Answers(ctx context.Context, sessionID string) ([]*model.CandidateAnswer, error) {
	if _, err := s.requireWritable(ctx, sessionID, true); err != nil {
		return nil, err
	}
	answers, err := s.sessionRepo.ListAnswers(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("回答一覧の取得に失敗しました: %w", err)
	}
	return answers, nil
}

// RecordAnswer は1設問分の回答を保存する。
// 同一設問への再回答は上書きされる。初回の書き込みでセッションを
// IN_PROGRESSに遷移させ、startTimeを記録する。
func (s *Service) RecordAnswer(ctx context.Context, sessionID string, in AnswerInput) (*model.CandidateAnswer, error) {
	if in.QuestionID == "" {
		return nil, model.NewInvalidRequestError("設問IDが指定されていません")
	}

	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}

	if err := s.markInProgress(ctx, sess); err != nil {
		return nil, err
	}

	now := time.Now()
	answer := &model.CandidateAnswer{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		QuestionID:  in.QuestionID,
		Response:    in.Response,
		TimeSpent:   in.TimeSpent,
		SubmittedAt: now,
		CreatedAt:   now,
	}

	if err := s.sessionRepo.CreateAnswer(ctx, answer); err != nil {
		return nil, fmt.Errorf("回答の保存に失敗しました: %w", err)
	}

	return answer, nil
}

// AddViolation は違反を1件追記する。
func (s *Service) AddViolation(ctx context.Context, sessionID string, in ViolationInput) error {
	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := s.markInProgress(ctx, sess); err != nil {
		return err
	}

	now := time.Now()
	occurredAt := now
	if in.OccurredAt != nil {
		occurredAt = *in.OccurredAt
	}

	v := &model.AntiCheatViolation{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Type:       in.Type,
		Severity:   in.Severity,
		OccurredAt: occurredAt,
		Details:    in.Details,
		CreatedAt:  now,
	}

	if err := s.telemetryRepo.AddViolation(ctx, v); err != nil {
		return fmt.Errorf("違反の保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateBehavior はセッション行動情報をUPSERTする。
func (s *Service) UpdateBehavior(ctx context.Context, sessionID string, in BehaviorInput) error {
	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := s.markInProgress(ctx, sess); err != nil {
		return err
	}

	b := &model.SessionBehavior{
		SessionID:         sessionID,
		FocusLossCount:    in.FocusLossCount,
		TabSwitchCount:    in.TabSwitchCount,
		CopyPasteAttempts: in.CopyPasteAttempts,
		MouseLeaveCount:   in.MouseLeaveCount,
		TotalIdleSeconds:  in.TotalIdleSeconds,
	}

	if err := s.telemetryRepo.UpsertBehavior(ctx, b); err != nil {
		return fmt.Errorf("行動情報の保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateDeviceInfo はデバイス情報をUPSERTする。
func (s *Service) UpdateDeviceInfo(ctx context.Context, sessionID string, in DeviceInfoInput) error {
	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := s.markInProgress(ctx, sess); err != nil {
		return err
	}

	d := &model.DeviceInfo{
		SessionID:        sessionID,
		Browser:          in.Browser,
		BrowserVersion:   in.BrowserVersion,
		OS:               in.OS,
		ScreenResolution: in.ScreenResolution,
		Timezone:         in.Timezone,
		Language:         in.Language,
		CookiesEnabled:   in.CookiesEnabled,
	}

	if err := s.telemetryRepo.UpsertDeviceInfo(ctx, d); err != nil {
		return fmt.Errorf("デバイス情報の保存に失敗しました: %w", err)
	}
	return nil
}

// UpdateScreenRecording は画面録画メタデータをUPSERTする。
func (s *Service) UpdateScreenRecording(ctx context.Context, sessionID string, in ScreenRecordingInput) error {
	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := s.markInProgress(ctx, sess); err != nil {
		return err
	}

	rec := &model.ScreenRecordingData{
		SessionID:       sessionID,
		RecordingURL:    in.RecordingURL,
		ChunkCount:      in.ChunkCount,
		DurationSeconds: in.DurationSeconds,
	}

	if err := s.telemetryRepo.UpsertScreenRecording(ctx, rec); err != nil {
		return fmt.Errorf("画面録画メタデータの保存に失敗しました: %w", err)
	}
	return nil
}

// AddTracking は設問別トラッキング行を追記する。
func (s *Service) AddTracking(ctx context.Context, sessionID string, rows []TrackingInput) error {
	sess, err := s.requireWritable(ctx, sessionID, false)
	if err != nil {
		return err
	}
	if err := s.markInProgress(ctx, sess); err != nil {
		return err
	}

	tracking := buildTrackingRows(sessionID, rows, time.Now())
	if err := s.telemetryRepo.AddTracking(ctx, tracking); err != nil {
		return fmt.Errorf("トラッキングデータの保存に失敗しました: %w", err)
	}
	return nil
}

// Submit は提出を確定する。
// 回答・違反・デバイス情報・行動情報・トラッキングの全書き込みと
// COMPLETEDへの遷移を単一トランザクションで行う。いずれかが失敗した場合は
// 全体がロールバックされ、セッションは提出前の状態に留まる。
// コミット後に信頼スコアを算出する。スコアリングの失敗はログに記録され、
// 結果のVerificationScoreがnilになるだけで、確定済みの提出には影響しない。
func (s *Service) Submit(ctx context.Context, sessionID string, in SubmitInput) (*SubmitResult, error) {
	sess, err := s.requireWritable(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionStatusCompleted {
		return nil, model.NewSessionCompletedError()
	}

	now := time.Now()
	submission := s.buildSubmission(sessionID, in, now)

	if err := s.sessionRepo.Submit(ctx, sessionID, submission, now); err != nil {
		if errors.Is(err, repository.ErrAlreadySubmitted) {
			return nil, model.NewSessionCompletedError()
		}
		return nil, fmt.Errorf("提出の保存に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordSessionSubmitted()
	}

	sess.Status = model.SessionStatusCompleted
	sess.EndTime = &now
	sess.UpdatedAt = now

	result := &SubmitResult{Session: sess}

	// スコアリングは提出トランザクションのコミット後に行う。
	// 失敗してもリトライせず、verificationScoreをnullのまま返す。
	score, err := s.computeTrustScore(ctx, sessionID)
	if err != nil {
		s.logger.Error("信頼スコアの算出に失敗しました",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return result, nil
	}

	result.VerificationScore = &score.VerificationScore
	result.RiskFactors = score.RiskFactors
	result.TrustLevel = &score.TrustLevel

	return result, nil
}

// TrustScore は提出済みセッションの信頼スコアを返す。
// スコアリングが未実施の場合はNotFound系のエラーを返す。
func (s *Service) TrustScore(ctx context.Context, sessionID string) (*model.TrustScore, error) {
	if _, err := s.requireWritable(ctx, sessionID, true); err != nil {
		return nil, err
	}

	behavior, err := s.telemetryRepo.FindBehavior(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("行動情報の取得に失敗しました: %w", err)
	}
	if behavior == nil || behavior.VerificationScore == nil || behavior.TrustLevel == nil {
		return nil, model.NewScoreNotFoundError(sessionID)
	}

	return &model.TrustScore{
		VerificationScore: *behavior.VerificationScore,
		RiskFactors:       behavior.RiskFactors,
		TrustLevel:        *behavior.TrustLevel,
	}, nil
}

// SweepStale は放置されたセッションを終端状態へ一括遷移させる。
// 最終更新からstaleAfter以上経過したIN_PROGRESSのセッションをABANDONEDへ、
// 開始されないまま放置されたNOT_STARTEDのセッションをEXPIREDへ遷移させる。
func (s *Service) SweepStale(ctx context.Context, staleAfter time.Duration) (abandoned, expired int64, err error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	abandoned, expired, err = s.sessionRepo.SweepStale(ctx, cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("放置セッションのスイープに失敗しました: %w", err)
	}

	return abandoned, expired, nil
}

// computeTrustScore は永続化済みの全テレメトリを読み出してスコアを算出し、
// 結果をsession_behaviors行へ書き込む。
func (s *Service) computeTrustScore(ctx context.Context, sessionID string) (*model.TrustScore, error) {
	violationRows, err := s.telemetryRepo.ListViolations(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	deviceInfo, err := s.telemetryRepo.FindDeviceInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	behavior, err := s.telemetryRepo.FindBehavior(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	trackingRows, err := s.telemetryRepo.ListTracking(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	violations := make([]model.AntiCheatViolation, len(violationRows))
	for i, v := range violationRows {
		violations[i] = *v
	}
	tracking := make([]model.QuestionTracking, len(trackingRows))
	for i, tr := range trackingRows {
		tracking[i] = *tr
	}

	score := trust.Score(violations, deviceInfo, behavior, tracking)

	if err := s.telemetryRepo.SaveTrustScore(ctx, sessionID, score); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordTrustScore(score.VerificationScore)
	}

	return &score, nil
}

// buildSubmission は提出入力を永続化用のSubmissionに組み立てる。
func (s *Service) buildSubmission(sessionID string, in SubmitInput, now time.Time) *repository.Submission {
	sub := &repository.Submission{}

	for _, a := range in.Answers {
		sub.Answers = append(sub.Answers, &model.CandidateAnswer{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			QuestionID:  a.QuestionID,
			Response:    a.Response,
			TimeSpent:   a.TimeSpent,
			SubmittedAt: now,
			CreatedAt:   now,
		})
	}

	for _, v := range in.Violations {
		occurredAt := now
		if v.OccurredAt != nil {
			occurredAt = *v.OccurredAt
		}
		sub.Violations = append(sub.Violations, &model.AntiCheatViolation{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Type:       v.Type,
			Severity:   v.Severity,
			OccurredAt: occurredAt,
			Details:    v.Details,
			CreatedAt:  now,
		})
	}

	if in.DeviceInfo != nil {
		sub.DeviceInfo = &model.DeviceInfo{
			SessionID:        sessionID,
			Browser:          in.DeviceInfo.Browser,
			BrowserVersion:   in.DeviceInfo.BrowserVersion,
			OS:               in.DeviceInfo.OS,
			ScreenResolution: in.DeviceInfo.ScreenResolution,
			Timezone:         in.DeviceInfo.Timezone,
			Language:         in.DeviceInfo.Language,
			CookiesEnabled:   in.DeviceInfo.CookiesEnabled,
		}
	}

	if in.SessionBehavior != nil {
		sub.SessionBehavior = &model.SessionBehavior{
			SessionID:         sessionID,
			FocusLossCount:    in.SessionBehavior.FocusLossCount,
			TabSwitchCount:    in.SessionBehavior.TabSwitchCount,
			CopyPasteAttempts: in.SessionBehavior.CopyPasteAttempts,
			MouseLeaveCount:   in.SessionBehavior.MouseLeaveCount,
			TotalIdleSeconds:  in.SessionBehavior.TotalIdleSeconds,
		}
	}

	sub.TrackingData = buildTrackingRows(sessionID, in.TrackingData, now)

	return sub
}

// buildTrackingRows はトラッキング入力を永続化用の行に変換する。
func buildTrackingRows(sessionID string, rows []TrackingInput, now time.Time) []*model.QuestionTracking {
	var tracking []*model.QuestionTracking
	for _, tr := range rows {
		tracking = append(tracking, &model.QuestionTracking{
			ID:             uuid.NewString(),
			SessionID:      sessionID,
			QuestionID:     tr.QuestionID,
			TimeSpent:      tr.TimeSpent,
			FocusLossCount: tr.FocusLossCount,
			CopyPasteCount: tr.CopyPasteCount,
			AnswerChanges:  tr.AnswerChanges,
			CreatedAt:      now,
		})
	}
	return tracking
}

// requireWritable はセッションの存在を検証して返す。
// allowCompletedがfalseの場合、提出済みセッションへの書き込みを拒否する。
func (s *Service) requireWritable(ctx context.Context, sessionID string, allowCompleted bool) (*model.CandidateSession, error) {
	sess, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}
	if sess == nil {
		return nil, model.NewSessionNotFoundError(sessionID)
	}
	if !allowCompleted && sess.Status == model.SessionStatusCompleted {
		return nil, model.NewSessionCompletedError()
	}
	return sess, nil
}

// markInProgress はNOT_STARTEDのセッションをIN_PROGRESSに遷移させる。
// startTimeは永続化層が初回遷移時のみ記録する。
func (s *Service) markInProgress(ctx context.Context, sess *model.CandidateSession) error {
	if sess.Status != model.SessionStatusNotStarted {
		return nil
	}
	if err := s.sessionRepo.UpdateStatus(ctx, sess.ID, model.SessionStatusInProgress); err != nil {
		return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	sess.Status = model.SessionStatusInProgress
	return nil
}
