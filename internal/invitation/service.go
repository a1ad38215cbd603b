// Package invitation は候補者招待のドメインロジックを提供する。
package invitation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/examgate/internal/metrics"
	"github.com/hitoshi/examgate/internal/model"
	"github.com/hitoshi/examgate/internal/notify"
	"github.com/hitoshi/examgate/internal/repository"
	"github.com/hitoshi/examgate/internal/security"
	"github.com/hitoshi/examgate/internal/token"
)

// デフォルト値。作成入力で明示されない場合に適用される。
const (
	DefaultExpiryDays  = 7
	DefaultMaxAttempts = 3
)

// deadlineFormat は通知ペイロードに載せる期限の表示形式。
const deadlineFormat = "Monday, January 2, 2006"

// CreateInput は招待作成の入力。
type CreateInput struct {
	CandidateEmail string
	CandidateName  string
	AssessmentIDs  []string
	CompanyID      string
	InvitedBy      string
	InvitedByName  string
	ExpiresAt      *time.Time // nilの場合はDefaultExpiryDays後
	MaxAttempts    int        // 0の場合はDefaultMaxAttempts
	CustomMessage  string
}

// BulkCandidate は一括作成の対象候補者。
type BulkCandidate struct {
	Email string
	Name  string
}

// BulkInput は招待一括作成の入力。
type BulkInput struct {
	Candidates    []BulkCandidate
	AssessmentIDs []string
	CompanyID     string
	InvitedBy     string
	InvitedByName string
	ExpiresAt     *time.Time
	MaxAttempts   int
	CustomMessage string
}

// BulkError は一括作成で失敗した1候補者分のエラー。
type BulkError struct {
	Email string `json:"email"`
	Error string `json:"error"`
}

// BulkResult は一括作成の結果サマリー。
// 一部の候補者が失敗しても残りの作成は継続される（部分成功が契約）。
type BulkResult struct {
	Successful  int
	Failed      int
	Invitations []*model.Invitation
	Errors      []BulkError
	Total       int
}

// UpdateInput は管理操作による招待更新の入力。nilのフィールドは変更しない。
type UpdateInput struct {
	Status              *model.InvitationStatus
	ExpiresAt           *time.Time
	MaxAttempts         *int
	EmailDeliveryStatus *model.EmailDeliveryStatus
}

// Service は招待管理のサービス層。
// 招待の作成・一括作成・トークン解決・再送・期限切れスイープの
// ビジネスロジックを提供する。
type Service struct {
	invRepo   repository.InvitationRepository
	dirRepo   repository.DirectoryRepository
	emitter   notify.Emitter
	sanitizer security.MessageSanitizerService
	metrics   metrics.MetricsCollector
	baseURL   string
}

// NewService はServiceの新しいインスタンスを生成する。
// emitter、sanitizer、collectorはnilを許容する（テスト用途）。
func NewService(
	invRepo repository.InvitationRepository,
	dirRepo repository.DirectoryRepository,
	emitter notify.Emitter,
	sanitizer security.MessageSanitizerService,
	collector metrics.MetricsCollector,
	baseURL string,
) *Service {
	return &Service{
		invRepo:   invRepo,
		dirRepo:   dirRepo,
		emitter:   emitter,
		sanitizer: sanitizer,
		metrics:   collector,
		baseURL:   baseURL,
	}
}

// Create は招待を1件作成する。
// 企業とアセスメントの存在を検証し、同一候補者にアセスメント集合が交差する
// 有効な招待が既に存在する場合はConflictを返す。
// 作成後にinvitation.createdイベントを発行する（発行失敗は作成を巻き戻さない）。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Invitation, error) {
	if err := validateCreateInput(in.CandidateEmail, in.AssessmentIDs, in.CompanyID); err != nil {
		return nil, err
	}

	company, assessments, err := s.resolveDirectory(ctx, in.CompanyID, in.AssessmentIDs)
	if err != nil {
		return nil, err
	}

	inv, err := s.createOne(ctx, in, company)
	if err != nil {
		return nil, err
	}

	s.emitInvitationEvent(notify.EventInvitationCreated, inv, company, assessments, in.CustomMessage)

	return inv, nil
}

// CreateBulk は複数候補者への招待を作成する。
// 1候補者の失敗（重複・一意制約違反）はエラーリストに収集され、
// 残りの候補者の作成は中断されない。
func (s *Service) CreateBulk(ctx context.Context, in BulkInput) (*BulkResult, error) {
	if len(in.Candidates) == 0 {
		return nil, model.NewInvalidRequestError("候補者が指定されていません")
	}
	if len(in.AssessmentIDs) == 0 {
		return nil, model.NewInvalidRequestError("アセスメントが指定されていません")
	}
	if in.CompanyID == "" {
		return nil, model.NewInvalidRequestError("企業IDが指定されていません")
	}

	// 企業とアセスメントは全候補者で共通のため1回だけ検証する
	company, assessments, err := s.resolveDirectory(ctx, in.CompanyID, in.AssessmentIDs)
	if err != nil {
		return nil, err
	}

	result := &BulkResult{Total: len(in.Candidates)}

	for _, cand := range in.Candidates {
		createIn := CreateInput{
			CandidateEmail: cand.Email,
			CandidateName:  cand.Name,
			AssessmentIDs:  in.AssessmentIDs,
			CompanyID:      in.CompanyID,
			InvitedBy:      in.InvitedBy,
			InvitedByName:  in.InvitedByName,
			ExpiresAt:      in.ExpiresAt,
			MaxAttempts:    in.MaxAttempts,
			CustomMessage:  in.CustomMessage,
		}

		if err := validateCreateInput(cand.Email, in.AssessmentIDs, in.CompanyID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkError{Email: cand.Email, Error: err.Error()})
			continue
		}

		inv, err := s.createOne(ctx, createIn, company)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BulkError{Email: cand.Email, Error: err.Error()})
			continue
		}

		result.Successful++
		result.Invitations = append(result.Invitations, inv)

		s.emitInvitationEvent(notify.EventInvitationCreated, inv, company, assessments, in.CustomMessage)
	}

	return result, nil
}

// createOne は検証済みの入力から1件の招待を作成する。
// 重複チェック、トークン生成、リンク組み立て、永続化を行う。
func (s *Service) createOne(ctx context.Context, in CreateInput, company *model.Company) (*model.Invitation, error) {
	existing, err := s.invRepo.FindActiveOverlap(ctx, in.CandidateEmail, in.CompanyID, in.AssessmentIDs)
	if err != nil {
		return nil, fmt.Errorf("既存招待の検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateInvitationError(in.CandidateEmail)
	}

	invToken, err := token.NewInvitationToken()
	if err != nil {
		return nil, fmt.Errorf("招待トークンの生成に失敗しました: %w", err)
	}

	now := time.Now()

	expiresAt := now.AddDate(0, 0, DefaultExpiryDays)
	if in.ExpiresAt != nil {
		expiresAt = *in.ExpiresAt
	}

	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	inv := &model.Invitation{
		ID:                  uuid.NewString(),
		CandidateEmail:      strings.TrimSpace(in.CandidateEmail),
		CandidateName:       strings.TrimSpace(in.CandidateName),
		AssessmentIDs:       in.AssessmentIDs,
		CompanyID:           in.CompanyID,
		InvitedBy:           in.InvitedBy,
		InvitedByName:       in.InvitedByName,
		Status:              model.InvitationStatusSent,
		EmailDeliveryStatus: model.EmailDeliveryPending,
		InvitationToken:     invToken,
		InvitationLink:      token.InvitationLink(s.baseURL, token.CompanySlug(company.Name), invToken),
		ExpiresAt:           expiresAt,
		MaxAttempts:         maxAttempts,
		AttemptCount:        0,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.invRepo.Create(ctx, inv); err != nil {
		// 並行リクエストで同じ候補者への招待が先に作成された場合
		if repository.IsUniqueViolation(err) {
			return nil, model.NewDuplicateInvitationError(in.CandidateEmail)
		}
		return nil, fmt.Errorf("招待の作成に失敗しました: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordInvitationCreated()
	}

	return inv, nil
}

// ResolveByToken は招待トークンから招待を解決する。
// 検証順序: 未検出 → 期限切れ → 完了済み → キャンセル済み → 受験回数上限。
// 初回の解決時にSENT→OPENEDへ遷移しopenedAtを記録する（以降は冪等）。
func (s *Service) ResolveByToken(ctx context.Context, invToken string) (*model.Invitation, error) {
	inv, err := s.invRepo.FindByToken(ctx, invToken)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}

	now := time.Now()

	if inv.Status == model.InvitationStatusExpired || now.After(inv.ExpiresAt) {
		return nil, model.NewInvitationExpiredError()
	}
	if inv.Status == model.InvitationStatusCompleted {
		return nil, model.NewInvitationCompletedError()
	}
	if inv.Status == model.InvitationStatusCancelled {
		return nil, model.NewInvitationCancelledError()
	}
	if inv.AttemptCount >= inv.MaxAttempts {
		return nil, model.NewMaxAttemptsReachedError()
	}

	if inv.Status == model.InvitationStatusSent && inv.OpenedAt == nil {
		if err := s.invRepo.MarkOpened(ctx, inv.ID, now); err != nil {
			return nil, fmt.Errorf("開封記録の更新に失敗しました: %w", err)
		}
		inv.Status = model.InvitationStatusOpened
		inv.OpenedAt = &now
	}

	return inv, nil
}

// StartAttempt は受験開始を記録する。
// STARTEDへ遷移しattemptCountを加算する。上限到達済みの場合はエラーを返す。
func (s *Service) StartAttempt(ctx context.Context, id string) (*model.Invitation, error) {
	inv, err := s.invRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}

	started, err := s.invRepo.RecordAttemptStart(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("受験開始の記録に失敗しました: %w", err)
	}
	if !started {
		return nil, model.NewMaxAttemptsReachedError()
	}

	inv, err = s.invRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("招待の再取得に失敗しました: %w", err)
	}
	return inv, nil
}

// Get は指定IDの招待を取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.Invitation, error) {
	inv, err := s.invRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}
	return inv, nil
}

// List は条件に一致する招待の一覧を返す。
func (s *Service) List(ctx context.Context, filter repository.InvitationFilter) ([]*model.Invitation, error) {
	invs, err := s.invRepo.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("招待一覧の取得に失敗しました: %w", err)
	}
	return invs, nil
}

// Update は管理操作による招待の更新を行う。
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*model.Invitation, error) {
	inv, err := s.invRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}

	if in.Status != nil {
		inv.Status = *in.Status
	}
	if in.ExpiresAt != nil {
		inv.ExpiresAt = *in.ExpiresAt
	}
	if in.MaxAttempts != nil {
		if *in.MaxAttempts < 1 {
			return nil, model.NewInvalidRequestError("受験回数上限は1以上である必要があります")
		}
		inv.MaxAttempts = *in.MaxAttempts
	}
	if in.EmailDeliveryStatus != nil {
		inv.EmailDeliveryStatus = *in.EmailDeliveryStatus
	}
	inv.UpdatedAt = time.Now()

	if err := s.invRepo.Update(ctx, inv); err != nil {
		return nil, fmt.Errorf("招待の更新に失敗しました: %w", err)
	}

	return inv, nil
}

// Resend は招待の再送を行う。
// remindersSentを加算し、lastReminderSentを記録し、通知イベントを再発行する。
// 終端状態（COMPLETED / CANCELLED / EXPIRED）の招待は再送できない。
// 配信の失敗はemailDeliveryStatusに反映されるが、再送操作自体は失敗しない。
func (s *Service) Resend(ctx context.Context, id string) (*model.Invitation, error) {
	inv, err := s.invRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return nil, model.NewInvitationNotFoundError()
	}

	switch inv.Status {
	case model.InvitationStatusCompleted:
		return nil, model.NewInvitationCompletedError()
	case model.InvitationStatusCancelled:
		return nil, model.NewInvitationCancelledError()
	case model.InvitationStatusExpired:
		return nil, model.NewInvitationExpiredError()
	}

	now := time.Now()
	if err := s.invRepo.RecordReminder(ctx, id, now); err != nil {
		return nil, fmt.Errorf("再送記録の更新に失敗しました: %w", err)
	}
	inv.RemindersSent++
	inv.LastReminderSent = &now

	company, assessments, err := s.resolveDirectory(ctx, inv.CompanyID, inv.AssessmentIDs)
	if err != nil {
		return nil, err
	}

	s.emitInvitationEvent(notify.EventInvitationResend, inv, company, assessments, "")

	return inv, nil
}

// Delete は招待を削除する。関連付けはCASCADE削除される。
func (s *Service) Delete(ctx context.Context, id string) error {
	inv, err := s.invRepo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("招待の取得に失敗しました: %w", err)
	}
	if inv == nil {
		return model.NewInvitationNotFoundError()
	}

	if err := s.invRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("招待の削除に失敗しました: %w", err)
	}

	return nil
}

// ExpireSweep は期限切れの招待を一括でEXPIREDへ遷移させ、影響件数を返す。
// 既にEXPIREDの行は対象外のため、並行実行しても二重計上しない。
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	count, err := s.invRepo.ExpireDue(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("期限切れスイープの実行に失敗しました: %w", err)
	}

	if s.metrics != nil && count > 0 {
		s.metrics.RecordInvitationsExpired(int(count))
	}

	return count, nil
}

// resolveDirectory は企業とアセスメントの存在を検証し、取得結果を返す。
func (s *Service) resolveDirectory(ctx context.Context, companyID string, assessmentIDs []string) (*model.Company, []*model.Assessment, error) {
	company, err := s.dirRepo.CompanyByID(ctx, companyID)
	if err != nil {
		return nil, nil, fmt.Errorf("企業の取得に失敗しました: %w", err)
	}
	if company == nil {
		return nil, nil, model.NewCompanyNotFoundError(companyID)
	}

	assessments, err := s.dirRepo.AssessmentsByIDs(ctx, assessmentIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("アセスメントの取得に失敗しました: %w", err)
	}

	found := make(map[string]bool, len(assessments))
	for _, a := range assessments {
		found[a.ID] = true
	}
	for _, id := range assessmentIDs {
		if !found[id] {
			return nil, nil, model.NewAssessmentNotFoundError(id)
		}
	}

	return company, assessments, nil
}

// emitInvitationEvent は招待通知イベントを発行する。
// 発行は非ブロッキングで、失敗しても呼び出し元の操作には影響しない。
func (s *Service) emitInvitationEvent(
	name string,
	inv *model.Invitation,
	company *model.Company,
	assessments []*model.Assessment,
	customMessage string,
) {
	if s.emitter == nil {
		return
	}

	titles := make([]string, len(assessments))
	for i, a := range assessments {
		titles[i] = a.Title
	}

	if customMessage != "" && s.sanitizer != nil {
		customMessage = s.sanitizer.Sanitize(customMessage)
	}

	s.emitter.Emit(notify.Event{
		Name:             name,
		InvitationID:     inv.ID,
		To:               inv.CandidateEmail,
		CandidateName:    inv.CandidateName,
		CompanyName:      company.Name,
		InvitationLink:   inv.InvitationLink,
		AssessmentTitles: titles,
		Deadline:         inv.ExpiresAt.Format(deadlineFormat),
		MaxAttempts:      inv.MaxAttempts,
		CustomMessage:    customMessage,
	})
}

// validateCreateInput は招待作成入力の必須項目を検証する。
func validateCreateInput(candidateEmail string, assessmentIDs []string, companyID string) error {
	if strings.TrimSpace(candidateEmail) == "" {
		return model.NewInvalidRequestError("候補者のメールアドレスが指定されていません")
	}
	if !strings.Contains(candidateEmail, "@") {
		return model.NewInvalidRequestError(fmt.Sprintf("メールアドレスの形式が不正です: %s", candidateEmail))
	}
	if len(assessmentIDs) == 0 {
		return model.NewInvalidRequestError("アセスメントが指定されていません")
	}
	if companyID == "" {
		return model.NewInvalidRequestError("企業IDが指定されていません")
	}
	return nil
}
