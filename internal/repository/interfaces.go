// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/examgate/internal/model"
)

// InvitationFilter は招待一覧取得の絞り込み条件。
type InvitationFilter struct {
	CompanyID string
	Status    model.InvitationStatus
	Search    string // 候補者名またはメールアドレスの部分一致（大文字小文字を区別しない）
	Limit     int
}

// InvitationRepository は招待データの永続化インターフェース。
type InvitationRepository interface {
	// Create は招待とアセスメント関連付けを同一トランザクションで作成する。
	// トークンの一意制約違反はIsUniqueViolationで判別可能なエラーを返す。
	Create(ctx context.Context, inv *model.Invitation) error

	// FindByID は指定IDの招待を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Invitation, error)

	// FindByToken は招待トークンで招待を取得する。見つからない場合はnilを返す。
	FindByToken(ctx context.Context, token string) (*model.Invitation, error)

	// FindActiveOverlap は同一候補者・同一企業で、アセスメント集合が交差する
	// 有効（SENT/OPENED/STARTED かつ未期限切れ）な招待を検索する。
	// 見つからない場合はnilを返す。
	FindActiveOverlap(ctx context.Context, candidateEmail, companyID string, assessmentIDs []string) (*model.Invitation, error)

	// List は条件に一致する招待を作成日時の降順で返す。
	List(ctx context.Context, filter InvitationFilter) ([]*model.Invitation, error)

	// Update は管理操作による招待の更新を行う。
	// status、expiresAt、maxAttempts、emailDeliveryStatus、remindersSent、
	// lastReminderSentを更新する。
	Update(ctx context.Context, inv *model.Invitation) error

	// MarkOpened はSENT状態かつ未開封の招待をOPENEDに遷移させ、openedAtを記録する。
	// 条件を満たさない場合は何もしない（冪等）。
	MarkOpened(ctx context.Context, id string, openedAt time.Time) error

	// RecordAttemptStart は招待をSTARTEDに遷移させ、attemptCountを加算する。
	// attemptCountがmaxAttemptsに達している場合は加算せずfalseを返す。
	RecordAttemptStart(ctx context.Context, id string) (bool, error)

	// UpdateEmailDeliveryStatus はメール配信状態のみを更新する。
	UpdateEmailDeliveryStatus(ctx context.Context, id string, status model.EmailDeliveryStatus) error

	// RecordReminder はremindersSentを加算し、lastReminderSentを記録する。
	RecordReminder(ctx context.Context, id string, at time.Time) error

	// Delete は指定IDの招待を削除する。関連付けはCASCADE削除される。
	Delete(ctx context.Context, id string) error

	// ExpireDue はexpiresAtがnow以前で非終端状態の招待を全てEXPIREDにし、
	// 影響行数を返す。既にEXPIREDの行は対象外のため並行実行しても二重計上しない。
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// SessionFilter はセッション一覧取得の絞り込み条件。
type SessionFilter struct {
	CandidateEmail string
	AssessmentID   string
	Status         model.SessionStatus
	Limit          int
}

// Submission は提出操作の入力をひとまとめにした構造体。
// Submitが単一トランザクションで全要素を書き込む。
type Submission struct {
	Answers         []*model.CandidateAnswer
	Violations      []*model.AntiCheatViolation
	DeviceInfo      *model.DeviceInfo
	SessionBehavior *model.SessionBehavior
	TrackingData    []*model.QuestionTracking
}

// SessionRepository は候補者セッションの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	// (candidateEmail, assessmentId) の一意制約違反はIsUniqueViolationで判別可能。
	Create(ctx context.Context, s *model.CandidateSession) error

	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.CandidateSession, error)

	// FindByCandidateAndAssessment は候補者メールとアセスメントIDでセッションを
	// 検索する。見つからない場合はnilを返す。
	FindByCandidateAndAssessment(ctx context.Context, candidateEmail, assessmentID string) (*model.CandidateSession, error)

	// List は条件に一致するセッションを作成日時の降順で返す。
	List(ctx context.Context, filter SessionFilter) ([]*model.CandidateSession, error)

	// UpdateStatus はセッション状態を更新する。startTimeはIN_PROGRESS遷移時に記録する。
	UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error

	// SweepStale は最終更新がcutoffより古いセッションを終端状態へ遷移させる。
	// IN_PROGRESSはABANDONEDへ、NOT_STARTEDはEXPIREDへ更新し、
	// それぞれの影響件数を返す。
	SweepStale(ctx context.Context, cutoff time.Time) (abandoned, expired int64, err error)

	// Submit は提出の全書き込みを単一トランザクションで行う。
	// 回答の一括UPSERT（受験中に記録済みの回答は提出版で上書き）、
	// 違反・トラッキングの一括挿入、デバイス情報と行動情報のUPSERT、
	// セッションのCOMPLETED遷移とendTime記録を含む。
	// いずれかが失敗した場合は全体がロールバックされる。
	Submit(ctx context.Context, sessionID string, sub *Submission, endTime time.Time) error

	// CreateAnswer は1件の回答を追加する。
	CreateAnswer(ctx context.Context, a *model.CandidateAnswer) error

	// ListAnswers はセッションの回答を作成順で返す。
	ListAnswers(ctx context.Context, sessionID string) ([]*model.CandidateAnswer, error)
}

// TelemetryRepository はセッションに付随するテレメトリの永続化インターフェース。
type TelemetryRepository interface {
	// UpsertDeviceInfo はデバイス情報をセッションごとに1行でUPSERTする。
	UpsertDeviceInfo(ctx context.Context, d *model.DeviceInfo) error

	// FindDeviceInfo はセッションのデバイス情報を取得する。見つからない場合はnilを返す。
	FindDeviceInfo(ctx context.Context, sessionID string) (*model.DeviceInfo, error)

	// UpsertBehavior は行動情報をセッションごとに1行でUPSERTする。
	// スコアリング結果の列（verification_score等）は変更しない。
	UpsertBehavior(ctx context.Context, b *model.SessionBehavior) error

	// FindBehavior はセッションの行動情報を取得する。見つからない場合はnilを返す。
	FindBehavior(ctx context.Context, sessionID string) (*model.SessionBehavior, error)

	// SaveTrustScore はスコアリング結果をsession_behaviors行へ書き込む。
	// 行が存在しない場合は新規作成する。
	SaveTrustScore(ctx context.Context, sessionID string, score model.TrustScore) error

	// UpsertScreenRecording は画面録画メタデータをセッションごとに1行でUPSERTする。
	UpsertScreenRecording(ctx context.Context, r *model.ScreenRecordingData) error

	// AddViolation は違反を1件追加する。違反は追記専用。
	AddViolation(ctx context.Context, v *model.AntiCheatViolation) error

	// ListViolations はセッションの違反を発生時刻順で返す。
	ListViolations(ctx context.Context, sessionID string) ([]*model.AntiCheatViolation, error)

	// AddTracking は設問別トラッキング行を追加する。追記専用。
	AddTracking(ctx context.Context, rows []*model.QuestionTracking) error

	// ListTracking はセッションのトラッキング行を返す。
	ListTracking(ctx context.Context, sessionID string) ([]*model.QuestionTracking, error)
}

// DirectoryRepository は企業・アセスメントの存在検証用読み取りインターフェース。
// これらのCRUDはこのサブシステムの範囲外で、参照のみを行う。
type DirectoryRepository interface {
	// CompanyByID は指定IDの企業を取得する。見つからない場合はnilを返す。
	CompanyByID(ctx context.Context, id string) (*model.Company, error)

	// AssessmentsByIDs は指定IDのアセスメントを返す。
	// 存在しないIDは結果に含まれない（呼び出し元が欠落を検出する）。
	AssessmentsByIDs(ctx context.Context, ids []string) ([]*model.Assessment, error)
}
