// Package model はドメインモデルを定義する。
package model

import "time"

// Invitation は候補者への1件以上のアセスメント招待を表す。
// 1人の候補者メールアドレスと1企業の組み合わせに対して、
// アセスメント集合が重複する有効な招待は同時に1件しか存在できない。
type Invitation struct {
	ID                  string
	CandidateEmail      string
	CandidateName       string
	AssessmentIDs       []string
	CompanyID           string
	InvitedBy           string
	InvitedByName       string
	Status              InvitationStatus
	EmailDeliveryStatus EmailDeliveryStatus
	InvitationToken     string
	InvitationLink      string
	ExpiresAt           time.Time
	MaxAttempts         int
	AttemptCount        int
	RemindersSent       int
	LastReminderSent    *time.Time
	OpenedAt            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InvitationStatus は招待のライフサイクル状態を表す。
// SENT → OPENED → STARTED → COMPLETED と前進し、
// 非終端状態からは EXPIRED（期限超過）と CANCELLED（明示操作）に遷移できる。
type InvitationStatus string

const (
	// InvitationStatusSent は招待の作成直後の状態。
	InvitationStatusSent InvitationStatus = "SENT"
	// InvitationStatusOpened は候補者が招待リンクを初めて開いた状態。
	InvitationStatusOpened InvitationStatus = "OPENED"
	// InvitationStatusStarted は候補者が受験を開始した状態。
	InvitationStatusStarted InvitationStatus = "STARTED"
	// InvitationStatusCompleted は受験が完了した終端状態。
	InvitationStatusCompleted InvitationStatus = "COMPLETED"
	// InvitationStatusExpired は期限超過による終端状態。
	InvitationStatusExpired InvitationStatus = "EXPIRED"
	// InvitationStatusCancelled は明示的なキャンセルによる終端状態。
	InvitationStatusCancelled InvitationStatus = "CANCELLED"
)

// IsTerminal は招待がこれ以上遷移しない状態かどうかを返す。
func (s InvitationStatus) IsTerminal() bool {
	return s == InvitationStatusCompleted || s == InvitationStatusExpired || s == InvitationStatusCancelled
}

// ActiveInvitationStatuses は重複チェックと期限スイープの対象になる状態の一覧。
var ActiveInvitationStatuses = []InvitationStatus{
	InvitationStatusSent,
	InvitationStatusOpened,
	InvitationStatusStarted,
}

// EmailDeliveryStatus は招待メールの配信状態を表す。
type EmailDeliveryStatus string

const (
	// EmailDeliveryPending は配信依頼前の状態。
	EmailDeliveryPending EmailDeliveryStatus = "PENDING"
	// EmailDeliverySent はディスパッチャへの引き渡しが完了した状態。
	EmailDeliverySent EmailDeliveryStatus = "SENT"
	// EmailDeliveryFailed は配信に失敗した状態。招待自体は有効のまま。
	EmailDeliveryFailed EmailDeliveryStatus = "FAILED"
)
