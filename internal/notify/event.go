// Package notify は招待通知イベントの非同期ディスパッチを提供する。
// コアのサービス層はイベントを発行するだけで配信結果を待たない。
// 配信結果はメール配信状態の更新としてベストエフォートで書き戻される。
package notify

import (
	"context"

	"github.com/hitoshi/examgate/internal/model"
)

// イベント名
const (
	// EventInvitationCreated は招待作成時に発行されるイベント。
	EventInvitationCreated = "invitation.created"
	// EventInvitationResend は招待再送時に発行されるイベント。
	EventInvitationResend = "invitation.resend"
)

// Event は通知ディスパッチャへ渡される招待通知イベント。
// ペイロードはそのままWebhookのJSONボディになる。
type Event struct {
	Name             string   `json:"event"`
	InvitationID     string   `json:"invitationId"`
	To               string   `json:"to"`
	CandidateName    string   `json:"candidateName"`
	CompanyName      string   `json:"companyName"`
	InvitationLink   string   `json:"invitationLink"`
	AssessmentTitles []string `json:"assessmentTitles"`
	Deadline         string   `json:"deadline,omitempty"`
	MaxAttempts      int      `json:"maxAttempts"`
	CustomMessage    string   `json:"customMessage,omitempty"`
}

// Emitter はイベント発行のインターフェース。
// 発行は非ブロッキングで、配信の成否を呼び出し元へ返さない。
type Emitter interface {
	Emit(ev Event)
}

// DeliveryRecorder は配信結果を招待へ書き戻すインターフェース。
// repository.InvitationRepositoryがこれを満たす。
type DeliveryRecorder interface {
	UpdateEmailDeliveryStatus(ctx context.Context, id string, status model.EmailDeliveryStatus) error
}
