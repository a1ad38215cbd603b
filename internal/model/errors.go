// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: invitation, session, validation, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeCompanyNotFound     = "COMPANY_NOT_FOUND"
	ErrCodeAssessmentNotFound  = "ASSESSMENT_NOT_FOUND"
	ErrCodeInvitationNotFound  = "INVITATION_NOT_FOUND"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeDuplicateInvitation = "DUPLICATE_INVITATION"
	ErrCodeDuplicateSession    = "DUPLICATE_SESSION"
	ErrCodeInvitationExpired   = "INVITATION_EXPIRED"
	ErrCodeInvitationCompleted = "INVITATION_COMPLETED"
	ErrCodeInvitationCancelled = "INVITATION_CANCELLED"
	ErrCodeMaxAttemptsReached  = "MAX_ATTEMPTS_REACHED"
	ErrCodeSessionCompleted    = "SESSION_COMPLETED"
	ErrCodeScoreNotFound       = "SCORE_NOT_FOUND"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
)

// NewCompanyNotFoundError は企業未検出エラーを生成する。
func NewCompanyNotFoundError(companyID string) *APIError {
	return &APIError{
		Code:     ErrCodeCompanyNotFound,
		Message:  fmt.Sprintf("指定された企業が見つかりません: %s", companyID),
		Category: "invitation",
		Action:   "企業IDを確認してください。",
	}
}

// NewAssessmentNotFoundError はアセスメント未検出エラーを生成する。
func NewAssessmentNotFoundError(assessmentID string) *APIError {
	return &APIError{
		Code:     ErrCodeAssessmentNotFound,
		Message:  fmt.Sprintf("指定されたアセスメントが見つかりません: %s", assessmentID),
		Category: "invitation",
		Action:   "アセスメントIDを確認してください。",
	}
}

// NewInvitationNotFoundError は招待未検出エラーを生成する。
func NewInvitationNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationNotFound,
		Message:  "招待が見つかりません。",
		Category: "invitation",
		Action:   "招待リンクが正しいか確認してください。",
	}
}

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("指定されたセッションが見つかりません: %s", sessionID),
		Category: "session",
		Action:   "セッションIDを確認してください。",
	}
}

// NewDuplicateInvitationError は有効な招待が既に存在する場合のエラーを生成する。
func NewDuplicateInvitationError(candidateEmail string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateInvitation,
		Message:  fmt.Sprintf("%s には有効な招待が既に存在します。", candidateEmail),
		Category: "invitation",
		Action:   "既存の招待が完了または期限切れになるまでお待ちください。",
	}
}

// NewDuplicateSessionError は同一候補者・同一アセスメントのセッションが既に存在する場合のエラーを生成する。
func NewDuplicateSessionError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateSession,
		Message:  "この候補者のセッションは既に存在します。",
		Category: "session",
		Action:   "既存のセッションを再開してください。",
	}
}

// NewInvitationExpiredError は期限切れ招待へのアクセスエラーを生成する。
func NewInvitationExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationExpired,
		Message:  "この招待は期限切れです。",
		Category: "invitation",
		Action:   "招待の再送を依頼してください。",
	}
}

// NewInvitationCompletedError は完了済み招待へのアクセスエラーを生成する。
func NewInvitationCompletedError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationCompleted,
		Message:  "このアセスメントは既に完了しています。",
		Category: "invitation",
		Action:   "結果については採用担当者にお問い合わせください。",
	}
}

// NewInvitationCancelledError はキャンセル済み招待へのアクセスエラーを生成する。
func NewInvitationCancelledError() *APIError {
	return &APIError{
		Code:     ErrCodeInvitationCancelled,
		Message:  "この招待はキャンセルされています。",
		Category: "invitation",
		Action:   "採用担当者にお問い合わせください。",
	}
}

// NewMaxAttemptsReachedError は受験回数上限エラーを生成する。
func NewMaxAttemptsReachedError() *APIError {
	return &APIError{
		Code:     ErrCodeMaxAttemptsReached,
		Message:  "このアセスメントの受験回数上限に達しています。",
		Category: "invitation",
		Action:   "追加の受験が必要な場合は採用担当者にお問い合わせください。",
	}
}

// NewSessionCompletedError は提出済みセッションへの書き込みエラーを生成する。
func NewSessionCompletedError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionCompleted,
		Message:  "このセッションは既に提出されています。",
		Category: "session",
		Action:   "提出後の回答変更はできません。",
	}
}

// NewScoreNotFoundError は信頼スコア未算出エラーを生成する。
func NewScoreNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeScoreNotFound,
		Message:  fmt.Sprintf("セッションの信頼スコアがまだ算出されていません: %s", sessionID),
		Category: "session",
		Action:   "提出完了後にもう一度お試しください。",
	}
}

// NewInvalidRequestError は入力不正エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}
