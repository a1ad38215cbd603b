// Package model はドメインモデルを定義する。
package model

import "time"

// ViolationSeverity は違反の重大度を表す。
type ViolationSeverity string

const (
	// ViolationSeverityLow は軽微な違反。
	ViolationSeverityLow ViolationSeverity = "LOW"
	// ViolationSeverityMedium は中程度の違反。
	ViolationSeverityMedium ViolationSeverity = "MEDIUM"
	// ViolationSeverityHigh は重大な違反。
	ViolationSeverityHigh ViolationSeverity = "HIGH"
)

// AntiCheatViolation はセッション中に観測された不正防止ルール違反を表す。
// 追記専用で、更新も削除もされない。
type AntiCheatViolation struct {
	ID         string
	SessionID  string
	Type       string
	Severity   ViolationSeverity
	OccurredAt time.Time
	Details    string
	CreatedAt  time.Time
}

// DeviceInfo はセッションの実行環境情報を表す。セッションごとに1行（UPSERT）。
type DeviceInfo struct {
	ID               string
	SessionID        string
	Browser          string
	BrowserVersion   string
	OS               string
	ScreenResolution string
	Timezone         string
	Language         string
	CookiesEnabled   bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SessionBehavior はセッション全体の行動シグナルを表す。セッションごとに1行（UPSERT）。
// 信頼スコアの算出結果はスコアリング後にこの行へ書き込まれる（write-once）。
type SessionBehavior struct {
	ID                string
	SessionID         string
	FocusLossCount    int
	TabSwitchCount    int
	CopyPasteAttempts int
	MouseLeaveCount   int
	TotalIdleSeconds  int

	// 信頼スコア算出結果。スコアリング前はnil。
	VerificationScore *int
	RiskFactors       []RiskFactor
	TrustLevel        *TrustLevel

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ScreenRecordingData は画面録画のメタデータを表す。セッションごとに1行（UPSERT）。
type ScreenRecordingData struct {
	ID              string
	SessionID       string
	RecordingURL    string
	ChunkCount      int
	DurationSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// QuestionTracking は設問単位の行動トラッキングを表す。追記専用。
// 違反・行動のサブカウントを設問ごとに保持する。
type QuestionTracking struct {
	ID             string
	SessionID      string
	QuestionID     string
	TimeSpent      int // 秒
	FocusLossCount int
	CopyPasteCount int
	AnswerChanges  int
	CreatedAt      time.Time
}

// TrustLevel は信頼スコアの3段階バンディングを表す。
type TrustLevel string

const (
	// TrustLevelHigh はスコア80以上。
	TrustLevelHigh TrustLevel = "HIGH"
	// TrustLevelMedium はスコア60以上80未満。
	TrustLevelMedium TrustLevel = "MEDIUM"
	// TrustLevelLow はスコア60未満。
	TrustLevelLow TrustLevel = "LOW"
)

// RiskFactor は信頼スコアを減点した要因の内訳を表す。
type RiskFactor struct {
	Factor string   `json:"factor"`
	Impact int      `json:"impact"`
	Detail []string `json:"detail,omitempty"`
}

// TrustScore は信頼スコアエンジンの算出結果を表す。
type TrustScore struct {
	VerificationScore int
	RiskFactors       []RiskFactor
	TrustLevel        TrustLevel
}
