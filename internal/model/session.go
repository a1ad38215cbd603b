// Package model はドメインモデルを定義する。
package model

import "time"

// CandidateSession は1人の候補者による1つのアセスメントの受験試行を表す。
// (candidateEmail, assessmentId) の組み合わせに対して常に1行のみ存在する。
type CandidateSession struct {
	ID             string
	CandidateEmail string
	CandidateName  string
	CandidatePhone string
	AssessmentID   string
	Status         SessionStatus
	StartTime      *time.Time
	EndTime        *time.Time
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionStatus はセッションのライフサイクル状態を表す。
// NOT_STARTED → IN_PROGRESS → {COMPLETED | ABANDONED | EXPIRED}。
// COMPLETEDは提出操作のみが設定する終端状態。
type SessionStatus string

const (
	// SessionStatusNotStarted は作成直後の状態。
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	// SessionStatusInProgress は受験中の状態。
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	// SessionStatusCompleted は提出による終端状態。
	SessionStatusCompleted SessionStatus = "COMPLETED"
	// SessionStatusAbandoned は候補者が離脱した終端状態。
	SessionStatusAbandoned SessionStatus = "ABANDONED"
	// SessionStatusExpired は時間切れの終端状態。
	SessionStatusExpired SessionStatus = "EXPIRED"
)

// CandidateAnswer は1つの設問に対する候補者の回答を表す。
// セッションと設問の組み合わせごとに1行のみ存在する。
type CandidateAnswer struct {
	ID          string
	SessionID   string
	QuestionID  string
	Response    string
	TimeSpent   int // 秒
	SubmittedAt time.Time
	CreatedAt   time.Time
}
