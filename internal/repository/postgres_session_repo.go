package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/examgate/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用した候補者セッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `
	id, candidate_email, candidate_name, candidate_phone, assessment_id,
	status, start_time, end_time, ip_address, user_agent, created_at, updated_at`

// scanSession は1行分のセッションを読み取る。
func scanSession(row interface{ Scan(...interface{}) error }) (*model.CandidateSession, error) {
	s := &model.CandidateSession{}
	var phone, ipAddress, userAgent sql.NullString
	var startTime, endTime sql.NullTime

	err := row.Scan(
		&s.ID, &s.CandidateEmail, &s.CandidateName, &phone, &s.AssessmentID,
		&s.Status, &startTime, &endTime, &ipAddress, &userAgent,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.CandidatePhone = phone.String
	s.IPAddress = ipAddress.String
	s.UserAgent = userAgent.String
	if startTime.Valid {
		s.StartTime = &startTime.Time
	}
	if endTime.Valid {
		s.EndTime = &endTime.Time
	}

	return s, nil
}

// Create はセッションを作成する。
func (r *PostgresSessionRepo) Create(ctx context.Context, s *model.CandidateSession) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO candidate_sessions (
		     id, candidate_email, candidate_name, candidate_phone, assessment_id,
		     status, ip_address, user_agent, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.CandidateEmail, s.CandidateName, nullable(s.CandidatePhone), s.AssessmentID,
		s.Status, nullable(s.IPAddress), nullable(s.UserAgent), s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("セッションの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.CandidateSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+sessionColumns+` FROM candidate_sessions WHERE id = $1`,
		id,
	)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("セッションの取得に失敗しました: %w", err)
	}

	return s, nil
}

// FindByCandidateAndAssessment は候補者メールとアセスメントIDでセッションを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresSessionRepo) FindByCandidateAndAssessment(ctx context.Context, candidateEmail, assessmentID string) (*model.CandidateSession, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+sessionColumns+` FROM candidate_sessions
		 WHERE candidate_email = $1 AND assessment_id = $2`,
		candidateEmail, assessmentID,
	)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("候補者とアセスメントによるセッションの検索に失敗しました: %w", err)
	}

	return s, nil
}

// List は条件に一致するセッションを作成日時の降順で返す。
func (r *PostgresSessionRepo) List(ctx context.Context, filter SessionFilter) ([]*model.CandidateSession, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT`+sessionColumns+` FROM candidate_sessions
		 WHERE ($1 = '' OR candidate_email = $1)
		   AND ($2 = '' OR assessment_id = $2)
		   AND ($3 = '' OR status = $3)
		 ORDER BY created_at DESC
		 LIMIT $4`,
		filter.CandidateEmail, filter.AssessmentID, string(filter.Status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("セッション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sessions []*model.CandidateSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("セッション一覧の読み取りに失敗しました: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セッション一覧の走査に失敗しました: %w", err)
	}

	return sessions, nil
}

// UpdateStatus はセッション状態を更新する。
// IN_PROGRESSへの遷移時はstart_timeを初回のみ記録する。
func (r *PostgresSessionRepo) UpdateStatus(ctx context.Context, id string, status model.SessionStatus) error {
	now := time.Now().UTC()

	if status == model.SessionStatusInProgress {
		_, err := r.db.ExecContext(ctx,
			`UPDATE candidate_sessions SET
			     status = $2, start_time = COALESCE(start_time, $3), updated_at = $3
			 WHERE id = $1`,
			id, status, now,
		)
		if err != nil {
			return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`UPDATE candidate_sessions SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, now,
	)
	if err != nil {
		return fmt.Errorf("セッション状態の更新に失敗しました: %w", err)
	}
	return nil
}

// SweepStale は放置されたセッションを終端状態へ遷移させる。
// 最終更新がcutoffより古いIN_PROGRESSのセッションをABANDONEDへ、
// NOT_STARTEDのセッションをEXPIREDへ一括で更新する。
// 述語が対象状態を限定するため、並行実行しても二重計上しない。
func (r *PostgresSessionRepo) SweepStale(ctx context.Context, cutoff time.Time) (int64, int64, error) {
	now := time.Now().UTC()

	result, err := r.db.ExecContext(ctx,
		`UPDATE candidate_sessions SET status = $1, end_time = $2, updated_at = $2
		 WHERE status = $3 AND updated_at < $4`,
		model.SessionStatusAbandoned, now, model.SessionStatusInProgress, cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("放置セッションのスイープに失敗しました: %w", err)
	}
	abandoned, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("スイープ件数の取得に失敗しました: %w", err)
	}

	result, err = r.db.ExecContext(ctx,
		`UPDATE candidate_sessions SET status = $1, updated_at = $2
		 WHERE status = $3 AND updated_at < $4`,
		model.SessionStatusExpired, now, model.SessionStatusNotStarted, cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("未開始セッションのスイープに失敗しました: %w", err)
	}
	expired, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("スイープ件数の取得に失敗しました: %w", err)
	}

	return abandoned, expired, nil
}

// Submit は提出の全書き込みを単一トランザクションで行う。
// COMPLETEDへの遷移はテレメトリの書き込みが全て成功した後にのみコミットされるため、
// 部分的な提出が観測されることはない。
func (r *PostgresSessionRepo) Submit(ctx context.Context, sessionID string, sub *Submission, endTime time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	// 1. 回答の一括UPSERT。
	// 受験中にrecordAnswerで記録済みの設問は提出版の回答で上書きする。
	for _, a := range sub.Answers {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO candidate_answers (id, session_id, question_id, response, time_spent, submitted_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (session_id, question_id)
			 DO UPDATE SET response = EXCLUDED.response, time_spent = EXCLUDED.time_spent, submitted_at = EXCLUDED.submitted_at`,
			a.ID, a.SessionID, a.QuestionID, a.Response, a.TimeSpent, a.SubmittedAt, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("回答の保存に失敗しました: %w", err)
		}
	}

	// 2. 提出時に同梱された違反の一括挿入
	for _, v := range sub.Violations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO anti_cheat_violations (id, session_id, type, severity, occurred_at, details, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.SessionID, v.Type, v.Severity, v.OccurredAt, v.Details, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("違反の保存に失敗しました: %w", err)
		}
	}

	// 3. デバイス情報と行動情報のUPSERT
	if sub.DeviceInfo != nil {
		if err := upsertDeviceInfoTx(ctx, tx, sub.DeviceInfo); err != nil {
			return err
		}
	}
	if sub.SessionBehavior != nil {
		if err := upsertBehaviorTx(ctx, tx, sub.SessionBehavior); err != nil {
			return err
		}
	}

	// 4. 設問別トラッキングの一括挿入
	for _, tr := range sub.TrackingData {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO question_tracking (id, session_id, question_id, time_spent, focus_loss_count, copy_paste_count, answer_changes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.ID, tr.SessionID, tr.QuestionID, tr.TimeSpent,
			tr.FocusLossCount, tr.CopyPasteCount, tr.AnswerChanges, tr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("トラッキングデータの保存に失敗しました: %w", err)
		}
	}

	// 5. セッションをCOMPLETEDに遷移させ、endTimeを記録する
	result, err := tx.ExecContext(ctx,
		`UPDATE candidate_sessions SET status = $2, end_time = $3, updated_at = $3
		 WHERE id = $1 AND status <> $2`,
		sessionID, model.SessionStatusCompleted, endTime,
	)
	if err != nil {
		return fmt.Errorf("セッションの完了遷移に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadySubmitted, sessionID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return nil
}

// CreateAnswer は1件の回答を保存する。
// 同一設問への再回答は既存行を上書きする（提出前の回答変更を許容する）。
func (r *PostgresSessionRepo) CreateAnswer(ctx context.Context, a *model.CandidateAnswer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO candidate_answers (id, session_id, question_id, response, time_spent, submitted_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, question_id)
		 DO UPDATE SET response = EXCLUDED.response, time_spent = EXCLUDED.time_spent, submitted_at = EXCLUDED.submitted_at`,
		a.ID, a.SessionID, a.QuestionID, a.Response, a.TimeSpent, a.SubmittedAt, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("回答の保存に失敗しました: %w", err)
	}
	return nil
}

// ListAnswers はセッションの回答を作成順で返す。
func (r *PostgresSessionRepo) ListAnswers(ctx context.Context, sessionID string) ([]*model.CandidateAnswer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, question_id, response, time_spent, submitted_at, created_at
		 FROM candidate_answers
		 WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("回答一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var answers []*model.CandidateAnswer
	for rows.Next() {
		a := &model.CandidateAnswer{}
		if err := rows.Scan(&a.ID, &a.SessionID, &a.QuestionID, &a.Response, &a.TimeSpent, &a.SubmittedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("回答一覧の読み取りに失敗しました: %w", err)
		}
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("回答一覧の走査に失敗しました: %w", err)
	}

	return answers, nil
}

// nullable は空文字列をNULLとして保存するためのsql.NullStringを返す。
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
