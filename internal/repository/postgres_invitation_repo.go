package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/examgate/internal/model"
)

// PostgresInvitationRepo はPostgreSQLを使用した招待リポジトリ。
type PostgresInvitationRepo struct {
	db *sql.DB
}

// NewPostgresInvitationRepo はPostgresInvitationRepoを生成する。
func NewPostgresInvitationRepo(db *sql.DB) *PostgresInvitationRepo {
	return &PostgresInvitationRepo{db: db}
}

// invitationColumns は招待のSELECT句。assessment_idsは関連テーブルから集約する。
const invitationColumns = `
	i.id, i.candidate_email, i.candidate_name, i.company_id,
	i.invited_by, i.invited_by_name, i.status, i.email_delivery_status,
	i.invitation_token, i.invitation_link, i.expires_at,
	i.max_attempts, i.attempt_count, i.reminders_sent,
	i.last_reminder_sent, i.opened_at, i.created_at, i.updated_at,
	COALESCE(array_agg(ia.assessment_id) FILTER (WHERE ia.assessment_id IS NOT NULL), '{}')`

const invitationFrom = `
	FROM candidate_invitations i
	LEFT JOIN invitation_assessments ia ON ia.invitation_id = i.id`

// scanInvitation は1行分の招待を読み取る。
func scanInvitation(row interface{ Scan(...interface{}) error }) (*model.Invitation, error) {
	inv := &model.Invitation{}
	var lastReminder, openedAt sql.NullTime
	var assessmentIDs pq.StringArray

	err := row.Scan(
		&inv.ID, &inv.CandidateEmail, &inv.CandidateName, &inv.CompanyID,
		&inv.InvitedBy, &inv.InvitedByName, &inv.Status, &inv.EmailDeliveryStatus,
		&inv.InvitationToken, &inv.InvitationLink, &inv.ExpiresAt,
		&inv.MaxAttempts, &inv.AttemptCount, &inv.RemindersSent,
		&lastReminder, &openedAt, &inv.CreatedAt, &inv.UpdatedAt,
		&assessmentIDs,
	)
	if err != nil {
		return nil, err
	}

	if lastReminder.Valid {
		inv.LastReminderSent = &lastReminder.Time
	}
	if openedAt.Valid {
		inv.OpenedAt = &openedAt.Time
	}
	inv.AssessmentIDs = []string(assessmentIDs)

	return inv, nil
}

// Create は招待とアセスメント関連付けを同一トランザクションで作成する。
func (r *PostgresInvitationRepo) Create(ctx context.Context, inv *model.Invitation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO candidate_invitations (
		     id, candidate_email, candidate_name, company_id,
		     invited_by, invited_by_name, status, email_delivery_status,
		     invitation_token, invitation_link, expires_at,
		     max_attempts, attempt_count, reminders_sent, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inv.ID, inv.CandidateEmail, inv.CandidateName, inv.CompanyID,
		inv.InvitedBy, inv.InvitedByName, inv.Status, inv.EmailDeliveryStatus,
		inv.InvitationToken, inv.InvitationLink, inv.ExpiresAt,
		inv.MaxAttempts, inv.AttemptCount, inv.RemindersSent, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("招待の作成に失敗しました: %w", err)
	}

	for _, assessmentID := range inv.AssessmentIDs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO invitation_assessments (invitation_id, assessment_id)
			 VALUES ($1, $2)`,
			inv.ID, assessmentID,
		)
		if err != nil {
			return fmt.Errorf("招待とアセスメントの関連付けに失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return nil
}

// FindByID は指定IDの招待を取得する。見つからない場合はnilを返す。
func (r *PostgresInvitationRepo) FindByID(ctx context.Context, id string) (*model.Invitation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+invitationColumns+invitationFrom+`
		 WHERE i.id = $1
		 GROUP BY i.id`,
		id,
	)

	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("招待の取得に失敗しました: %w", err)
	}

	return inv, nil
}

// FindByToken は招待トークンで招待を取得する。見つからない場合はnilを返す。
func (r *PostgresInvitationRepo) FindByToken(ctx context.Context, token string) (*model.Invitation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+invitationColumns+invitationFrom+`
		 WHERE i.invitation_token = $1
		 GROUP BY i.id`,
		token,
	)

	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トークンによる招待の検索に失敗しました: %w", err)
	}

	return inv, nil
}

// FindActiveOverlap は同一候補者・同一企業でアセスメント集合が交差する有効な招待を検索する。
// 交差の定義は集合の積が空でないこと（完全一致ではない）。
func (r *PostgresInvitationRepo) FindActiveOverlap(
	ctx context.Context,
	candidateEmail, companyID string,
	assessmentIDs []string,
) (*model.Invitation, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT`+invitationColumns+invitationFrom+`
		 WHERE i.candidate_email = $1
		   AND i.company_id = $2
		   AND i.status = ANY($3)
		   AND i.expires_at >= $4
		   AND EXISTS (
		       SELECT 1 FROM invitation_assessments o
		       WHERE o.invitation_id = i.id
		         AND o.assessment_id = ANY($5)
		   )
		 GROUP BY i.id
		 LIMIT 1`,
		candidateEmail, companyID,
		pq.Array(activeStatusStrings()), time.Now().UTC(), pq.Array(assessmentIDs),
	)

	inv, err := scanInvitation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("有効な招待の重複チェックに失敗しました: %w", err)
	}

	return inv, nil
}

// List は条件に一致する招待を作成日時の降順で返す。
func (r *PostgresInvitationRepo) List(ctx context.Context, filter InvitationFilter) ([]*model.Invitation, error) {
	query := `SELECT` + invitationColumns + invitationFrom + `
		 WHERE ($1 = '' OR i.company_id = $1)
		   AND ($2 = '' OR i.status = $2)
		   AND ($3 = '' OR i.candidate_name ILIKE '%' || $3 || '%' OR i.candidate_email ILIKE '%' || $3 || '%')
		 GROUP BY i.id
		 ORDER BY i.created_at DESC
		 LIMIT $4`

	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.QueryContext(ctx, query,
		filter.CompanyID, string(filter.Status), filter.Search, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("招待一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var invitations []*model.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, fmt.Errorf("招待一覧の読み取りに失敗しました: %w", err)
		}
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("招待一覧の走査に失敗しました: %w", err)
	}

	return invitations, nil
}

// Update は管理操作による招待の更新を行う。
func (r *PostgresInvitationRepo) Update(ctx context.Context, inv *model.Invitation) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET
		     status = $2,
		     expires_at = $3,
		     max_attempts = $4,
		     email_delivery_status = $5,
		     reminders_sent = $6,
		     last_reminder_sent = $7,
		     updated_at = $8
		 WHERE id = $1`,
		inv.ID, inv.Status, inv.ExpiresAt, inv.MaxAttempts,
		inv.EmailDeliveryStatus, inv.RemindersSent, inv.LastReminderSent,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("招待の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkOpened はSENT状態かつ未開封の招待をOPENEDに遷移させる。
// WHERE句で条件を判定するため、既に開封済みの場合は何も起きない（冪等）。
func (r *PostgresInvitationRepo) MarkOpened(ctx context.Context, id string, openedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET
		     status = $2, opened_at = $3, updated_at = $3
		 WHERE id = $1 AND status = $4 AND opened_at IS NULL`,
		id, model.InvitationStatusOpened, openedAt, model.InvitationStatusSent,
	)
	if err != nil {
		return fmt.Errorf("招待の開封記録に失敗しました: %w", err)
	}
	return nil
}

// RecordAttemptStart は招待をSTARTEDに遷移させ、attemptCountを加算する。
// 上限到達時は加算せずfalseを返す。ガードはUPDATEのWHERE句で行うため、
// 並行リクエストでも上限を超えない。
func (r *PostgresInvitationRepo) RecordAttemptStart(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET
		     status = $2, attempt_count = attempt_count + 1, updated_at = $3
		 WHERE id = $1 AND attempt_count < max_attempts AND status = ANY($4)`,
		id, model.InvitationStatusStarted, time.Now().UTC(),
		pq.Array(activeStatusStrings()),
	)
	if err != nil {
		return false, fmt.Errorf("受験開始の記録に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}

	return affected > 0, nil
}

// UpdateEmailDeliveryStatus はメール配信状態のみを更新する。
func (r *PostgresInvitationRepo) UpdateEmailDeliveryStatus(ctx context.Context, id string, status model.EmailDeliveryStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET email_delivery_status = $2, updated_at = $3
		 WHERE id = $1`,
		id, status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("メール配信状態の更新に失敗しました: %w", err)
	}
	return nil
}

// RecordReminder はremindersSentを加算し、lastReminderSentを記録する。
func (r *PostgresInvitationRepo) RecordReminder(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET
		     reminders_sent = reminders_sent + 1, last_reminder_sent = $2, updated_at = $2
		 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("リマインダー送信の記録に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDの招待を削除する。invitation_assessmentsはCASCADE削除される。
func (r *PostgresInvitationRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM candidate_invitations WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("招待の削除に失敗しました: %w", err)
	}
	return nil
}

// ExpireDue は期限超過した非終端状態の招待を全てEXPIREDにする。
// 述語が既にEXPIREDの行を除外するため、並行実行しても二重計上しない。
func (r *PostgresInvitationRepo) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE candidate_invitations SET status = $1, updated_at = $2
		 WHERE status = ANY($3) AND expires_at <= $2`,
		model.InvitationStatusExpired, now, pq.Array(activeStatusStrings()),
	)
	if err != nil {
		return 0, fmt.Errorf("招待の期限スイープに失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("スイープ件数の取得に失敗しました: %w", err)
	}

	return affected, nil
}

// activeStatusStrings はSQLのANY句に渡す有効状態の文字列配列を返す。
func activeStatusStrings() []string {
	statuses := make([]string, len(model.ActiveInvitationStatuses))
	for i, s := range model.ActiveInvitationStatuses {
		statuses[i] = string(s)
	}
	return statuses
}

// compile-time interface check
var _ InvitationRepository = (*PostgresInvitationRepo)(nil)
