package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/examgate/internal/model"
)

// execer はExecContextを抽象化するインターフェース。
// *sql.DB と *sql.Tx の両方を受け付ける（提出トランザクション内での再利用のため）。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresTelemetryRepo はPostgreSQLを使用したテレメトリリポジトリ。
type PostgresTelemetryRepo struct {
	db *sql.DB
}

// NewPostgresTelemetryRepo はPostgresTelemetryRepoを生成する。
func NewPostgresTelemetryRepo(db *sql.DB) *PostgresTelemetryRepo {
	return &PostgresTelemetryRepo{db: db}
}

// upsertDeviceInfoTx はデバイス情報をUNIQUE(session_id)制約でUPSERTする。
func upsertDeviceInfoTx(ctx context.Context, ex execer, d *model.DeviceInfo) error {
	now := time.Now().UTC()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO device_info (
		     id, session_id, browser, browser_version, os, screen_resolution,
		     timezone, language, cookies_enabled, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
		     browser = EXCLUDED.browser,
		     browser_version = EXCLUDED.browser_version,
		     os = EXCLUDED.os,
		     screen_resolution = EXCLUDED.screen_resolution,
		     timezone = EXCLUDED.timezone,
		     language = EXCLUDED.language,
		     cookies_enabled = EXCLUDED.cookies_enabled,
		     updated_at = EXCLUDED.updated_at`,
		id, d.SessionID, d.Browser, d.BrowserVersion, d.OS, d.ScreenResolution,
		d.Timezone, d.Language, d.CookiesEnabled, now,
	)
	if err != nil {
		return fmt.Errorf("デバイス情報の保存に失敗しました: %w", err)
	}
	return nil
}

// upsertBehaviorTx は行動情報をUNIQUE(session_id)制約でUPSERTする。
// スコアリング結果の列は変更しない。
func upsertBehaviorTx(ctx context.Context, ex execer, b *model.SessionBehavior) error {
	now := time.Now().UTC()
	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO session_behaviors (
		     id, session_id, focus_loss_count, tab_switch_count,
		     copy_paste_attempts, mouse_leave_count, total_idle_seconds,
		     created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (session_id) DO UPDATE SET
		     focus_loss_count = EXCLUDED.focus_loss_count,
		     tab_switch_count = EXCLUDED.tab_switch_count,
		     copy_paste_attempts = EXCLUDED.copy_paste_attempts,
		     mouse_leave_count = EXCLUDED.mouse_leave_count,
		     total_idle_seconds = EXCLUDED.total_idle_seconds,
		     updated_at = EXCLUDED.updated_at`,
		id, b.SessionID, b.FocusLossCount, b.TabSwitchCount,
		b.CopyPasteAttempts, b.MouseLeaveCount, b.TotalIdleSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("行動情報の保存に失敗しました: %w", err)
	}
	return nil
}

// UpsertDeviceInfo はデバイス情報をセッションごとに1行でUPSERTする。
func (r *PostgresTelemetryRepo) UpsertDeviceInfo(ctx context.Context, d *model.DeviceInfo) error {
	return upsertDeviceInfoTx(ctx, r.db, d)
}

// UpsertBehavior は行動情報をセッションごとに1行でUPSERTする。
func (r *PostgresTelemetryRepo) UpsertBehavior(ctx context.Context, b *model.SessionBehavior) error {
	return upsertBehaviorTx(ctx, r.db, b)
}

// FindDeviceInfo はセッションのデバイス情報を取得する。見つからない場合はnilを返す。
func (r *PostgresTelemetryRepo) FindDeviceInfo(ctx context.Context, sessionID string) (*model.DeviceInfo, error) {
	d := &model.DeviceInfo{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, browser, browser_version, os, screen_resolution,
		        timezone, language, cookies_enabled, created_at, updated_at
		 FROM device_info WHERE session_id = $1`,
		sessionID,
	).Scan(
		&d.ID, &d.SessionID, &d.Browser, &d.BrowserVersion, &d.OS, &d.ScreenResolution,
		&d.Timezone, &d.Language, &d.CookiesEnabled, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("デバイス情報の取得に失敗しました: %w", err)
	}
	return d, nil
}

// FindBehavior はセッションの行動情報を取得する。見つからない場合はnilを返す。
func (r *PostgresTelemetryRepo) FindBehavior(ctx context.Context, sessionID string) (*model.SessionBehavior, error) {
	b := &model.SessionBehavior{}
	var score sql.NullInt64
	var trustLevel sql.NullString
	var riskFactors []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, focus_loss_count, tab_switch_count,
		        copy_paste_attempts, mouse_leave_count, total_idle_seconds,
		        verification_score, risk_factors, trust_level, created_at, updated_at
		 FROM session_behaviors WHERE session_id = $1`,
		sessionID,
	).Scan(
		&b.ID, &b.SessionID, &b.FocusLossCount, &b.TabSwitchCount,
		&b.CopyPasteAttempts, &b.MouseLeaveCount, &b.TotalIdleSeconds,
		&score, &riskFactors, &trustLevel, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("行動情報の取得に失敗しました: %w", err)
	}

	if score.Valid {
		v := int(score.Int64)
		b.VerificationScore = &v
	}
	if trustLevel.Valid {
		lv := model.TrustLevel(trustLevel.String)
		b.TrustLevel = &lv
	}
	if len(riskFactors) > 0 {
		if err := json.Unmarshal(riskFactors, &b.RiskFactors); err != nil {
			return nil, fmt.Errorf("リスク要因の読み取りに失敗しました: %w", err)
		}
	}

	return b, nil
}

// SaveTrustScore はスコアリング結果をsession_behaviors行へ書き込む。
// 行動情報が未収集のセッションでは行を新規作成する。
func (r *PostgresTelemetryRepo) SaveTrustScore(ctx context.Context, sessionID string, score model.TrustScore) error {
	factors, err := json.Marshal(score.RiskFactors)
	if err != nil {
		return fmt.Errorf("リスク要因のシリアライズに失敗しました: %w", err)
	}

	now := time.Now().UTC()
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO session_behaviors (
		     id, session_id, verification_score, risk_factors, trust_level, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (session_id) DO UPDATE SET
		     verification_score = EXCLUDED.verification_score,
		     risk_factors = EXCLUDED.risk_factors,
		     trust_level = EXCLUDED.trust_level,
		     updated_at = EXCLUDED.updated_at`,
		uuid.New().String(), sessionID,
		score.VerificationScore, factors, score.TrustLevel, now,
	)
	if err != nil {
		return fmt.Errorf("信頼スコアの保存に失敗しました: %w", err)
	}
	return nil
}

// UpsertScreenRecording は画面録画メタデータをセッションごとに1行でUPSERTする。
func (r *PostgresTelemetryRepo) UpsertScreenRecording(ctx context.Context, rec *model.ScreenRecordingData) error {
	now := time.Now().UTC()
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO screen_recordings (
		     id, session_id, recording_url, chunk_count, duration_seconds, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (session_id) DO UPDATE SET
		     recording_url = EXCLUDED.recording_url,
		     chunk_count = EXCLUDED.chunk_count,
		     duration_seconds = EXCLUDED.duration_seconds,
		     updated_at = EXCLUDED.updated_at`,
		id, rec.SessionID, rec.RecordingURL, rec.ChunkCount, rec.DurationSeconds, now,
	)
	if err != nil {
		return fmt.Errorf("画面録画メタデータの保存に失敗しました: %w", err)
	}
	return nil
}

// AddViolation は違反を1件追加する。
func (r *PostgresTelemetryRepo) AddViolation(ctx context.Context, v *model.AntiCheatViolation) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO anti_cheat_violations (id, session_id, type, severity, occurred_at, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.SessionID, v.Type, v.Severity, v.OccurredAt, v.Details, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("違反の保存に失敗しました: %w", err)
	}
	return nil
}

// ListViolations はセッションの違反を発生時刻順で返す。
func (r *PostgresTelemetryRepo) ListViolations(ctx context.Context, sessionID string) ([]*model.AntiCheatViolation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, type, severity, occurred_at, details, created_at
		 FROM anti_cheat_violations
		 WHERE session_id = $1
		 ORDER BY occurred_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("違反一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var violations []*model.AntiCheatViolation
	for rows.Next() {
		v := &model.AntiCheatViolation{}
		if err := rows.Scan(&v.ID, &v.SessionID, &v.Type, &v.Severity, &v.OccurredAt, &v.Details, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("違反一覧の読み取りに失敗しました: %w", err)
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("違反一覧の走査に失敗しました: %w", err)
	}

	return violations, nil
}

// AddTracking は設問別トラッキング行を追加する。
func (r *PostgresTelemetryRepo) AddTracking(ctx context.Context, trackingRows []*model.QuestionTracking) error {
	for _, tr := range trackingRows {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO question_tracking (id, session_id, question_id, time_spent, focus_loss_count, copy_paste_count, answer_changes, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			tr.ID, tr.SessionID, tr.QuestionID, tr.TimeSpent,
			tr.FocusLossCount, tr.CopyPasteCount, tr.AnswerChanges, tr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("トラッキングデータの保存に失敗しました: %w", err)
		}
	}
	return nil
}

// ListTracking はセッションのトラッキング行を返す。
func (r *PostgresTelemetryRepo) ListTracking(ctx context.Context, sessionID string) ([]*model.QuestionTracking, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, question_id, time_spent, focus_loss_count, copy_paste_count, answer_changes, created_at
		 FROM question_tracking
		 WHERE session_id = $1
		 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("トラッキング一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var tracking []*model.QuestionTracking
	for rows.Next() {
		tr := &model.QuestionTracking{}
		if err := rows.Scan(&tr.ID, &tr.SessionID, &tr.QuestionID, &tr.TimeSpent, &tr.FocusLossCount, &tr.CopyPasteCount, &tr.AnswerChanges, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("トラッキング一覧の読み取りに失敗しました: %w", err)
		}
		tracking = append(tracking, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("トラッキング一覧の走査に失敗しました: %w", err)
	}

	return tracking, nil
}

// compile-time interface check
var _ TelemetryRepository = (*PostgresTelemetryRepo)(nil)
