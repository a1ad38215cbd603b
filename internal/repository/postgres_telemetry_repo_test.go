package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hitoshi/examgate/internal/model"
)

// PostgresTelemetryRepoはTelemetryRepositoryインターフェースを満たすことを検証
func TestPostgresTelemetryRepo_ImplementsInterface(t *testing.T) {
	var _ TelemetryRepository = (*PostgresTelemetryRepo)(nil)
}

func TestPostgresTelemetryRepo_UpsertDeviceInfo(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)

	mock.ExpectExec("INSERT INTO device_info").WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpsertDeviceInfo(context.Background(), &model.DeviceInfo{
		SessionID: "sess-1",
		Browser:   "Chrome",
		OS:        "macOS",
	})
	if err != nil {
		t.Fatalf("UpsertDeviceInfo returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// スコアリング済み行のスコア列とリスク要因JSONBがスキャンされることを検証
func TestPostgresTelemetryRepo_FindBehavior_Scored(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "session_id", "focus_loss_count", "tab_switch_count",
		"copy_paste_attempts", "mouse_leave_count", "total_idle_seconds",
		"verification_score", "risk_factors", "trust_level", "created_at", "updated_at",
	}).AddRow(
		"beh-1", "sess-1", 2, 3, 0, 1, 60,
		85, []byte(`[{"factor":"tab_switching","impact":-10}]`), "HIGH", now, now,
	)
	mock.ExpectQuery("SELECT").WithArgs("sess-1").WillReturnRows(rows)

	b, err := repo.FindBehavior(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FindBehavior returned error: %v", err)
	}
	if b == nil {
		t.Fatal("expected behavior, got nil")
	}
	if b.VerificationScore == nil || *b.VerificationScore != 85 {
		t.Errorf("VerificationScore = %v, want 85", b.VerificationScore)
	}
	if b.TrustLevel == nil || *b.TrustLevel != model.TrustLevelHigh {
		t.Errorf("TrustLevel = %v, want HIGH", b.TrustLevel)
	}
	if len(b.RiskFactors) != 1 || b.RiskFactors[0].Factor != "tab_switching" || b.RiskFactors[0].Impact != -10 {
		t.Errorf("RiskFactors = %+v", b.RiskFactors)
	}
}

// スコアリング前の行ではスコア列がnilのまま返ることを検証
func TestPostgresTelemetryRepo_FindBehavior_NotScored(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "session_id", "focus_loss_count", "tab_switch_count",
		"copy_paste_attempts", "mouse_leave_count", "total_idle_seconds",
		"verification_score", "risk_factors", "trust_level", "created_at", "updated_at",
	}).AddRow(
		"beh-1", "sess-1", 0, 0, 0, 0, 0,
		nil, nil, nil, now, now,
	)
	mock.ExpectQuery("SELECT").WithArgs("sess-1").WillReturnRows(rows)

	b, err := repo.FindBehavior(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("FindBehavior returned error: %v", err)
	}
	if b.VerificationScore != nil {
		t.Errorf("VerificationScore = %v, want nil", b.VerificationScore)
	}
	if b.TrustLevel != nil {
		t.Errorf("TrustLevel = %v, want nil", b.TrustLevel)
	}
	if b.RiskFactors != nil {
		t.Errorf("RiskFactors = %+v, want nil", b.RiskFactors)
	}
}

func TestPostgresTelemetryRepo_FindBehavior_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)

	mock.ExpectQuery("SELECT").WillReturnError(sql.ErrNoRows)

	b, err := repo.FindBehavior(context.Background(), "missing")
	if err != nil {
		t.Fatalf("FindBehavior returned error: %v", err)
	}
	if b != nil {
		t.Errorf("expected nil behavior, got %+v", b)
	}
}

// 行動情報が未収集でもスコアがUPSERTで保存されることを検証
func TestPostgresTelemetryRepo_SaveTrustScore(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)

	mock.ExpectExec("INSERT INTO session_behaviors").WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveTrustScore(context.Background(), "sess-1", model.TrustScore{
		VerificationScore: 70,
		RiskFactors: []model.RiskFactor{
			{Factor: "tab_switching", Impact: -10},
		},
		TrustLevel: model.TrustLevelMedium,
	})
	if err != nil {
		t.Fatalf("SaveTrustScore returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresTelemetryRepo_AddViolation(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO anti_cheat_violations").
		WithArgs("vio-1", "sess-1", "TAB_SWITCH", "MEDIUM", now, "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddViolation(context.Background(), &model.AntiCheatViolation{
		ID:         "vio-1",
		SessionID:  "sess-1",
		Type:       "TAB_SWITCH",
		Severity:   model.ViolationSeverityMedium,
		OccurredAt: now,
		CreatedAt:  now,
	})
	if err != nil {
		t.Fatalf("AddViolation returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresTelemetryRepo_ListViolations_ReturnsInOrder(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "session_id", "type", "severity", "occurred_at", "details", "created_at"}).
		AddRow("vio-1", "sess-1", "TAB_SWITCH", "MEDIUM", now.Add(-time.Minute), "", now).
		AddRow("vio-2", "sess-1", "COPY_PASTE", "HIGH", now, "コピー検出", now)
	mock.ExpectQuery("SELECT").WithArgs("sess-1").WillReturnRows(rows)

	violations, err := repo.ListViolations(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("ListViolations returned error: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("len(violations) = %d, want 2", len(violations))
	}
	if violations[0].Type != "TAB_SWITCH" || violations[1].Type != "COPY_PASTE" {
		t.Errorf("violations out of order: %q, %q", violations[0].Type, violations[1].Type)
	}
}

// 複数行のトラッキングが1行ずつ挿入されることを検証
func TestPostgresTelemetryRepo_AddTracking(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresTelemetryRepo(db)
	now := time.Now().UTC()

	mock.ExpectExec("INSERT INTO question_tracking").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO question_tracking").WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.AddTracking(context.Background(), []*model.QuestionTracking{
		{ID: "trk-1", SessionID: "sess-1", QuestionID: "q-1", TimeSpent: 30, CreatedAt: now},
		{ID: "trk-2", SessionID: "sess-1", QuestionID: "q-2", TimeSpent: 45, CreatedAt: now},
	})
	if err != nil {
		t.Fatalf("AddTracking returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
