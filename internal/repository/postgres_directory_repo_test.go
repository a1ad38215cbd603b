package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// PostgresDirectoryRepoはDirectoryRepositoryインターフェースを満たすことを検証
func TestPostgresDirectoryRepo_ImplementsInterface(t *testing.T) {
	var _ DirectoryRepository = (*PostgresDirectoryRepo)(nil)
}

func TestPostgresDirectoryRepo_CompanyByID_Found(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDirectoryRepo(db)

	rows := sqlmock.NewRows([]string{"id", "name", "logo"}).
		AddRow("comp-1", "Acme採用", nil)
	mock.ExpectQuery("SELECT id, name, logo FROM companies").WithArgs("comp-1").WillReturnRows(rows)

	c, err := repo.CompanyByID(context.Background(), "comp-1")
	if err != nil {
		t.Fatalf("CompanyByID returned error: %v", err)
	}
	if c == nil {
		t.Fatal("expected company, got nil")
	}
	if c.Name != "Acme採用" {
		t.Errorf("Name = %q, want %q", c.Name, "Acme採用")
	}
	if c.Logo != "" {
		t.Errorf("Logo = %q, want empty for NULL", c.Logo)
	}
}

func TestPostgresDirectoryRepo_CompanyByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDirectoryRepo(db)

	mock.ExpectQuery("SELECT id, name, logo FROM companies").WillReturnError(sql.ErrNoRows)

	c, err := repo.CompanyByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("CompanyByID returned error: %v", err)
	}
	if c != nil {
		t.Errorf("expected nil company, got %+v", c)
	}
}

// 空のID集合はクエリを発行せずにnilを返すことを検証
func TestPostgresDirectoryRepo_AssessmentsByIDs_EmptyIDs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDirectoryRepo(db)

	assessments, err := repo.AssessmentsByIDs(context.Background(), nil)
	if err != nil {
		t.Fatalf("AssessmentsByIDs returned error: %v", err)
	}
	if assessments != nil {
		t.Errorf("expected nil, got %+v", assessments)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected query issued: %v", err)
	}
}

// 存在しないIDは結果に含まれないことを検証
func TestPostgresDirectoryRepo_AssessmentsByIDs_SkipsMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresDirectoryRepo(db)

	rows := sqlmock.NewRows([]string{"id", "title"}).
		AddRow("assess-1", "バックエンド基礎")
	mock.ExpectQuery("SELECT id, title FROM company_assessments").WillReturnRows(rows)

	assessments, err := repo.AssessmentsByIDs(context.Background(), []string{"assess-1", "assess-missing"})
	if err != nil {
		t.Fatalf("AssessmentsByIDs returned error: %v", err)
	}
	if len(assessments) != 1 {
		t.Fatalf("len(assessments) = %d, want 1", len(assessments))
	}
	if assessments[0].ID != "assess-1" {
		t.Errorf("ID = %q, want %q", assessments[0].ID, "assess-1")
	}
}
