package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/examgate/internal/model"
)

// PostgresDirectoryRepo は企業・アセスメントの読み取り専用リポジトリ。
// これらのテーブルのCRUDは別サブシステムが担う。
type PostgresDirectoryRepo struct {
	db *sql.DB
}

// NewPostgresDirectoryRepo はPostgresDirectoryRepoを生成する。
func NewPostgresDirectoryRepo(db *sql.DB) *PostgresDirectoryRepo {
	return &PostgresDirectoryRepo{db: db}
}

// CompanyByID は指定IDの企業を取得する。見つからない場合はnilを返す。
func (r *PostgresDirectoryRepo) CompanyByID(ctx context.Context, id string) (*model.Company, error) {
	c := &model.Company{}
	var logo sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, logo FROM companies WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &logo)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("企業の取得に失敗しました: %w", err)
	}

	c.Logo = logo.String
	return c, nil
}

// AssessmentsByIDs は指定IDのアセスメントを返す。存在しないIDは結果に含まれない。
func (r *PostgresDirectoryRepo) AssessmentsByIDs(ctx context.Context, ids []string) ([]*model.Assessment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title FROM company_assessments WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("アセスメントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var assessments []*model.Assessment
	for rows.Next() {
		a := &model.Assessment{}
		if err := rows.Scan(&a.ID, &a.Title); err != nil {
			return nil, fmt.Errorf("アセスメントの読み取りに失敗しました: %w", err)
		}
		assessments = append(assessments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("アセスメントの走査に失敗しました: %w", err)
	}

	return assessments, nil
}

// compile-time interface check
var _ DirectoryRepository = (*PostgresDirectoryRepo)(nil)
