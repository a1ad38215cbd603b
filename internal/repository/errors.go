package repository

import (
	"errors"

	"github.com/lib/pq"
)

// uniqueViolationCode はPostgreSQLの一意制約違反のSQLSTATE。
const uniqueViolationCode = "23505"

// ErrAlreadySubmitted は提出済みセッションへの再提出で返される。
// Submitの完了遷移が1行も更新しなかった場合に検出される。
var ErrAlreadySubmitted = errors.New("セッションは既に提出済みです")

// IsUniqueViolation はエラーが一意制約違反に起因するかどうかを返す。
// check-then-act競合で後着の書き込みが制約に衝突した場合、
// サービス層はこの判定でConflictエラーに変換する。
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	return false
}
