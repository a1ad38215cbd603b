// Package token は招待トークンと企業スラッグの生成を提供する。
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
)

// tokenBytes は招待トークンの乱数長。base64url化で43文字になる。
const tokenBytes = 32

// NewInvitationToken は推測不可能な招待トークンを生成する。
// CSPRNGから取得した乱数をURLセーフなbase64（パディングなし）で符号化する。
func NewInvitationToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("招待トークンの生成に失敗しました: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

var (
	slugStripRe    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapseRe = regexp.MustCompile(`[\s_]+`)
	slugTrimRe     = regexp.MustCompile(`^-+|-+$`)
)

// CompanySlug は企業名からURLセーフなスラッグを生成する。
// 小文字化し、特殊文字を除去し、空白とアンダースコアの連続を
// 1つのハイフンに畳み込み、先頭と末尾のハイフンを取り除く。
func CompanySlug(companyName string) string {
	s := strings.ToLower(strings.TrimSpace(companyName))
	s = slugStripRe.ReplaceAllString(s, "")
	s = slugCollapseRe.ReplaceAllString(s, "-")
	return slugTrimRe.ReplaceAllString(s, "")
}

// InvitationLink は招待リンクを組み立てる。
// 形式: {baseUrl}/{companySlug}/assessment/invite/{token}
func InvitationLink(baseURL, companySlug, invitationToken string) string {
	return fmt.Sprintf("%s/%s/assessment/invite/%s",
		strings.TrimRight(baseURL, "/"), companySlug, invitationToken)
}
