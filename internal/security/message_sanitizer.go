// Package security はアプリケーションのセキュリティ機能を提供する。
//
// MessageSanitizerService は招待に添えるカスタムメッセージをサニタイズし、
// 通知ペイロードやメールテンプレートへXSSが混入することを防ぐ。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// MessageSanitizerService はカスタムメッセージのサニタイズ機能のインターフェースを定義する。
// 招待の作成・再送で通知イベントを組み立てる前に使用される。
type MessageSanitizerService interface {
	// Sanitize はメッセージをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, ul, ol, li, strong, em, a）のみを通過させ、
	// script, iframe, styleタグおよびon*イベント属性を除去する。
	// aタグにはtarget="_blank"とrel="noopener noreferrer"が自動付与される。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// messageSanitizer はMessageSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type messageSanitizer struct {
	policy *bluemonday.Policy
}

var _ MessageSanitizerService = (*messageSanitizer)(nil)

// NewMessageSanitizer はMessageSanitizerServiceの新しいインスタンスを生成する。
// 初期化時にbluemondayのカスタムポリシーを構築する。
// ポリシーの内容:
//   - 許可タグ: p, br, ul, ol, li, strong, em, a
//   - 禁止タグ: script, iframe, style および全てのon*イベント属性
//   - aタグ: 絶対URLのみ、target="_blank" と rel="noreferrer noopener" を強制付与
func NewMessageSanitizer() *messageSanitizer {
	p := bluemonday.NewPolicy()

	// 許可リストに含めないタグは自動的に除去される。
	// on*イベント属性はbluemondayのデフォルトで許可されない。
	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"strong", "em",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &messageSanitizer{policy: p}
}

// Sanitize はメッセージをサニタイズして安全なHTMLを返す。
func (s *messageSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	return s.policy.Sanitize(raw)
}
