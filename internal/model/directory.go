// Package model はドメインモデルを定義する。
package model

// Company は招待リンク生成と存在検証に必要な企業情報のみを持つ。
// 企業のCRUD自体はこのサブシステムの範囲外。
type Company struct {
	ID   string
	Name string
	Logo string
}

// Assessment は存在検証と通知メール本文に必要なアセスメント情報のみを持つ。
// アセスメントのCRUD自体はこのサブシステムの範囲外。
type Assessment struct {
	ID    string
	Title string
}
