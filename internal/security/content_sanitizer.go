// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizer はユーザーが登録時に送信した表示名からマークアップを除去する。
// 表示名はフロントエンドでそのまま描画されるため、保存前にタグを取り除く。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNameLength は表示名の最大文字数（rune単位）。
const MaxNameLength = 100

// NameSanitizer は表示名のサニタイズ機能のインターフェース。
type NameSanitizer interface {
	// SanitizeName はタグを除去し、連続する空白を1つにまとめた表示名を返す。
	// 結果が空文字列の場合、入力は表示名として使用できない。
	SanitizeName(raw string) string
}

// nameSanitizer はNameSanitizerの実装。
// bluemondayのポリシーはスレッドセーフであり、共有して使用できる。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はbluemondayのStrictPolicy（全タグ除去）を使用するNameSanitizerを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// SanitizeName はタグを除去した表示名を返す。
// StrictPolicyは"&"などをエスケープするため、保存用に平文へ戻す。
// 戻した結果に山括弧が残る場合は取り除く。
func (s *nameSanitizer) SanitizeName(raw string) string {
	cleaned := html.UnescapeString(s.policy.Sanitize(raw))
	cleaned = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>':
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	if runes := []rune(cleaned); len(runes) > MaxNameLength {
		cleaned = string(runes[:MaxNameLength])
	}
	return cleaned
}
