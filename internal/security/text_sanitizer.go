// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はユーザーが入力した表示名などのプレーンテキストからマークアップを除去する。
// bluemondayのStrictPolicyで全タグを除去し、エスケープされた文字を元に戻して保存する。
// 文字参照で書かれたマークアップも、元に戻した時点で再び除去の対象になる。
// 出力時のエスケープはクライアント側の責務とする。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストのサニタイズ機能を提供する。
// bluemondayのポリシーはスレッドセーフなため並行に利用できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// maxSanitizeRounds は文字参照を展開しながら除去を繰り返す最大回数。
const maxSanitizeRounds = 8

// markupRemover は除去が収束しなかった場合に、タグや文字参照になり得る文字を取り除く。
var markupRemover = strings.NewReplacer("<", "", ">", "", "&", "")

// SanitizeText はタグと制御文字を除去したテキストを返す。
// 除去と文字参照の展開を出力が変わらなくなるまで繰り返すため、
// 戻り値を再度渡しても同じ文字列が返る（冪等）。
func (s *TextSanitizer) SanitizeText(raw string) string {
	text := raw
	for i := 0; i < maxSanitizeRounds; i++ {
		next := s.strip(text)
		if next == text {
			return text
		}
		text = next
	}
	// 多重にエスケープされた入力はタグになり得る文字を残さない
	return markupRemover.Replace(text)
}

// strip はタグを除去し、文字参照を元の文字に戻し、制御文字を取り除く。
func (s *TextSanitizer) strip(text string) string {
	if text == "" {
		return ""
	}
	unescaped := html.UnescapeString(s.policy.Sanitize(text))
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, unescaped)
}
