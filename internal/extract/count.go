package extract

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnparseableCount は投稿数表記を数値に変換できないことを示す。
var ErrUnparseableCount = errors.New("投稿数を解釈できません")

// countPattern はカンマまたは空白で3桁区切りした整数、あるいは小数と単位の組に一致する。
// 空白区切りは通常の空白・NBSP・狭いNBSP（仏語・露語などの表記）を受け付ける。
var countPattern = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d{1,3}(?:[ \x{00A0}\x{202F}]\d{3})+|\d+(?:\.\d+)?)\s?(?:([KkMmBb])\b|([千万億]))?`)

// countKeywords は投稿数の直後に現れる語。複数の数値があればこれに続くものを優先する。
var countKeywords = []string{"post", "投稿", "件"}

var countScales = map[string]int64{
	"k": 1_000,
	"m": 1_000_000,
	"b": 1_000_000_000,
	"千": 1_000,
	"万": 10_000,
	"億": 100_000_000,
}

// ParseCount は表示用の投稿数表記を整数に変換する。
//
//	"1,234"       -> 1234
//	"500K"        -> 500000
//	"1.2M"        -> 1200000
//	"1.2万"        -> 12000
//	"1,234 posts" -> 1234
//
// 小数は10進の桁のまま計算し、単位倍した結果の端数は切り捨てる。
// 単位のない小数や負数はエラーとする。
func ParseCount(text string) (int64, error) {
	s := strings.TrimSpace(text)
	matches := countPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnparseableCount, text)
	}

	m := matches[0]
	for _, cand := range matches {
		if followedByKeyword(s[cand[1]:]) {
			m = cand
			break
		}
	}

	if m[0] > 0 && s[m[0]-1] == '-' {
		return 0, fmt.Errorf("%w: negative value %q", ErrUnparseableCount, text)
	}
	if !delimited(s, m[0], m[1]) {
		return 0, fmt.Errorf("%w: malformed digit grouping %q", ErrUnparseableCount, text)
	}

	number := stripSeparators(s[m[2]:m[3]])
	unit := ""
	switch {
	case m[4] >= 0:
		unit = strings.ToLower(s[m[4]:m[5]])
	case m[6] >= 0:
		unit = s[m[6]:m[7]]
	}

	n, err := scaleDecimal(number, unit)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrUnparseableCount, text, err)
	}
	return n, nil
}

// delimited は s[start:end] の数値が前後の数字と連続していないことを確かめる。
// "1,2345" や "12,34" のように区切りの崩れた表記の一部だけを拾わないため、
// 直前直後が数字、または区切り文字を挟んで数字が続く場合は false を返す。
// 直前の空白については、その前の数字が "#cats2024" のように語の一部なら区切りとみなさない。
func delimited(s string, start, end int) bool {
	if start > 0 {
		r, size := utf8.DecodeLastRuneInString(s[:start])
		switch {
		case isDigit(r):
			return false
		case r == ',' || r == '.':
			if p, _ := utf8.DecodeLastRuneInString(s[:start-size]); isDigit(p) {
				return false
			}
		case isGroupSpace(r):
			if standaloneNumberAtEnd(s[:start-size]) {
				return false
			}
		}
	}
	if end < len(s) {
		r, size := utf8.DecodeRuneInString(s[end:])
		if isDigit(r) {
			return false
		}
		if r == ',' || r == '.' || isGroupSpace(r) {
			if n, _ := utf8.DecodeRuneInString(s[end+size:]); isDigit(n) {
				return false
			}
		}
	}
	return true
}

// standaloneNumberAtEnd は prefix が語に属さない数字列で終わるかを返す。
func standaloneNumberAtEnd(prefix string) bool {
	trimmed := strings.TrimRightFunc(prefix, isDigit)
	if len(trimmed) == len(prefix) {
		return false
	}
	if trimmed == "" {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	return !(unicode.IsLetter(r) || r == '#' || r == '_')
}

func isGroupSpace(r rune) bool {
	return r == ' ' || r == '\u00A0' || r == '\u202F'
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// stripSeparators は桁区切りのカンマと空白を取り除く。小数点は残す。
func stripSeparators(number string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ',', ' ', '\u00A0', '\u202F':
			return -1
		}
		return r
	}, number)
}

func followedByKeyword(rest string) bool {
	rest = strings.ToLower(strings.TrimSpace(rest))
	for _, kw := range countKeywords {
		if strings.HasPrefix(rest, kw) {
			return true
		}
	}
	return false
}

// scaleDecimal は"12.5"のような10進表記に単位を掛けた整数を返す。
func scaleDecimal(number, unit string) (int64, error) {
	intPart, fracPart, hasFrac := strings.Cut(number, ".")

	scale := int64(1)
	if unit != "" {
		s, ok := countScales[unit]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", unit)
		}
		scale = s
	}
	if hasFrac && unit == "" {
		return 0, errors.New("fractional count without unit")
	}

	digits := intPart + fracPart
	if len(digits) > 18 {
		return 0, errors.New("too many digits")
	}
	mantissa, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if mantissa > math.MaxInt64/scale {
		return 0, errors.New("count overflows int64")
	}

	divisor := int64(1)
	for range len(fracPart) {
		divisor *= 10
	}
	return mantissa * scale / divisor, nil
}
