// Package targets はハッシュタグ一覧ファイル（CSV）を読み込む。
//
// 1列目がハッシュタグ（先頭の#は除去）、任意の2列目が直前の待機秒数。
// 1行目が見出し行（hashtag, tag など）の場合は読み飛ばす。
package targets

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

// maxDelayHint は対象ごとに指定できる待機時間の上限。
const maxDelayHint = time.Hour

var headerNames = map[string]bool{
	"hashtag":  true,
	"hashtags": true,
	"tag":      true,
	"tags":     true,
	"name":     true,
	"ハッシュタグ":   true,
	"タグ":       true,
}

// LoadFile はファイルから取得対象を読み込む。
func LoadFile(path string) ([]model.FetchTarget, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tags file: %w", err)
	}
	defer f.Close()

	targets, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return targets, nil
}

// Read はCSVから取得対象を読み込む。空行と空のハッシュタグは無視し、
// 大文字小文字を区別せず重複したハッシュタグは最初の1件のみ残す。
func Read(r io.Reader) ([]model.FetchTarget, error) {
	cr := csv.NewReader(stripBOM(r))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var targets []model.FetchTarget
	seen := make(map[string]bool)
	first := true

	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse tags: %w", err)
		}
		if len(record) == 0 {
			continue
		}

		if first {
			first = false
			if headerNames[strings.ToLower(strings.TrimSpace(record[0]))] {
				continue
			}
		}

		tag := model.NormalizeHashtag(record[0])
		if tag == "" {
			continue
		}
		key := strings.ToLower(tag)
		if seen[key] {
			continue
		}

		target := model.FetchTarget{Hashtag: tag}
		if len(record) > 1 {
			if s := strings.TrimSpace(record[1]); s != "" {
				line, _ := cr.FieldPos(1)
				secs, err := strconv.ParseFloat(s, 64)
				if err != nil || math.IsNaN(secs) || secs < 0 || secs > maxDelayHint.Seconds() {
					return nil, fmt.Errorf("line %d: invalid delay %q (0 to %v)", line, s, maxDelayHint)
				}
				target.DelayHint = time.Duration(secs * float64(time.Second))
			}
		}

		seen[key] = true
		targets = append(targets, target)
	}
	return targets, nil
}

// Write は取得対象をCSVとして書き出す。見出し行を含む。
func Write(w io.Writer, targets []model.FetchTarget) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"hashtag", "delay_seconds"}); err != nil {
		return err
	}
	for _, t := range targets {
		delay := ""
		if t.DelayHint > 0 {
			delay = strconv.FormatFloat(t.DelayHint.Seconds(), 'f', -1, 64)
		}
		if err := cw.Write([]string{t.Hashtag, delay}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	ch, _, err := br.ReadRune()
	if err != nil {
		return br
	}
	if ch != '\uFEFF' {
		_ = br.UnreadRune()
	}
	return br
}
