// Package filestore はバッチの成果を月別ディレクトリにCSV/JSON形式で保存する。
package filestore

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/tagscout/internal/model"
)

const (
	monthLayout     = "2006-01"
	timestampLayout = "20060102_150405"
	displayLayout   = "2006-01-02 15:04:05"
)

// utf8BOM を先頭に付けて表計算ソフトでの文字化けを防ぐ。
const utf8BOM = "\uFEFF"

var recordHeader = []string{
	"hashtag", "url", "post_count", "related_tags_count", "top_posts_count",
	"related_tags", "captured_at", "top_post_urls", "top_post_types",
}

var batchHeader = []string{
	"position", "hashtag", "kind", "success", "attempts", "post_count",
	"related_tags_count", "top_posts_count", "related_tags", "captured_at", "field", "error",
}

// Store はDATA_DIR配下の YYYY-MM ディレクトリにファイルを書き込む。
type Store struct {
	baseDir string
	loc     *time.Location
	logger  *slog.Logger

	mu sync.Mutex
}

// NewStore はStoreを生成する。locがnilの場合はtime.Localで月を決める。
func NewStore(baseDir string, loc *time.Location, logger *slog.Logger) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{baseDir: baseDir, loc: loc, logger: logger}
}

// BaseDir は保存先のルートディレクトリを返す。
func (s *Store) BaseDir() string {
	return s.baseDir
}

// SaveRecord はレコードを <hashtag>_<timestamp>.csv と .json に保存する。
func (s *Store) SaveRecord(ctx context.Context, batchID string, record *model.HashtagRecord) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	captured := record.CapturedAt.In(s.loc)
	dir, err := s.monthDir(captured)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("%s_%s", safeName(record.Hashtag), captured.Format(timestampLayout))

	csvData, err := encodeCSV(recordHeader, [][]string{recordRow(record, s.loc)})
	if err != nil {
		return fmt.Errorf("failed to encode record csv: %w", err)
	}
	doc := recordDocument{
		HashtagRecord:       record,
		BatchID:             batchID,
		CapturedAtFormatted: captured.Format(displayLayout),
	}
	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode record json: %w", err)
	}

	csvPath := filepath.Join(dir, base+".csv")
	jsonPath := filepath.Join(dir, base+".json")
	if err := writeFileAtomic(csvPath, csvData); err != nil {
		return err
	}
	if err := writeFileAtomic(jsonPath, jsonData); err != nil {
		return err
	}

	s.logger.Info("レコードを保存しました",
		slog.String("hashtag", record.Hashtag),
		slog.String("csv", csvPath),
		slog.String("json", jsonPath),
	)
	return nil
}

// SaveBatch はバッチ結果を batch_<name>.csv と .json に保存する。
// 名前が空の場合は開始時刻をファイル名に使う。
func (s *Store) SaveBatch(ctx context.Context, run *model.BatchRun) error {
	if run == nil {
		return errors.New("batch run is nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := run.StartedAt.In(s.loc)
	dir, err := s.monthDir(started)
	if err != nil {
		return err
	}
	name := safeName(run.Name)
	if name == "" {
		name = started.Format(timestampLayout)
	}
	base := "batch_" + name

	rows := make([][]string, 0, len(run.Results))
	for i, r := range run.Results {
		rows = append(rows, batchRow(i, r, s.loc))
	}
	csvData, err := encodeCSV(batchHeader, rows)
	if err != nil {
		return fmt.Errorf("failed to encode batch csv: %w", err)
	}

	doc := batchDocument{
		Info: batchInfo{
			ID:         run.ID,
			Name:       run.Name,
			Total:      len(run.Targets),
			Succeeded:  run.Succeeded(),
			Failed:     run.Failed(),
			Halted:     run.Halted,
			HaltReason: run.HaltReason,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
			SavedAt:    time.Now().In(s.loc).Format(displayLayout),
		},
		Tally:   run.Tally,
		Results: run.Results,
	}
	jsonData, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode batch json: %w", err)
	}

	csvPath := filepath.Join(dir, base+".csv")
	jsonPath := filepath.Join(dir, base+".json")
	if err := writeFileAtomic(csvPath, csvData); err != nil {
		return err
	}
	if err := writeFileAtomic(jsonPath, jsonData); err != nil {
		return err
	}

	s.logger.Info("バッチ結果を保存しました",
		slog.String("batch_id", run.ID),
		slog.Int("results", len(run.Results)),
		slog.String("csv", csvPath),
		slog.String("json", jsonPath),
	)
	return nil
}

// Files は保存済みファイルの一覧。
type Files struct {
	CSV  []string
	JSON []string
}

// ListFiles は保存済みファイルをパス順に返す。monthが空の場合は全月を対象にする。
func (s *Store) ListFiles(month string) (Files, error) {
	var dirs []string
	if month != "" {
		if _, err := time.Parse(monthLayout, month); err != nil {
			return Files{}, fmt.Errorf("invalid month %q: want YYYY-MM", month)
		}
		dirs = []string{filepath.Join(s.baseDir, month)}
	} else {
		entries, err := os.ReadDir(s.baseDir)
		if errors.Is(err, os.ErrNotExist) {
			return Files{}, nil
		}
		if err != nil {
			return Files{}, fmt.Errorf("failed to read data directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(s.baseDir, e.Name()))
			}
		}
	}

	var files Files
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Files{}, fmt.Errorf("failed to read month directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name())
			switch filepath.Ext(e.Name()) {
			case ".csv":
				files.CSV = append(files.CSV, path)
			case ".json":
				files.JSON = append(files.JSON, path)
			}
		}
	}
	sort.Strings(files.CSV)
	sort.Strings(files.JSON)
	return files, nil
}

func (s *Store) monthDir(t time.Time) (string, error) {
	dir := filepath.Join(s.baseDir, t.Format(monthLayout))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create month directory: %w", err)
	}
	return dir, nil
}

type recordDocument struct {
	*model.HashtagRecord

	BatchID             string `json:"batch_id,omitempty"`
	CapturedAtFormatted string `json:"captured_at_formatted"`
}

type batchInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Total      int       `json:"total_hashtags"`
	Succeeded  int       `json:"successful_count"`
	Failed     int       `json:"failed_count"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	SavedAt    string    `json:"saved_at"`
}

type batchDocument struct {
	Info    batchInfo                `json:"batch_info"`
	Tally   map[model.ResultKind]int `json:"tally"`
	Results []model.TargetResult     `json:"results"`
}

func recordRow(r *model.HashtagRecord, loc *time.Location) []string {
	urls := make([]string, 0, len(r.TopPosts))
	types := make([]string, 0, len(r.TopPosts))
	for _, p := range r.TopPosts {
		urls = append(urls, p.URL)
		types = append(types, string(p.MediaType))
	}
	return []string{
		r.Hashtag,
		r.URL,
		strconv.FormatInt(r.PostCount, 10),
		strconv.Itoa(len(r.RelatedTags)),
		strconv.Itoa(len(r.TopPosts)),
		strings.Join(r.RelatedTags, "|"),
		formatTime(r.CapturedAt, loc),
		strings.Join(urls, "|"),
		strings.Join(types, "|"),
	}
}

func batchRow(i int, tr model.TargetResult, loc *time.Location) []string {
	res := tr.Result
	success := "No"
	if res.OK() {
		success = "Yes"
	}
	row := []string{
		strconv.Itoa(i + 1),
		tr.Target.Hashtag,
		string(res.Kind),
		success,
		strconv.Itoa(res.Attempts),
		"", "", "", "", "",
		res.Field,
		res.Err,
	}
	if rec := res.Record; rec != nil {
		row[5] = strconv.FormatInt(rec.PostCount, 10)
		row[6] = strconv.Itoa(len(rec.RelatedTags))
		row[7] = strconv.Itoa(len(rec.TopPosts))
		row[8] = strings.Join(rec.RelatedTags, "|")
		row[9] = formatTime(rec.CapturedAt, loc)
	}
	return row
}

func formatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	return t.In(loc).Format(displayLayout)
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(utf8BOM)
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// safeName はファイル名に使えない文字を _ に置き換える。
func safeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
}

// writeFileAtomic は一時ファイルに書き込んでから置き換える。
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tagscout-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// PruneBefore はbeforeの月より前の月ディレクトリを削除し、削除したディレクトリ数を返す。
// YYYY-MM 形式でないディレクトリには触れない。
func (s *Store) PruneBefore(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read data directory: %w", err)
	}

	limit := before.In(s.loc).Format(monthLayout)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(monthLayout, e.Name()); err != nil {
			continue
		}
		if e.Name() >= limit {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.baseDir, e.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
