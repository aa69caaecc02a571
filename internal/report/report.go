// Package report はバッチ結果とスケジュールを端末向けの表に整形する。
package report

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/worker/schedule"
)

const timeLayout = "2006-01-02 15:04:05"

// NewTable はwに出力する表を生成する。
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// Batch はバッチの対象ごとの結果と種別ごとの件数を出力する。
func Batch(w io.Writer, run *model.BatchRun) {
	t := NewTable(w)
	t.SetTitle(fmt.Sprintf("%s (%s)", run.Name, run.ID))
	t.AppendHeader(table.Row{"#", "Hashtag", "Result", "Attempts", "Posts", "Related", "Top", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, WidthMax: 60},
	})
	for i, r := range run.Results {
		res := r.Result
		row := table.Row{i + 1, r.Target.Hashtag, string(res.Kind), res.Attempts, "", "", "", detail(res)}
		if rec := res.Record; rec != nil {
			row[4] = FormatCount(rec.PostCount)
			row[5] = len(rec.RelatedTags)
			row[6] = len(rec.TopPosts)
		}
		t.AppendRow(row)
	}
	t.Render()

	Tally(w, run)
}

// Tally は結果種別ごとの件数と中断理由を出力する。
func Tally(w io.Writer, run *model.BatchRun) {
	t := NewTable(w)
	t.AppendHeader(table.Row{"Result", "Count"})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	for _, kind := range model.ResultKinds {
		if n := run.Tally[kind]; n > 0 {
			t.AppendRow(table.Row{string(kind), n})
		}
	}
	t.AppendFooter(table.Row{"total", len(run.Results)})
	t.Render()

	fmt.Fprintf(w, "成功: %d件, 失敗: %d件, 所要時間: %s\n", run.Succeeded(), run.Failed(), run.Duration().Round(time.Second))
	if run.Halted {
		fmt.Fprintf(w, "中断理由: %s\n", run.HaltReason)
	}
	Guidance(w, run)
}

// Guidance は発生した失敗種別ごとの対処方法を出力する。
func Guidance(w io.Writer, run *model.BatchRun) {
	if run.HaltReason == "auth_required" {
		g := model.AuthRequiredGuidance()
		fmt.Fprintf(w, "[%s] %s %s\n", g.Code, g.Message, g.Action)
		return
	}
	for _, kind := range model.ResultKinds {
		if kind == model.ResultSuccess || run.Tally[kind] == 0 {
			continue
		}
		g := model.GuidanceFor(kind)
		if g.Code == "" {
			continue
		}
		line := fmt.Sprintf("[%s] %s %s", g.Code, g.Message, g.Action)
		if g.Wait > 0 {
			line += fmt.Sprintf(" (推奨待機: %s)", g.Wait)
		}
		fmt.Fprintln(w, line)
	}
}

// Record は1件のレコードを出力する。
func Record(w io.Writer, rec *model.HashtagRecord) {
	t := NewTable(w)
	t.SetTitle("#" + rec.Hashtag)
	t.AppendRows([]table.Row{
		{"URL", rec.URL},
		{"Posts", FormatCount(rec.PostCount)},
		{"Related", strings.Join(rec.RelatedTags, ", ")},
		{"Captured", rec.CapturedAt.Format(timeLayout)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 2, WidthMax: 80}})
	t.Render()

	if len(rec.TopPosts) == 0 {
		return
	}
	posts := NewTable(w)
	posts.AppendHeader(table.Row{"#", "Type", "URL"})
	for i, p := range rec.TopPosts {
		posts.AppendRow(table.Row{i + 1, string(p.MediaType), p.URL})
	}
	posts.Render()
}

// Schedules はジョブと次回実行時刻を出力する。
func Schedules(w io.Writer, upcoming []schedule.Upcoming) {
	t := NewTable(w)
	t.AppendHeader(table.Row{"Job", "Trigger", "Next run", "Targets", "Description"})
	for _, u := range upcoming {
		t.AppendRow(table.Row{
			u.Entry.Name,
			u.Entry.Trigger.String(),
			u.At.Format(timeLayout),
			u.Entry.TargetsFile,
			u.Entry.Description,
		})
	}
	t.Render()
}

// FormatCount は投稿数を3桁区切りで返す。
func FormatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}

func detail(res model.FetchResult) string {
	switch {
	case res.Kind == model.ResultSelectorDrift && res.Field != "":
		return "field=" + res.Field
	case res.Err != "":
		return res.Err
	default:
		return ""
	}
}
