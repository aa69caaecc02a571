// Package extract はハッシュタグページから構造化データを抽出する。
// フィールドごとにロケータを持ち、ページ構造の変化はSelectorDriftErrorとして
// フィールド名付きで報告する。ゼロ値のレコードで成功扱いにすることはない。
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/tagscout/internal/browser"
	"github.com/hitoshi/tagscout/internal/model"
	"github.com/hitoshi/tagscout/internal/security"
)

// defaultAltText は代替テキスト未設定時に付く既定値。
const defaultAltText = "Instagram"

// Options はEngineの設定。
type Options struct {
	BaseURL  string
	Settle   time.Duration // 遷移後にレンダリングを待つ時間
	Locators LocatorSet
	Now      func() time.Time
}

// Engine はページ遷移と抽出を行う。
type Engine struct {
	baseURL   string
	settle    time.Duration
	locators  LocatorSet
	sanitizer *security.TextSanitizer
	clock     *Clock
	logger    *slog.Logger
}

// NewEngine は新しいEngineを生成する。Locatorsが空の場合は組み込みのロケータを使う。
func NewEngine(logger *slog.Logger, opts Options) *Engine {
	locators := opts.Locators
	if locators.PostCount.Container == "" {
		locators = DefaultLocators()
	}
	return &Engine{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		settle:    opts.Settle,
		locators:  locators,
		sanitizer: security.NewTextSanitizer(),
		clock:     NewClock(opts.Now),
		logger:    logger,
	}
}

// Locators は使用中のロケータを返す。
func (e *Engine) Locators() LocatorSet {
	return e.locators
}

// TargetURL はハッシュタグページのURLを返す。
func (e *Engine) TargetURL(hashtag string) string {
	return e.baseURL + "/explore/tags/" + url.PathEscape(hashtag) + "/"
}

// Extract はハッシュタグページを開いてレコードを抽出する。
// 失敗時は ErrSessionExpired, ErrNotFound, *ThrottledError, *SelectorDriftError、
// またはそれ以外の一時的なエラーを返す。
// 遷移を開始した後は呼び出し元のキャンセルで中断せず、ページ操作のタイムアウトまで待つ。
func (e *Engine) Extract(ctx context.Context, page browser.Page, target model.FetchTarget) (*model.HashtagRecord, error) {
	if target.Hashtag == "" {
		return nil, fmt.Errorf("%w: empty hashtag", model.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	targetURL := e.TargetURL(target.Hashtag)
	opCtx := context.WithoutCancel(ctx)

	resp, err := page.Navigate(opCtx, targetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to navigate: %w", err)
	}

	e.waitSettle(ctx)

	loc, err := page.Location(opCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read location: %w", err)
	}
	html, err := page.HTML(opCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page: %w", err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err := classifyPage(status, loc, doc); err != nil {
		return nil, err
	}

	record, err := e.extractFields(doc, target.Hashtag)
	if err != nil {
		var drift *model.SelectorDriftError
		if errors.As(err, &drift) {
			e.logger.Warn("ページ構造が変化しています",
				slog.String("hashtag", target.Hashtag),
				slog.String("field", drift.Field),
				slog.String("selector", drift.Selector),
				slog.Int("matches", drift.Matches),
				slog.String("locators", e.locators.Version),
			)
		}
		return nil, err
	}

	record.URL = targetURL
	record.CapturedAt = e.clock.Now()
	return record, nil
}

// waitSettle はレンダリング待ちを行う。キャンセル時は待機を打ち切る。
func (e *Engine) waitSettle(ctx context.Context) {
	if e.settle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.settle):
	}
}

// ExtractHTML はレンダリング済みHTMLからフィールドを抽出する。
// ページ状態の判定は行わない。
func (e *Engine) ExtractHTML(html, hashtag string) (*model.HashtagRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}
	return e.extractFields(doc, hashtag)
}

func (e *Engine) extractFields(doc *goquery.Document, hashtag string) (*model.HashtagRecord, error) {
	count, err := e.postCount(doc)
	if err != nil {
		return nil, err
	}
	related, err := e.relatedTags(doc, hashtag)
	if err != nil {
		return nil, err
	}
	posts, err := e.topPosts(doc)
	if err != nil {
		return nil, err
	}
	return &model.HashtagRecord{
		Hashtag:     hashtag,
		PostCount:   count,
		RelatedTags: related,
		TopPosts:    posts,
	}, nil
}

func (e *Engine) postCount(doc *goquery.Document) (int64, error) {
	l := e.locators.PostCount
	c, err := l.container(doc, FieldPostCount)
	if err != nil {
		return 0, err
	}

	items := l.items(c)
	if items.Length() == 0 {
		return 0, &model.SelectorDriftError{Field: FieldPostCount, Selector: l.Item, Reason: "投稿数の要素がありません"}
	}
	raw, ok := l.value(items.First())
	if !ok {
		return 0, &model.SelectorDriftError{Field: FieldPostCount, Selector: l.Item, Matches: items.Length(), Reason: "属性がありません: " + l.Attr}
	}

	n, err := ParseCount(raw)
	if err != nil {
		return 0, &model.SelectorDriftError{Field: FieldPostCount, Selector: l.Item, Matches: items.Length(), Reason: err.Error()}
	}
	return n, nil
}

func (e *Engine) relatedTags(doc *goquery.Document, hashtag string) ([]string, error) {
	l := e.locators.RelatedTags
	c, err := l.container(doc, FieldRelatedTags)
	if err != nil {
		return nil, err
	}

	self := strings.ToLower(hashtag)
	seen := map[string]bool{self: true}
	tags := []string{}

	l.items(c).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := l.value(s)
		if !ok {
			return true
		}
		tag := tagFromValue(raw)
		key := strings.ToLower(tag)
		if tag == "" || seen[key] {
			return true
		}
		seen[key] = true
		tags = append(tags, tag)
		return len(tags) < model.MaxRelatedTags
	})
	return tags, nil
}

// tagFromValue は"/explore/tags/{tag}/"形式のリンク、または"#tag"形式のテキストからタグ名を取り出す。
func tagFromValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && strings.Contains(u.Path, "/explore/tags/") {
		_, rest, _ := strings.Cut(u.Path, "/explore/tags/")
		name, _, _ := strings.Cut(rest, "/")
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		return model.NormalizeHashtag(name)
	}
	return model.NormalizeHashtag(raw)
}

func (e *Engine) topPosts(doc *goquery.Document) ([]model.TopPost, error) {
	l := e.locators.TopPosts
	c, err := l.container(doc, FieldTopPosts)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	posts := []model.TopPost{}

	l.items(c).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw, ok := l.value(s)
		if !ok {
			return true
		}
		post, ok := e.topPost(s, raw)
		if !ok || seen[post.Shortcode] {
			return true
		}
		seen[post.Shortcode] = true
		posts = append(posts, post)
		return len(posts) < model.MaxTopPosts
	})
	return posts, nil
}

func (e *Engine) topPost(s *goquery.Selection, href string) (model.TopPost, bool) {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return model.TopPost{}, false
	}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(segments) < 2 || (segments[0] != "p" && segments[0] != "reel") {
		return model.TopPost{}, false
	}
	kind, code := segments[0], segments[1]

	post := model.TopPost{
		Shortcode: code,
		URL:       e.baseURL + "/" + kind + "/" + code + "/",
		MediaType: mediaType(s, kind),
	}
	if img := s.Find("img").First(); img.Length() > 0 {
		if src, ok := img.Attr("src"); ok {
			post.ImageURL = e.sanitizer.ImageURL(src)
		}
		if alt, ok := img.Attr("alt"); ok {
			if text := e.sanitizer.Text(alt); text != defaultAltText {
				post.AltText = text
			}
		}
	}
	return post, true
}

// mediaType はaria-labelの表示からメディア種別を判定する。
func mediaType(s *goquery.Selection, kind string) model.MediaType {
	if kind == "reel" {
		return model.MediaReel
	}
	var labels []string
	s.Find("[aria-label]").Each(func(_ int, l *goquery.Selection) {
		v, _ := l.Attr("aria-label")
		labels = append(labels, strings.ToLower(v))
	})
	joined := strings.Join(labels, " ")

	switch {
	case containsAny(joined, []string{"video", "動画"}):
		return model.MediaVideo
	case containsAny(joined, []string{"carousel", "album", "カルーセル"}):
		return model.MediaCarousel
	case containsAny(joined, []string{"reel", "リール"}):
		return model.MediaReel
	default:
		return model.MediaImage
	}
}
