package extract

import (
	"fmt"
	"os"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/titanous/json5"

	"github.com/hitoshi/tagscout/internal/model"
)

// フィールド名。SelectorDriftError.Fieldに入る。
const (
	FieldPostCount   = "post_count"
	FieldRelatedTags = "related_tags"
	FieldTopPosts    = "top_posts"
)

// Locator は1フィールド分のDOMロケータ。
// Containerはページ内でちょうど1要素に一致しなければならない。
// ItemはContainer内の要素を選び、0件でもよい。空の場合はContainer自身を使う。
// Attrが空の場合は要素のテキストを値とする。
type Locator struct {
	Container string `json:"container"`
	Item      string `json:"item,omitempty"`
	Attr      string `json:"attr,omitempty"`
}

// LocatorSet はフィールドごとのロケータの組。ページ構造の変化に合わせて版を上げる。
type LocatorSet struct {
	Version     string  `json:"version"`
	PostCount   Locator `json:"post_count"`
	RelatedTags Locator `json:"related_tags"`
	TopPosts    Locator `json:"top_posts"`
}

// DefaultLocators は組み込みのロケータを返す。
func DefaultLocators() LocatorSet {
	return LocatorSet{
		Version: "2024-06",
		PostCount: Locator{
			Container: "main header",
			Item:      `span:containsOwn("posts"), span:containsOwn("投稿"), span:containsOwn("件")`,
		},
		RelatedTags: Locator{
			Container: "main",
			Item:      `a[href*="/explore/tags/"]`,
			Attr:      "href",
		},
		TopPosts: Locator{
			Container: "main article",
			Item:      `a[href*="/p/"], a[href*="/reel/"]`,
			Attr:      "href",
		},
	}
}

// LoadLocators はJSON5ファイルからロケータを読み込む。
// ファイルで省略したフィールドは組み込みのロケータで補う。
func LoadLocators(path string) (LocatorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return LocatorSet{}, fmt.Errorf("failed to read locators file: %w", err)
	}

	var set LocatorSet
	if err := json5.Unmarshal(data, &set); err != nil {
		return LocatorSet{}, fmt.Errorf("failed to parse locators file: %w", err)
	}

	def := DefaultLocators()
	if set.PostCount.Container == "" {
		set.PostCount = def.PostCount
	}
	if set.RelatedTags.Container == "" {
		set.RelatedTags = def.RelatedTags
	}
	if set.TopPosts.Container == "" {
		set.TopPosts = def.TopPosts
	}
	if set.Version == "" {
		set.Version = def.Version + "+custom"
	}

	if err := set.Validate(); err != nil {
		return LocatorSet{}, err
	}
	return set, nil
}

// Validate は全セレクタがCSSとして解釈できるかを検証する。
func (s LocatorSet) Validate() error {
	for field, l := range s.byField() {
		if l.Container == "" {
			return fmt.Errorf("locator %s: container is empty", field)
		}
		if _, err := cascadia.ParseGroup(l.Container); err != nil {
			return fmt.Errorf("locator %s: invalid container %q: %w", field, l.Container, err)
		}
		if l.Item != "" {
			if _, err := cascadia.ParseGroup(l.Item); err != nil {
				return fmt.Errorf("locator %s: invalid item %q: %w", field, l.Item, err)
			}
		}
	}
	return nil
}

func (s LocatorSet) byField() map[string]Locator {
	return map[string]Locator{
		FieldPostCount:   s.PostCount,
		FieldRelatedTags: s.RelatedTags,
		FieldTopPosts:    s.TopPosts,
	}
}

// container はContainerに一致する唯一の要素を返す。
func (l Locator) container(doc *goquery.Document, field string) (*goquery.Selection, error) {
	sel := doc.Find(l.Container)
	if n := sel.Length(); n != 1 {
		return nil, &model.SelectorDriftError{Field: field, Selector: l.Container, Matches: n}
	}
	return sel, nil
}

// items はコンテナ内の対象要素を返す。
func (l Locator) items(container *goquery.Selection) *goquery.Selection {
	if l.Item == "" {
		return container
	}
	return container.Find(l.Item)
}

// value は要素から値を読み取る。
func (l Locator) value(s *goquery.Selection) (string, bool) {
	if l.Attr == "" {
		return s.Text(), true
	}
	return s.Attr(l.Attr)
}
