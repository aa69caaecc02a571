package model

import (
	"strings"
	"time"
)

const (
	// MaxRelatedTags は関連タグの最大保持数。
	MaxRelatedTags = 30
	// MaxTopPosts はトップ投稿の最大保持数。
	MaxTopPosts = 12
)

// FetchTarget は1件のフェッチ対象を表す。バッチ呼び出し側が生成し、変更しない。
type FetchTarget struct {
	Hashtag string
	// DelayHint はこの対象の直前に待機する時間。0の場合はバッチの遅延ポリシーに従う。
	DelayHint time.Duration
}

// NewFetchTarget はハッシュタグ名を正規化してFetchTargetを生成する。
func NewFetchTarget(hashtag string) FetchTarget {
	return FetchTarget{Hashtag: NormalizeHashtag(hashtag)}
}

// NormalizeHashtag は先頭の#と前後の空白を除去する。
func NormalizeHashtag(tag string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(tag), "#"))
}

// MediaType はトップ投稿のメディア種別。
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaCarousel MediaType = "carousel"
	MediaReel     MediaType = "reel"
)

// TopPost はトップ投稿への参照。
type TopPost struct {
	Shortcode string    `json:"shortcode"`
	URL       string    `json:"url"`
	ImageURL  string    `json:"image_url,omitempty"`
	AltText   string    `json:"alt_text,omitempty"`
	MediaType MediaType `json:"media_type"`
}

// HashtagRecord はハッシュタグページから抽出したレコード。
type HashtagRecord struct {
	Hashtag     string    `json:"hashtag"`
	URL         string    `json:"url"`
	PostCount   int64     `json:"post_count"`
	RelatedTags []string  `json:"related_tags"`
	TopPosts    []TopPost `json:"top_posts"`
	CapturedAt  time.Time `json:"captured_at"`
}
