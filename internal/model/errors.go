// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// セッション層のエラー。
var (
	// ErrAuthRequired は保存済みトークンから有効なセッションを確立できないことを示す。
	// 対話的ログインが必要であり、自動再ログインは行わない。
	ErrAuthRequired = errors.New("認証が必要です")
	// ErrAuthAbandoned はオペレーターが対話的ログインを中断したことを示す。
	ErrAuthAbandoned = errors.New("ログインが中断されました")
)

// フェッチ層のエラー。
var (
	// ErrSessionExpired はページがログイン画面へリダイレクトされたことを示す。
	ErrSessionExpired = errors.New("ログインセッションが切れています")
	// ErrNotFound はハッシュタグページが存在しないことを示す。
	ErrNotFound = errors.New("ハッシュタグページが見つかりません")
)

// SelectorDriftError はフィールドのロケータがページ構造と一致しなくなったことを表す。
// 0件または想定外の複数件にマッチした場合、もしくは値を解釈できなかった場合に返す。
type SelectorDriftError struct {
	Field    string // フィールド名（post_count, related_tags, top_posts）
	Selector string // 使用したロケータ
	Matches  int    // マッチした要素数
	Reason   string
}

// Error はerrorインターフェースを実装する。
func (e *SelectorDriftError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("セレクタ不一致: %s (%s): %s", e.Field, e.Selector, e.Reason)
	}
	return fmt.Sprintf("セレクタ不一致: %s (%s): %d件マッチ", e.Field, e.Selector, e.Matches)
}

// ThrottledError はリモートサービスによるレート制限・ブロックの兆候を表す。
type ThrottledError struct {
	Signal     string // 検知したシグネチャ（例: "http_429", "rate_limit_text"）
	StatusCode int
}

// Error はerrorインターフェースを実装する。
func (e *ThrottledError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("レート制限を検知しました: %s (HTTP %d)", e.Signal, e.StatusCode)
	}
	return fmt.Sprintf("レート制限を検知しました: %s", e.Signal)
}

// Guidance は結果種別ごとのオペレーター向け対処方法。
// UIに表示する原因カテゴリと対処方法を含む。
type Guidance struct {
	Code     string        // エラーコード
	Message  string        // エラーメッセージ
	Category string        // カテゴリ: auth, throttle, structure, target, system
	Action   string        // オペレーター向け対処方法
	Wait     time.Duration // 再試行前に推奨される待機時間
	Retry    bool          // 再試行が推奨されるか
}

// 定義済みエラーコード
const (
	ErrCodeAuthRequired   = "AUTH_REQUIRED"
	ErrCodeSessionExpired = "SESSION_EXPIRED"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeSelectorDrift  = "SELECTOR_DRIFT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeTransient      = "TRANSIENT_ERROR"
	ErrCodeSkipped        = "SKIPPED"
	ErrCodeCancelled      = "CANCELLED"
)

// GuidanceFor は結果種別に応じた対処方法を返す。成功の場合はゼロ値を返す。
func GuidanceFor(kind ResultKind) Guidance {
	switch kind {
	case ResultSessionExpired:
		return Guidance{
			Code:     ErrCodeSessionExpired,
			Message:  "ログインセッションが切れています。",
			Category: "auth",
			Action:   "tagscout login を実行して再ログインしてください。",
		}
	case ResultRateLimited:
		return Guidance{
			Code:     ErrCodeRateLimited,
			Message:  "レート制限に達しました。",
			Category: "throttle",
			Action:   "リクエスト間隔を広げてから再試行してください。",
			Wait:     5 * time.Minute,
			Retry:    true,
		}
	case ResultSelectorDrift:
		return Guidance{
			Code:     ErrCodeSelectorDrift,
			Message:  "ページ構造が変更されました。",
			Category: "structure",
			Action:   "ロケータ定義ファイルを更新してください。",
		}
	case ResultNotFound:
		return Guidance{
			Code:     ErrCodeNotFound,
			Message:  "ハッシュタグページが存在しません。",
			Category: "target",
			Action:   "ハッシュタグの綴りを確認してください。",
		}
	case ResultTransientError:
		return Guidance{
			Code:     ErrCodeTransient,
			Message:  "一時的なエラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
			Wait:     time.Minute,
			Retry:    true,
		}
	case ResultSkipped:
		return Guidance{
			Code:     ErrCodeSkipped,
			Message:  "バッチが中断されたため取得しませんでした。",
			Category: "system",
			Action:   "中断理由を解消してから再実行してください。",
			Retry:    true,
		}
	case ResultCancelled:
		return Guidance{
			Code:     ErrCodeCancelled,
			Message:  "オペレーターにより中止されました。",
			Category: "system",
			Action:   "必要に応じて再実行してください。",
			Retry:    true,
		}
	default:
		return Guidance{}
	}
}

// AuthRequiredGuidance はセッション確立失敗時の対処方法を返す。
func AuthRequiredGuidance() Guidance {
	return Guidance{
		Code:     ErrCodeAuthRequired,
		Message:  "保存済みのログイン情報が無効です。",
		Category: "auth",
		Action:   "tagscout login を実行して手動でログインしてください（2段階認証を含む）。",
	}
}
