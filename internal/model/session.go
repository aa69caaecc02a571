package model

import "time"

// Cookie はブラウザCookieの永続化形式。
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // UNIX秒。0またはマイナスはセッションCookie
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionToken は認証済みブラウザ状態のスナップショット。
// 有効期限はリモート側で決まり、こちらからは知り得ない。
type SessionToken struct {
	Cookies []Cookie  `json:"cookies"`
	SavedAt time.Time `json:"saved_at"`
	URL     string    `json:"url"`
}

// Cookie は指定名のCookieを返す。
func (t *SessionToken) Cookie(name string) (Cookie, bool) {
	if t == nil {
		return Cookie{}, false
	}
	for _, c := range t.Cookies {
		if c.Name == name {
			return c, true
		}
	}
	return Cookie{}, false
}

// Age はトークン保存からの経過時間を返す。
func (t *SessionToken) Age(now time.Time) time.Duration {
	return now.Sub(t.SavedAt)
}
