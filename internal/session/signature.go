package session

import (
	"net/url"
	"strings"
)

// SessionCookieName はログイン状態を示すCookie名。
const SessionCookieName = "sessionid"

var (
	loginMarkers     = []string{"/accounts/login"}
	challengeMarkers = []string{"/challenge", "/two_factor", "/accounts/suspended", "/checkpoint"}
)

// IsLoginURL はURLがログイン画面を指すかを返す。
func IsLoginURL(raw string) bool {
	return pathHasAny(raw, loginMarkers)
}

// IsChallengeURL はURLが本人確認・2段階認証画面を指すかを返す。
func IsChallengeURL(raw string) bool {
	return pathHasAny(raw, challengeMarkers)
}

// IsAuthWall はURLがログインまたは本人確認画面を指すかを返す。
func IsAuthWall(raw string) bool {
	return IsLoginURL(raw) || IsChallengeURL(raw)
}

func pathHasAny(raw string, markers []string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	p = strings.ToLower(p)
	for _, m := range markers {
		if strings.Contains(p, m) {
			return true
		}
	}
	return false
}
