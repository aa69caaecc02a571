package browser

import (
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/tagscout/internal/model"
)

func TestFromNetworkCookies_ConvertsFields(t *testing.T) {
	in := []*network.Cookie{
		{
			Name:     "sessionid",
			Value:    "abc",
			Domain:   ".instagram.com",
			Path:     "/",
			Expires:  1767225600,
			HTTPOnly: true,
			Secure:   true,
			SameSite: network.CookieSameSiteLax,
		},
		nil,
	}

	got := FromNetworkCookies(in)
	want := []model.Cookie{{
		Name:     "sessionid",
		Value:    "abc",
		Domain:   ".instagram.com",
		Path:     "/",
		Expires:  1767225600,
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromNetworkCookies mismatch (-want +got):\n%s", diff)
	}
}

func TestToCookieParams_SessionCookieHasNoExpiry(t *testing.T) {
	params := ToCookieParams([]model.Cookie{{Name: "csrftoken", Value: "x", Domain: ".instagram.com", Path: "/"}})

	if len(params) != 1 {
		t.Fatalf("len = %d, want 1", len(params))
	}
	if params[0].Expires != nil {
		t.Error("session cookie should not carry Expires")
	}
	if params[0].SameSite != "" {
		t.Errorf("SameSite = %q, want empty", params[0].SameSite)
	}
}

func TestToCookieParams_PreservesExpiry(t *testing.T) {
	params := ToCookieParams([]model.Cookie{{Name: "sessionid", Value: "v", Expires: 1767225600.5, SameSite: "None"}})

	if params[0].Expires == nil {
		t.Fatal("Expires should be set")
	}
	got := time.Time(*params[0].Expires)
	want := time.Unix(1767225600, 500000000)
	if !got.Equal(want) {
		t.Errorf("Expires = %v, want %v", got, want)
	}
	if params[0].SameSite != network.CookieSameSiteNone {
		t.Errorf("SameSite = %q, want None", params[0].SameSite)
	}
}

func TestRoundTrip_KeepsIdentity(t *testing.T) {
	original := []model.Cookie{{Name: "ds_user_id", Value: "42", Domain: ".instagram.com", Path: "/", Secure: true}}

	params := ToCookieParams(original)
	back := FromNetworkCookies([]*network.Cookie{{
		Name:   params[0].Name,
		Value:  params[0].Value,
		Domain: params[0].Domain,
		Path:   params[0].Path,
		Secure: params[0].Secure,
	}})
	if diff := cmp.Diff(original, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocatorOptions_AddsOptionalFlags(t *testing.T) {
	base := AllocatorOptions(LaunchOptions{Headless: true})
	full := AllocatorOptions(LaunchOptions{Headless: false, UserAgent: "ua", ChromePath: "/usr/bin/chromium"})

	if len(full) != len(base)+2 {
		t.Errorf("len(full) = %d, want %d", len(full), len(base)+2)
	}
	if len(base) <= len(chromedp.DefaultExecAllocatorOptions) {
		t.Error("allocator options should extend the chromedp defaults")
	}
}
