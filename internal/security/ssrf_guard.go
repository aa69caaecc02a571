package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookGuard は通知Webhookの送信先を検証する。
// 設定ミスやDNS書き換えでクラウドメタデータや社内ネットワークへ送信しないようにする。
type WebhookGuard struct {
	schemes []string
	ports   []uint16
}

// blockedNetworks は静的検証で拒否するアドレス範囲。
// 名前解決後のアドレスはsafeurlのDialerが検証する。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16", // メタデータIPを含む
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// NewWebhookGuard はhttp/httpsの標準ポートのみ許可するWebhookGuardを生成する。
func NewWebhookGuard() *WebhookGuard {
	return &WebhookGuard{
		schemes: []string{"http", "https"},
		ports:   []uint16{80, 443},
	}
}

// NewClient は名前解決後のアドレスも検証するHTTPクライアントを返す。
func (g *WebhookGuard) NewClient(timeout time.Duration) *http.Client {
	ports := make([]int, 0, len(g.ports))
	for _, p := range g.ports {
		ports = append(ports, int(p))
	}
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(ports...).
		Build()
	return safeurl.Client(config).Client
}

// Validate は送信前にURLを静的に検証する。
func (g *WebhookGuard) Validate(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return fmt.Errorf("webhook URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if !g.schemeAllowed(u.Scheme) {
		return fmt.Errorf("webhook scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	switch {
	case host == "":
		return fmt.Errorf("webhook URL has no host")
	case strings.EqualFold(host, "localhost"):
		return fmt.Errorf("webhook host %s is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, n := range blockedNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("webhook address %s is in a blocked range", ip)
			}
		}
	}
	return nil
}

func (g *WebhookGuard) schemeAllowed(scheme string) bool {
	for _, s := range g.schemes {
		if strings.EqualFold(s, scheme) {
			return true
		}
	}
	return false
}
