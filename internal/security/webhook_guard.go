// Package security は通知Webhookの配信先検証を提供する。
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

// blockedCIDRs はWebhookの配信先として許可しないネットワーク範囲。
// クラウドメタデータIP (169.254.169.254) はリンクローカルに含まれる。
var blockedCIDRs = []string{
	// プライベートIPアドレス (RFC 1918)
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	// ループバック (RFC 1122)
	"127.0.0.0/8",
	// リンクローカル (RFC 3927)
	"169.254.0.0/16",
	// カレントネットワーク
	"0.0.0.0/8",
	// IPv6ループバック
	"::1/128",
	// IPv6リンクローカル
	"fe80::/10",
	// IPv6ユニークローカル
	"fc00::/7",
}

// WebhookGuard はWebhook配信先のSSRF検証を担う。
// 検証は2段構えで行う。ValidateEndpointは設定読み込み時にURLを静的に
// 検証し、NewClientが返すクライアントはsafeurlのDialer検証により
// DNS解決後のIPアドレスを接続のたびに検証する。後者があるため
// DNS再バインディング攻撃にも対応している。
type WebhookGuard struct {
	blocked []net.IPNet
}

// NewWebhookGuard は新しいWebhookGuardを生成する。
func NewWebhookGuard() *WebhookGuard {
	g := &WebhookGuard{}
	for _, cidr := range blockedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedCIDRs: %s: %v", cidr, err))
		}
		g.blocked = append(g.blocked, *network)
	}
	return g
}

// NewClient はWebhook配信用のHTTPクライアントを生成する。
// safeurlによりプライベートIP、ループバック、リンクローカル、
// メタデータIPへのリクエストが接続時にブロックされる。
func (g *WebhookGuard) NewClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateEndpoint は設定されたWebhook URLを静的に検証する。
// DNS解決は行わないため、ホスト名が危険なIPへ解決されるケースは
// NewClientが生成するクライアント側のDialer検証で防止される。
func (g *WebhookGuard) ValidateEndpoint(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty webhook URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %s (allowed: http, https)", scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in webhook URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if g.isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func (g *WebhookGuard) isBlockedIP(ip net.IP) bool {
	for _, network := range g.blocked {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
