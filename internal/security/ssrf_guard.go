// Package security はアプリケーションのセキュリティ機能を提供する。
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

// allowedSchemes は上流URLとして許可するスキーム。
var allowedSchemes = []string{"http", "https"}

// DefaultUpstreamHosts はSteam関連で許可するホストのサフィックス。
var DefaultUpstreamHosts = []string{
	"steampowered.com",
	"steamcommunity.com",
	"steamstatic.com",
	"akamaihd.net",
}

// blockedNetworks は上流URLとして拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // クラウドメタデータIPを含む
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// UpstreamGuard は上流APIへの通信と上流から受け取ったURLを検証する。
type UpstreamGuard struct {
	allowedHosts []string
}

// NewUpstreamGuard はUpstreamGuardを生成する。hostsが空の場合はDefaultUpstreamHostsを使う。
func NewUpstreamGuard(hosts ...string) *UpstreamGuard {
	if len(hosts) == 0 {
		hosts = DefaultUpstreamHosts
	}
	return &UpstreamGuard{allowedHosts: hosts}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlがDialerでDNS解決後のIPを検証するため、プライベートIPやメタデータIPへの接続は拒否される。
func (g *UpstreamGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateURL はURLの安全性をDNS解決なしで静的に検証する。
// 許可ホスト以外、プライベートIP、localhostは拒否する。
func (g *UpstreamGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return fmt.Errorf("IP address hosts are not allowed: %s", host)
	}

	if host == "localhost" {
		return fmt.Errorf("blocked host: %s", host)
	}

	if !g.isAllowedHost(host) {
		return fmt.Errorf("host not allowed: %s", host)
	}

	return nil
}

// SafeURL は検証に通ったURLをそのまま返し、通らない場合は空文字を返す。
// 上流から受け取ったアバターやプロフィールURLを保存する前に使う。
func (g *UpstreamGuard) SafeURL(rawURL string) string {
	if err := g.ValidateURL(rawURL); err != nil {
		return ""
	}
	return rawURL
}

func (g *UpstreamGuard) isAllowedHost(host string) bool {
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
