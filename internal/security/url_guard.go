// Package security はアプリケーションのセキュリティ機能を提供する。
//
// URLGuardService は2方向のURL検証を担う。
// 外向き: フィードやハブへのリクエストがプライベートネットワークに
// 到達しないことを保証する（SSRF防止）。
// 内向き: WebSubコールバックの公開ベースURLがハブからルーティング可能な
// 公開アドレスであることを保証する。プライベート/ループバック/`.local`の
// ホストを受け付けると、ハブがコールバックできず更新されないポーリングに
// 静かに退化してしまう。
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

// URLGuardService はURL検証機能のインターフェースを定義する。
type URLGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// safeurlライブラリにより、プライベートIP、ループバック、リンクローカル、
	// メタデータIPへのリクエストが自動的にブロックされる。
	// DNS再バインディング攻撃への対策も有効化される。
	NewSafeClient(timeout time.Duration) *http.Client

	// ValidateOutboundURL は外向きリクエスト先URLの安全性を事前に検証する。
	// スキーム、ホスト、IPアドレスの静的検証を行い、危険なURLの場合はエラーを返す。
	ValidateOutboundURL(rawURL string) error

	// ValidateCallbackBase はWebSubコールバックの公開ベースURLを検証する。
	// ループバック/プライベート/リンクローカルのIP、localhostや`.local`の
	// ホスト名を拒否する。requireHTTPSがtrueの場合（本番環境）は
	// 平文HTTPも拒否する。
	ValidateCallbackBase(baseURL string, requireHTTPS bool) error
}

// allowedSchemes は許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はブロックされるネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
// safeurlはnet.DialerレベルでDNS解決後のIPアドレスも検証するため、
// 外向きリクエストはDNS再バインディング攻撃にも対応している。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
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
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// urlGuard はURLGuardServiceの実装。
type urlGuard struct{}

// NewURLGuard はURLGuardServiceの新しいインスタンスを生成する。
func NewURLGuard() *urlGuard {
	return &urlGuard{}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlのデフォルト設定により以下がブロックされる:
//   - プライベートIPアドレス (10.0.0.0/8, 172.16.0.0/12, 192.168.0.0/16)
//   - ループバックアドレス (127.0.0.0/8, ::1)
//   - リンクローカルアドレス (169.254.0.0/16, fe80::/10)
//   - メタデータIPアドレス (169.254.169.254)
func (g *urlGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	wrappedClient := safeurl.Client(config)
	return wrappedClient.Client
}

// ValidateOutboundURL は外向きリクエスト先URLの安全性を事前に検証する。
// DNS解決を伴わない静的な検証であり、DNS再バインディング攻撃は
// NewSafeClientが生成するクライアント側のDialer検証で防止される。
func (g *urlGuard) ValidateOutboundURL(rawURL string) error {
	host, scheme, err := splitHostScheme(rawURL)
	if err != nil {
		return err
	}

	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	return validatePublicHost(host)
}

// ValidateCallbackBase はWebSubコールバックの公開ベースURLを検証する。
// ここで拒否されたベースURLは「WebSub無効」という正常な定常状態として扱われ、
// ポーリングのみで動作する。
func (g *urlGuard) ValidateCallbackBase(baseURL string, requireHTTPS bool) error {
	host, scheme, err := splitHostScheme(baseURL)
	if err != nil {
		return err
	}

	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}
	if requireHTTPS && scheme != "https" {
		return fmt.Errorf("plaintext HTTP callback is not allowed in production: %s", baseURL)
	}

	return validatePublicHost(host)
}

// splitHostScheme はURLをパースしてホストと小文字化したスキームを返す。
func splitHostScheme(rawURL string) (host, scheme string, err error) {
	if rawURL == "" {
		return "", "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}

	host = parsed.Hostname()
	if host == "" {
		return "", "", fmt.Errorf("empty host in URL: %s", rawURL)
	}

	return host, strings.ToLower(parsed.Scheme), nil
}

// validatePublicHost はホストが公開ルーティング可能かを検証する。
func validatePublicHost(host string) error {
	ip := net.ParseIP(host)
	if ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}

	return nil
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname はホスト名がブロック対象かを検証する。
// localhostとmDNS用の`.local`ドメインは公開ルーティング不可能として拒否する。
func isBlockedHostname(host string) bool {
	lower := strings.ToLower(host)
	if lower == "localhost" {
		return true
	}
	if strings.HasSuffix(lower, ".local") {
		return true
	}
	return false
}
