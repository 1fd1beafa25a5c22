package security

import (
	"testing"
	"time"
)

func TestURLGuard_ImplementsInterface(t *testing.T) {
	var _ URLGuardService = (*urlGuard)(nil)
}

func TestNewSafeClient_ReturnsClient(t *testing.T) {
	g := NewURLGuard()
	client := g.NewSafeClient(10 * time.Second)
	if client == nil {
		t.Fatal("expected non-nil client")
	}
}

func TestValidateOutboundURL_AllowsPublicHTTPS(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateOutboundURL("https://example.com/feed.xml"); err != nil {
		t.Errorf("公開HTTPSのURLは許可されるべき: %v", err)
	}
}

func TestValidateOutboundURL_BlocksPrivateIP(t *testing.T) {
	g := NewURLGuard()
	for _, u := range []string{
		"http://10.0.0.5/feed",
		"http://172.16.1.1/feed",
		"http://192.168.1.10/feed",
		"http://127.0.0.1/feed",
		"http://169.254.169.254/latest/meta-data",
	} {
		if err := g.ValidateOutboundURL(u); err == nil {
			t.Errorf("%s はブロックされるべき", u)
		}
	}
}

func TestValidateOutboundURL_BlocksDisallowedScheme(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateOutboundURL("ftp://example.com/feed"); err == nil {
		t.Error("ftpスキームはブロックされるべき")
	}
	if err := g.ValidateOutboundURL("file:///etc/passwd"); err == nil {
		t.Error("fileスキームはブロックされるべき")
	}
}

func TestValidateCallbackBase_AllowsPublicHTTPS(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateCallbackBase("https://sync.example.com", true); err != nil {
		t.Errorf("公開HTTPSのベースURLは許可されるべき: %v", err)
	}
}

func TestValidateCallbackBase_BlocksLoopbackAndPrivate(t *testing.T) {
	g := NewURLGuard()
	for _, u := range []string{
		"https://localhost",
		"https://127.0.0.1",
		"https://10.1.2.3",
		"https://192.168.0.10:8080",
	} {
		if err := g.ValidateCallbackBase(u, false); err == nil {
			t.Errorf("%s はコールバックベースとして拒否されるべき", u)
		}
	}
}

func TestValidateCallbackBase_BlocksDotLocal(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateCallbackBase("https://myhost.local", false); err == nil {
		t.Error(".localホストはコールバックベースとして拒否されるべき")
	}
}

func TestValidateCallbackBase_BlocksPlaintextHTTPInProduction(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateCallbackBase("http://sync.example.com", true); err == nil {
		t.Error("本番環境では平文HTTPのコールバックベースは拒否されるべき")
	}
	// 開発環境では平文HTTPを許可する
	if err := g.ValidateCallbackBase("http://sync.example.com", false); err != nil {
		t.Errorf("開発環境では平文HTTPを許可すべき: %v", err)
	}
}

func TestValidateCallbackBase_EmptyURL(t *testing.T) {
	g := NewURLGuard()
	if err := g.ValidateCallbackBase("", false); err == nil {
		t.Error("空のベースURLは拒否されるべき")
	}
}
