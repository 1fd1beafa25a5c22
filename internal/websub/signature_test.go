package websub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestParseSignatureHeader(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		wantAlgorithm string
		wantDigest    string
		wantOK        bool
	}{
		{"sha256形式", "sha256=abcdef012345", "sha256", "abcdef012345", true},
		{"sha1形式", "sha1=deadbeef", "sha1", "deadbeef", true},
		{"イコールなし", "sha256abcdef", "", "", false},
		{"空文字列", "", "", "", false},
		{"アルゴリズムなし", "=abcdef", "", "", false},
		{"ダイジェストなし", "sha256=", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			algorithm, digest, ok := parseSignatureHeader(tt.header)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if algorithm != tt.wantAlgorithm {
				t.Errorf("algorithm = %q, want %q", algorithm, tt.wantAlgorithm)
			}
			if digest != tt.wantDigest {
				t.Errorf("digest = %q, want %q", digest, tt.wantDigest)
			}
		})
	}
}

func TestVerifyHMAC(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	body := []byte(`<?xml version="1.0"?><rss><channel><item><guid>a-1</guid></item></channel></rss>`)
	valid := signBody(secret, body)

	t.Run("正しい署名は検証に成功する", func(t *testing.T) {
		if !verifyHMAC(secret, "sha256", valid, body) {
			t.Error("正しい署名の検証がfalseになりました")
		}
	})

	t.Run("ボディの1バイト改変で検証に失敗する", func(t *testing.T) {
		tampered := make([]byte, len(body))
		copy(tampered, body)
		tampered[10] ^= 0x01
		if verifyHMAC(secret, "sha256", valid, tampered) {
			t.Error("改変されたボディの検証がtrueになりました")
		}
	})

	t.Run("別のシークレットで署名されたダイジェストは失敗する", func(t *testing.T) {
		other := signBody("別のシークレット", body)
		if verifyHMAC(secret, "sha256", other, body) {
			t.Error("別シークレットの署名の検証がtrueになりました")
		}
	})

	t.Run("未知のアルゴリズムは失敗する", func(t *testing.T) {
		if verifyHMAC(secret, "md5", valid, body) {
			t.Error("未知のアルゴリズムの検証がtrueになりました")
		}
	})

	t.Run("hexとして不正なダイジェストは失敗する", func(t *testing.T) {
		if verifyHMAC(secret, "sha256", "zzzz-not-hex", body) {
			t.Error("不正なhexダイジェストの検証がtrueになりました")
		}
	})

	t.Run("長さの異なるダイジェストは失敗する", func(t *testing.T) {
		if verifyHMAC(secret, "sha256", valid[:16], body) {
			t.Error("長さの異なるダイジェストの検証がtrueになりました")
		}
	})
}
