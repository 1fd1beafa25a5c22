package websub

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"strings"
)

// parseSignatureHeader は `algorithm=hexdigest` 形式の署名ヘッダを分解する。
// 形式が不正な場合はok=falseを返す。
func parseSignatureHeader(header string) (algorithm, digest string, ok bool) {
	algorithm, digest, found := strings.Cut(header, "=")
	if !found || algorithm == "" || digest == "" {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(algorithm)), strings.TrimSpace(digest), true
}

// newHashFunc はアルゴリズム名に対応するハッシュ関数を返す。
// 未対応のアルゴリズムはnilを返す。
func newHashFunc(algorithm string) func() hash.Hash {
	switch algorithm {
	case "sha1":
		return sha1.New
	case "sha256":
		return sha256.New
	case "sha384":
		return sha512.New384
	case "sha512":
		return sha512.New
	default:
		return nil
	}
}

// verifyHMAC は生のボディに対するHMACダイジェストを再計算し、
// 受信した署名と照合する。
// タイミングサイドチャネルを避けるため定数時間比較を使用し、
// 比較前に長さを確認してサイズ不一致による例外的挙動を避ける。
func verifyHMAC(secret string, algorithm string, signature string, rawBody []byte) bool {
	hashFunc := newHashFunc(algorithm)
	if hashFunc == nil {
		return false
	}

	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(hashFunc, []byte(secret))
	mac.Write(rawBody)
	computed := mac.Sum(nil)

	if len(computed) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare(computed, expected) == 1
}
