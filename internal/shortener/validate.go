package shortener

import (
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"net/url"
	"strings"

	"github.com/koopa0/system-design/shortlink/pkg/base62"
	apperrors "github.com/koopa0/system-design/shortlink/pkg/errors"
)

// reservedAliases 與路由衝突的別名（比較時不分大小寫）
var reservedAliases = map[string]struct{}{
	"api":    {},
	"health": {},
}

// ValidateURL 驗證長網址
//
// 驗證規則：
//   - 非空，長度不超過 maxLen
//   - scheme 只允許 http、https
//   - 必須有 host，不允許 userinfo（https://good.com@evil.com 這類偽裝）
//   - allowPrivate 為 false 時拒絕 localhost 與私有 IP（防止 SSRF）
//
// 驗證通過時原樣回傳輸入，重定向目標必須與使用者提交的完全一致。
func ValidateURL(raw string, maxLen int, allowPrivate bool) (string, error) {
	if raw == "" {
		return "", apperrors.ErrInvalidURL.WithDetails("url is required")
	}
	if maxLen > 0 && len(raw) > maxLen {
		return "", apperrors.ErrInvalidURL.WithDetails("url is too long")
	}
	if strings.TrimSpace(raw) != raw {
		return "", apperrors.ErrInvalidURL.WithDetails("url contains surrounding whitespace")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInvalidURL, "invalid url")
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", apperrors.ErrInvalidURL.WithDetails("scheme must be http or https")
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", apperrors.ErrInvalidURL.WithDetails("url must have a host")
	}
	if u.User != nil {
		return "", apperrors.ErrInvalidURL.WithDetails("url must not contain credentials")
	}

	if !allowPrivate && isPrivateOrLocalhost(u.Hostname()) {
		return "", apperrors.ErrInvalidURL.WithDetails("private or loopback hosts are not allowed")
	}

	return raw, nil
}

// isPrivateOrLocalhost 檢查主機名是否為私有 IP 或 localhost
//
// 防護範圍：回環、RFC 1918 私有網段、鏈路本地（雲端元數據 169.254.169.254）、
// 未指定位址，IPv4 與 IPv6 都涵蓋。
//
// 域名不做 DNS 解析，DNS rebinding 需要在出口代理層處理。
func isPrivateOrLocalhost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || strings.HasSuffix(h, ".localhost") {
		return true
	}

	addr, err := netip.ParseAddr(h)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}

// ValidateAlias 驗證自訂別名
//
// 別名只能使用 Base62 字元，長度在 [minLen, maxLen]，且不能是保留字。
func ValidateAlias(alias string, minLen, maxLen int) error {
	if len(alias) < minLen || len(alias) > maxLen {
		return apperrors.ErrInvalidAlias.WithDetails("alias length out of range")
	}
	if !base62.IsValid(alias) {
		return apperrors.ErrInvalidAlias.WithDetails("alias must contain only 0-9, A-Z, a-z")
	}
	if _, reserved := reservedAliases[strings.ToLower(alias)]; reserved {
		return apperrors.ErrInvalidAlias.WithDetails("alias is reserved")
	}
	return nil
}

// CanonicalURL 去重用的正規化形式
//
// 規則：scheme 與 host 小寫、移除預設埠、空路徑補 "/"、
// 查詢參數依鍵排序、丟棄 fragment。
// 解析失敗時回傳原字串（此時 ValidateURL 早已拒絕）。
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}

	c := url.URL{
		Scheme:  scheme,
		Host:    host,
		Path:    u.Path,
		RawPath: u.RawPath,
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if u.RawQuery != "" {
		c.RawQuery = u.Query().Encode()
	}
	return c.String()
}

// URLHash 正規化網址的 SHA-256（十六進位）
func URLHash(raw string) string {
	sum := sha256.Sum256([]byte(CanonicalURL(raw)))
	return hex.EncodeToString(sum[:])
}
