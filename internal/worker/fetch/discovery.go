package fetch

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// FeedLinks はフェッチ結果から発見したWebSub関連リンクを表す。
type FeedLinks struct {
	// HubURL はrel="hub"で広告されたハブのエンドポイント。
	HubURL string
	// SelfURL はrel="self"で広告されたフィードの正規URL。
	SelfURL string
}

// discoverLinks はHTTP LinkヘッダとフィードXML本文の両方からハブとself URLを探す。
// WebSub仕様はどちらの広告方法も許しており、Linkヘッダを優先する。
func discoverLinks(linkHeaders []string, body []byte, baseURL string) FeedLinks {
	links := parseLinkHeaders(linkHeaders)

	fromBody := parseFeedLinkElements(body)
	if links.HubURL == "" {
		links.HubURL = fromBody.HubURL
	}
	if links.SelfURL == "" {
		links.SelfURL = fromBody.SelfURL
	}

	links.HubURL = resolveAgainst(baseURL, links.HubURL)
	links.SelfURL = resolveAgainst(baseURL, links.SelfURL)
	return links
}

// parseLinkHeaders はHTTP Linkヘッダ群からrel="hub"とrel="self"を抽出する。
// 形式: <https://hub.example.com/>; rel="hub", <https://example.com/feed>; rel="self"
func parseLinkHeaders(headers []string) FeedLinks {
	var links FeedLinks

	for _, header := range headers {
		for _, part := range strings.Split(header, ",") {
			target, rel := parseLinkValue(part)
			if target == "" {
				continue
			}
			switch rel {
			case "hub":
				if links.HubURL == "" {
					links.HubURL = target
				}
			case "self":
				if links.SelfURL == "" {
					links.SelfURL = target
				}
			}
		}
	}

	return links
}

// parseLinkValue はLinkヘッダの1要素からURLとrel属性を取り出す。
func parseLinkValue(value string) (target, rel string) {
	segments := strings.Split(value, ";")
	if len(segments) == 0 {
		return "", ""
	}

	urlPart := strings.TrimSpace(segments[0])
	if !strings.HasPrefix(urlPart, "<") || !strings.HasSuffix(urlPart, ">") {
		return "", ""
	}
	target = strings.Trim(urlPart, "<>")

	for _, param := range segments[1:] {
		param = strings.TrimSpace(param)
		if v, ok := strings.CutPrefix(strings.ToLower(param), "rel="); ok {
			rel = strings.Trim(v, `"'`)
		}
	}

	return target, rel
}

// parseFeedLinkElements はフィードXML本文から<link>/<atom:link>要素の
// rel="hub"とrel="self"を抽出する。
// 厳密なXMLパーサではなくトークナイザを使うことで、名前空間宣言の
// 欠落や軽微な構文エラーのあるフィードにも耐える。
func parseFeedLinkElements(body []byte) FeedLinks {
	var links FeedLinks

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			return links
		}
		if tokenType != html.StartTagToken && tokenType != html.SelfClosingTagToken {
			continue
		}

		token := tokenizer.Token()
		name := strings.ToLower(token.Data)
		if name != "link" && name != "atom:link" {
			continue
		}

		var rel, href string
		for _, attr := range token.Attr {
			switch strings.ToLower(attr.Key) {
			case "rel":
				rel = strings.ToLower(strings.TrimSpace(attr.Val))
			case "href":
				href = strings.TrimSpace(attr.Val)
			}
		}
		if href == "" {
			continue
		}

		switch rel {
		case "hub":
			if links.HubURL == "" {
				links.HubURL = href
			}
		case "self":
			if links.SelfURL == "" {
				links.SelfURL = href
			}
		}

		if links.HubURL != "" && links.SelfURL != "" {
			return links
		}
	}
}

// resolveAgainst は相対URLをベースURLに対して解決する。
func resolveAgainst(baseURL, ref string) string {
	if ref == "" {
		return ""
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}
