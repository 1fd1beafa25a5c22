package fetch

import "testing"

func TestParseLinkHeaders(t *testing.T) {
	tests := []struct {
		name     string
		headers  []string
		wantHub  string
		wantSelf string
	}{
		{
			name:     "1ヘッダにhubとselfが両方ある",
			headers:  []string{`<https://hub.example.com/>; rel="hub", <https://blog.example.com/feed>; rel="self"`},
			wantHub:  "https://hub.example.com/",
			wantSelf: "https://blog.example.com/feed",
		},
		{
			name:     "ヘッダが分かれている",
			headers:  []string{`<https://hub.example.com/>; rel="hub"`, `<https://blog.example.com/feed>; rel="self"`},
			wantHub:  "https://hub.example.com/",
			wantSelf: "https://blog.example.com/feed",
		},
		{
			name:     "引用符なしのrel",
			headers:  []string{`<https://hub.example.com/>; rel=hub`},
			wantHub:  "https://hub.example.com/",
			wantSelf: "",
		},
		{
			name:     "無関係なrelは無視する",
			headers:  []string{`<https://blog.example.com/next>; rel="next"`},
			wantHub:  "",
			wantSelf: "",
		},
		{
			name:     "最初のhubを優先する",
			headers:  []string{`<https://hub1.example.com/>; rel="hub", <https://hub2.example.com/>; rel="hub"`},
			wantHub:  "https://hub1.example.com/",
			wantSelf: "",
		},
		{
			name:     "山括弧のない値は無視する",
			headers:  []string{`https://hub.example.com/; rel="hub"`},
			wantHub:  "",
			wantSelf: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			links := parseLinkHeaders(tt.headers)
			if links.HubURL != tt.wantHub {
				t.Errorf("HubURL = %q, want %q", links.HubURL, tt.wantHub)
			}
			if links.SelfURL != tt.wantSelf {
				t.Errorf("SelfURL = %q, want %q", links.SelfURL, tt.wantSelf)
			}
		})
	}
}

func TestParseFeedLinkElements(t *testing.T) {
	t.Run("RSS内のatom:link", func(t *testing.T) {
		body := []byte(`<?xml version="1.0"?>
<rss version="2.0" xmlns:atom="http://www.w3.org/2005/Atom">
  <channel>
    <title>テストブログ</title>
    <atom:link rel="hub" href="https://hub.example.com/"/>
    <atom:link rel="self" href="https://blog.example.com/rss.xml"/>
  </channel>
</rss>`)
		links := parseFeedLinkElements(body)
		if links.HubURL != "https://hub.example.com/" {
			t.Errorf("HubURL = %q", links.HubURL)
		}
		if links.SelfURL != "https://blog.example.com/rss.xml" {
			t.Errorf("SelfURL = %q", links.SelfURL)
		}
	})

	t.Run("Atomのlink要素", func(t *testing.T) {
		body := []byte(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>テストブログ</title>
  <link rel="hub" href="https://hub.example.com/"/>
  <link rel="self" href="https://blog.example.com/feed.atom"/>
  <link rel="alternate" href="https://blog.example.com/"/>
</feed>`)
		links := parseFeedLinkElements(body)
		if links.HubURL != "https://hub.example.com/" {
			t.Errorf("HubURL = %q", links.HubURL)
		}
		if links.SelfURL != "https://blog.example.com/feed.atom" {
			t.Errorf("SelfURL = %q", links.SelfURL)
		}
	})

	t.Run("リンクのないフィード", func(t *testing.T) {
		body := []byte(`<rss version="2.0"><channel><title>t</title></channel></rss>`)
		links := parseFeedLinkElements(body)
		if links.HubURL != "" || links.SelfURL != "" {
			t.Errorf("リンクのないフィードから値が抽出されました: %+v", links)
		}
	})
}

func TestDiscoverLinks(t *testing.T) {
	t.Run("Linkヘッダが本文より優先される", func(t *testing.T) {
		headers := []string{`<https://hub-header.example.com/>; rel="hub"`}
		body := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><link rel="hub" href="https://hub-body.example.com/"/></feed>`)

		links := discoverLinks(headers, body, "https://blog.example.com/feed.atom")
		if links.HubURL != "https://hub-header.example.com/" {
			t.Errorf("HubURL = %q, Linkヘッダの値を期待します", links.HubURL)
		}
	})

	t.Run("ヘッダにない値は本文で補完される", func(t *testing.T) {
		headers := []string{`<https://hub.example.com/>; rel="hub"`}
		body := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><link rel="self" href="https://blog.example.com/feed.atom"/></feed>`)

		links := discoverLinks(headers, body, "https://blog.example.com/feed.atom")
		if links.HubURL != "https://hub.example.com/" {
			t.Errorf("HubURL = %q", links.HubURL)
		}
		if links.SelfURL != "https://blog.example.com/feed.atom" {
			t.Errorf("SelfURL = %q", links.SelfURL)
		}
	})

	t.Run("相対URLはフェッチURLに対して解決される", func(t *testing.T) {
		body := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><link rel="hub" href="/hub"/></feed>`)

		links := discoverLinks(nil, body, "https://blog.example.com/feed.atom")
		if links.HubURL != "https://blog.example.com/hub" {
			t.Errorf("HubURL = %q, 相対URLの解決を期待します", links.HubURL)
		}
	})
}
