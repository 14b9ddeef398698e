package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
)

// Page is a fetched product page reduced to visible text.
type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	StatusCode int    `json:"status_code"`
}

// PageFetcher loads a page for extraction.
type PageFetcher interface {
	FetchPage(ctx context.Context, pageURL string) (*Page, error)
}

// HTTPPageFetcher fetches pages over plain HTTP. Pages behind anti-bot
// walls are reported as upstream errors.
type HTTPPageFetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
}

// NewHTTPPageFetcher creates an HTTPPageFetcher. Zero values take defaults.
func NewHTTPPageFetcher(timeout time.Duration, maxBytes int64, userAgent string) *HTTPPageFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (compatible; PadlockBot/1.0)"
	}
	return &HTTPPageFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: userAgent,
		maxBytes:  maxBytes,
	}
}

// ValidatePageURL checks that raw is an absolute http(s) URL.
func ValidatePageURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Validation("url must be an absolute http(s) URL", map[string]string{"url": raw})
	}
	return nil
}

// FetchPage implements PageFetcher.
func (f *HTTPPageFetcher) FetchPage(ctx context.Context, pageURL string) (*Page, error) {
	if err := ValidatePageURL(pageURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "scrape: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Upstream("page fetch failed", eris.Wrapf(err, "scrape: fetch %s", pageURL))
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, apperr.Upstream("page read failed", eris.Wrapf(err, "scrape: read %s", pageURL))
	}

	if block := DetectBlock(resp, body); block != BlockNone {
		zap.L().Warn("scrape: page blocked", zap.String("url", pageURL), zap.String("block", string(block)))
		return nil, apperr.Upstream("page is blocked ("+string(block)+")", nil)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Upstream("page returned status "+http.StatusText(resp.StatusCode),
			eris.Errorf("scrape: %s status %d", pageURL, resp.StatusCode))
	}

	title, text, err := HTMLToText(body)
	if err != nil {
		return nil, eris.Wrapf(err, "scrape: parse %s", pageURL)
	}
	if len(text) < 50 {
		return nil, apperr.Upstream("page has no readable content", nil)
	}

	return &Page{URL: pageURL, Title: title, Text: text, StatusCode: resp.StatusCode}, nil
}

// skipped elements never carry product copy.
var skipped = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Nav: true,
	atom.Footer: true, atom.Svg: true, atom.Iframe: true, atom.Template: true,
}

// blockLevel elements end a line of text.
var blockLevel = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Li: true, atom.Tr: true, atom.Br: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Dt: true, atom.Dd: true,
}

// HTMLToText returns the page title and its visible text, one block
// element per line.
func HTMLToText(body []byte) (string, string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", "", eris.Wrap(err, "scrape: parse html")
	}

	var title string
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Title {
				if title == "" && n.FirstChild != nil {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
				return
			}
			if skipped[n.DataAtom] || hidden(n) {
				return
			}
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch {
			case blockLevel[n.DataAtom]:
				flush()
			case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
				cur.WriteByte(' ')
			}
		}
	}
	walk(doc)
	flush()

	return title, strings.Join(lines, "\n"), nil
}

func hidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch a.Key {
		case "hidden":
			return true
		case "aria-hidden":
			if a.Val == "true" {
				return true
			}
		case "style":
			s := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(s, "display:none") || strings.Contains(s, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}
