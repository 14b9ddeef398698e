package scrape

import (
	"net/http"
	"strings"
)

// BlockType names the anti-bot wall a page sits behind.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
	BlockAccess     BlockType = "access_denied"
)

var bodyMarkers = []struct {
	block   BlockType
	markers []string
}{
	{BlockCloudflare, []string{"checking your browser", "cf-browser-verification", "cf-challenge", "just a moment..."}},
	{BlockCaptcha, []string{"captcha", "are you a robot", "verify you are human"}},
	{BlockAccess, []string{"access denied", "request unsuccessful. incapsula", "pardon our interruption"}},
}

// DetectBlock inspects a response for bot protection. It returns BlockNone
// for an ordinary page.
func DetectBlock(resp *http.Response, body []byte) BlockType {
	if resp == nil {
		return BlockNone
	}

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
		if resp.Header.Get("cf-ray") != "" || strings.EqualFold(resp.Header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))
	for _, m := range bodyMarkers {
		for _, marker := range m.markers {
			if strings.Contains(lower, marker) {
				return m.block
			}
		}
	}

	// Small pages that only redirect or demand scripts have no content to read.
	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "enable javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}
