// SPDX-License-Identifier: MIT

package scout

import (
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/oldweb/webtape/internal/browser"
)

// pluginTags are the markup elements whose presence marks a page as
// plugin-driven. "app" and "bgsound" never made it into any standard but were
// common in the era this pipeline replays.
var pluginTags = map[string]bool{
	"object":  true,
	"embed":   true,
	"applet":  true,
	"app":     true,
	"bgsound": true,
}

// usesPlugins reports whether any frame contains a plugin element. It must
// run against the identical-modifier variant, since the replay server injects
// its own markup into the default variant.
func usesPlugins(frames []browser.Frame) bool {
	for _, f := range frames {
		doc, err := html.Parse(strings.NewReader(f.HTML))
		if err != nil {
			continue
		}
		if hasPluginNode(doc) {
			return true
		}
	}
	return false
}

func hasPluginNode(n *html.Node) bool {
	if n.Type == html.ElementNode && pluginTags[strings.ToLower(n.Data)] {
		return true
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasPluginNode(c) {
			return true
		}
	}
	return false
}

// countElements tallies element names across frames, lowercased. Tag
// vocabulary entries score markup structure rather than rendered text, so the
// tally must come from the identical-modifier frames, same as usesPlugins.
func countElements(frames []browser.Frame) map[string]int {
	counts := map[string]int{}
	for _, f := range frames {
		doc, err := html.Parse(strings.NewReader(f.HTML))
		if err != nil {
			continue
		}
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			if n.Type == html.ElementNode {
				counts[strings.ToLower(n.Data)]++
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
		walk(doc)
	}
	return counts
}

// extractLinks pulls every href of a frame, resolved against the frame URL,
// plus any absolute URL embedded inside a query-string value. Redirector
// links of the era hid the real target behind a ?url= parameter, so the query
// values are as interesting as the hrefs themselves.
func extractLinks(frameURL, src string) []string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil
	}
	base, err := url.Parse(frameURL)
	if err != nil {
		base = nil
	}
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			for _, a := range n.Attr {
				if !strings.EqualFold(a.Key, "href") {
					continue
				}
				raw := strings.TrimSpace(a.Val)
				if raw == "" {
					continue
				}
				resolved := raw
				if base != nil {
					if ref, err := url.Parse(raw); err == nil {
						resolved = base.ResolveReference(ref).String()
					}
				}
				out = append(out, resolved)
				out = append(out, queryURLs(resolved)...)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return out
}

// queryURLs returns absolute URLs hidden inside the query values of raw.
func queryURLs(raw string) []string {
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	var out []string
	for _, vs := range u.Query() {
		for _, v := range vs {
			if strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://") {
				out = append(out, v)
			}
		}
	}
	return out
}
