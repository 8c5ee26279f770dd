package vhosts

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/net/html"
)

// maxPagesPerSite bounds unlimited-depth crawls
const maxPagesPerSite = 200

// link kinds found in a page
type links struct {
	follow     []*url.URL
	requisites []*url.URL
}

// extractLinks returns the absolute URLs referenced by an HTML document.
// Anchors and frames are followed by the crawl; stylesheets, scripts and images are
// page requisites and are always downloaded.
func extractLinks(base *url.URL, body []byte) links {
	var out links
	z := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		var attr string
		follow := false
		switch tok.Data {
		case "a", "iframe":
			follow = true
			attr = "href"
			if tok.Data == "iframe" {
				attr = "src"
			}
		case "link":
			attr = "href"
		case "script", "img":
			attr = "src"
		default:
			continue
		}
		for _, a := range tok.Attr {
			if a.Key != attr {
				continue
			}
			u := resolve(base, a.Val)
			if u == nil {
				break
			}
			if follow {
				out.follow = append(out.follow, u)
			} else {
				out.requisites = append(out.requisites, u)
			}
			break
		}
	}
}

func resolve(base *url.URL, ref string) *url.URL {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return nil
	}
	lower := strings.ToLower(ref)
	for _, scheme := range []string{"javascript:", "mailto:", "data:", "tel:"} {
		if strings.HasPrefix(lower, scheme) {
			return nil
		}
	}
	u, err := base.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	u.Fragment = ""
	return u
}

// discoveredPath is the form URLs are reported in: path plus query
func discoveredPath(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}
	return p
}

// localPath maps a URL onto a file below root, never escaping it
func localPath(root string, u *url.URL, isHTML bool) string {
	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	} else if isHTML {
		ext := strings.ToLower(path.Ext(p))
		if ext != ".html" && ext != ".htm" {
			p += ".html"
		}
	}
	clean := path.Clean("/" + p)
	return filepath.Join(root, filepath.FromSlash(clean))
}

// siteResult is what one site's crawl produced
type siteResult struct {
	Host       string
	Pages      int
	Discovered []string
}

// crawler downloads one site into its host directory
type crawler struct {
	fetch   func(ctx context.Context, u *url.URL, page bool) (*Page, error)
	wwwDir  string
	depth   int
	force   bool
	onError func(u *url.URL, err error)
}

type queued struct {
	u     *url.URL
	level int
}

// crawl walks start breadth-first. Depth 1 downloads the landing page and its
// requisites only, depth N follows links N-1 levels, depth 0 has no limit beyond
// maxPagesPerSite. Only URLs on the start host are fetched.
func (c *crawler) crawl(ctx context.Context, start *url.URL) (siteResult, error) {
	res := siteResult{Host: strings.ToLower(start.Hostname())}
	hostDir := filepath.Join(c.wwwDir, res.Host)
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return res, err
	}

	seen := map[string]bool{}
	discovered := map[string]bool{}
	queue := []queued{{u: start, level: 1}}
	var requisites []*url.URL

	for len(queue) > 0 && res.Pages < maxPagesPerSite {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := queue[0]
		queue = queue[1:]
		key := item.u.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		page, err := c.load(ctx, hostDir, item.u, true)
		if err != nil {
			if item.level == 1 {
				return res, err
			}
			c.onError(item.u, err)
			continue
		}
		res.Pages++
		if !page.IsHTML() {
			continue
		}

		found := extractLinks(page.URL, page.Body)
		for _, u := range found.requisites {
			if sameHost(u, start) {
				discovered[discoveredPath(u)] = true
				requisites = append(requisites, u)
			}
		}
		for _, u := range found.follow {
			if !sameHost(u, start) {
				continue
			}
			discovered[discoveredPath(u)] = true
			if c.depth == 0 || item.level < c.depth {
				queue = append(queue, queued{u: u, level: item.level + 1})
			}
		}
	}

	for _, u := range requisites {
		if res.Pages >= maxPagesPerSite {
			break
		}
		key := u.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := c.load(ctx, hostDir, u, false); err != nil {
			c.onError(u, err)
			continue
		}
		res.Pages++
	}

	res.Discovered = make([]string, 0, len(discovered))
	for p := range discovered {
		res.Discovered = append(res.Discovered, p)
	}
	sort.Strings(res.Discovered)
	return res, nil
}

// load returns the page from disk when present and force is off, otherwise it
// downloads and stores it
func (c *crawler) load(ctx context.Context, hostDir string, u *url.URL, page bool) (*Page, error) {
	if !c.force {
		for _, candidate := range []string{localPath(hostDir, u, true), localPath(hostDir, u, false)} {
			if body, err := os.ReadFile(candidate); err == nil {
				ct := ""
				if strings.HasSuffix(candidate, ".html") || strings.HasSuffix(candidate, ".htm") {
					ct = "text/html"
				}
				return &Page{URL: u, Body: body, ContentType: ct}, nil
			}
		}
	}

	p, err := c.fetch(ctx, u, page)
	if err != nil {
		return nil, err
	}
	target := localPath(hostDir, u, p.IsHTML())
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(target, p.Body, 0644); err != nil {
		return nil, err
	}
	return p, nil
}

func sameHost(u, start *url.URL) bool {
	return strings.EqualFold(u.Host, start.Host)
}
