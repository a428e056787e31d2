// Package publicdata retrieves a company logo and basic public facts for a
// web domain. Results are purely additive: a missing logo or fact set never
// blocks later pipeline stages.
package publicdata

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/net/html"
)

// Result is what a successful fetch yields. Logo, when present, is PNG
// bytes already validated and downscaled for slide placement.
type Result struct {
	Logo  []byte            `json:"-"`
	Facts map[string]string `json:"facts"`
}

// Fetcher probes a domain for a usable logo and page-level facts.
type Fetcher struct {
	client *http.Client
	log    *slog.Logger
}

const (
	maxImageBytes = 5 * 1024 * 1024
	maxPageBytes  = 2 * 1024 * 1024
	maxLogoEdge   = 512
)

// faviconPaths are probed before falling back to HTML link discovery.
var faviconPaths = []string{
	"/favicon.png",
	"/apple-touch-icon.png",
	"/logo.png",
	"/favicon.ico",
}

func New(timeout time.Duration, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Fetch retrieves the logo and facts for a domain. A network failure on the
// homepage is returned as an error (the caller retries with backoff); a
// missing logo with a reachable homepage is not an error.
func (f *Fetcher) Fetch(ctx context.Context, domain string) (*Result, error) {
	base, err := normalizeBase(domain)
	if err != nil {
		return nil, err
	}

	res := &Result{Facts: map[string]string{}}

	page, err := f.download(ctx, base, maxPageBytes)
	if err != nil {
		return nil, fmt.Errorf("fetch homepage: %w", err)
	}
	iconHref := f.readFacts(res, base, page)

	for _, p := range faviconPaths {
		if logo := f.tryLogo(ctx, base+p); logo != nil {
			res.Logo = logo
			break
		}
	}
	if res.Logo == nil && iconHref != "" {
		res.Logo = f.tryLogo(ctx, resolveHref(base, iconHref))
	}
	return res, nil
}

func normalizeBase(domain string) (string, error) {
	d := strings.TrimSpace(domain)
	if d == "" {
		return "", fmt.Errorf("empty domain")
	}
	if !strings.HasPrefix(d, "http://") && !strings.HasPrefix(d, "https://") {
		d = "https://" + d
	}
	u, err := url.Parse(d)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid domain %q", domain)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("status %d from %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// tryLogo downloads and validates a candidate image, returning normalized
// PNG bytes or nil.
func (f *Fetcher) tryLogo(ctx context.Context, rawURL string) []byte {
	data, err := f.download(ctx, rawURL, maxImageBytes)
	if err != nil || len(data) == 0 {
		return nil
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	b := img.Bounds()
	if b.Dx() < 16 || b.Dy() < 16 {
		// Too small to be worth placing on a slide.
		return nil
	}
	if b.Dx() > maxLogoEdge || b.Dy() > maxLogoEdge {
		img = imaging.Fit(img, maxLogoEdge, maxLogoEdge, imaging.Lanczos)
	}
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.PNG); err != nil {
		return nil
	}
	return out.Bytes()
}

// readFacts walks the homepage HTML collecting the page title and meta
// description, and returns the first icon link href it sees.
func (f *Fetcher) readFacts(res *Result, base string, page []byte) (iconHref string) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		f.log.Warn("homepage did not parse as html", "url", base, "error", err)
		return ""
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && res.Facts["title"] == "" {
					res.Facts["title"] = strings.TrimSpace(n.FirstChild.Data)
				}
			case "meta":
				if attr(n, "name") == "description" && res.Facts["description"] == "" {
					res.Facts["description"] = strings.TrimSpace(attr(n, "content"))
				}
			case "link":
				rel := strings.ToLower(attr(n, "rel"))
				if iconHref == "" && strings.Contains(rel, "icon") {
					iconHref = attr(n, "href")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return iconHref
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveHref(base, href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return href
	}
	// Protocol-relative hrefs inherit the base scheme.
	if strings.HasPrefix(href, "//") {
		scheme := "https"
		if u, err := url.Parse(base); err == nil && u.Scheme != "" {
			scheme = u.Scheme
		}
		return scheme + ":" + href
	}
	if strings.HasPrefix(href, "/") {
		return base + href
	}
	return base + "/" + href
}
