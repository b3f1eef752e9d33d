package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	maxPageBytes = 5 << 20
	maxPageItems = 5
)

// Page resolves a post by reading the Open Graph tags of its HTML page.
type Page struct {
	client *http.Client
}

// NewPage returns a Page resolver.
func NewPage() *Page {
	return &Page{client: &http.Client{Timeout: 15 * time.Second}}
}

func (p *Page) Name() string { return "page" }

func (p *Page) Resolve(ctx context.Context, postURL string) (Resolution, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, postURL, nil)
	if err != nil {
		return Resolution{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "pt-BR,pt;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Referer", "https://www.instagram.com/")

	resp, err := p.client.Do(req)
	if err != nil {
		return Resolution{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Resolution{}, fmt.Errorf("fetch page: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Resolution{}, fmt.Errorf("read page: %w", err)
	}
	return parsePage(body, postURL)
}

func parsePage(body []byte, postURL string) (Resolution, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Resolution{}, fmt.Errorf("parse page: %w", err)
	}
	og := openGraph(doc)

	out := Resolution{Method: "page"}
	seen := make(map[string]bool)
	add := func(kind string, urls []string) {
		for _, u := range urls {
			if u == "" || seen[u] || len(out.Media) >= maxPageItems {
				continue
			}
			seen[u] = true
			out.Media = append(out.Media, Item{Type: kind, URL: u, Quality: "HD"})
		}
	}
	add("video", append(og["og:video"], og["og:video:secure_url"]...))
	add("photo", og["og:image"])
	if len(out.Media) == 0 {
		return Resolution{}, ErrNoMedia
	}

	out.Metadata = Metadata{
		Title:       first(og["og:title"]),
		Description: first(og["og:description"]),
	}
	if out.Metadata.Title == "" || out.Metadata.Description == "" || out.Metadata.Author == "" {
		pageURL, _ := url.Parse(postURL)
		if article, err := readability.FromReader(bytes.NewReader(body), pageURL); err == nil {
			if out.Metadata.Title == "" {
				out.Metadata.Title = strings.TrimSpace(article.Title)
			}
			if out.Metadata.Description == "" {
				out.Metadata.Description = strings.TrimSpace(article.Excerpt)
			}
			out.Metadata.Author = strings.TrimSpace(article.Byline)
		}
	}
	out.Metadata.Title = orDefault(out.Metadata.Title, "Instagram Media")
	out.Metadata.Author = orDefault(out.Metadata.Author, "Instagram")
	return out, nil
}

// openGraph collects <meta property="og:*" content="..."> values in document order.
func openGraph(n *html.Node) map[string][]string {
	out := make(map[string][]string)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "meta" {
			var prop, content string
			for _, a := range n.Attr {
				switch a.Key {
				case "property", "name":
					if prop == "" || strings.HasPrefix(a.Val, "og:") {
						prop = a.Val
					}
				case "content":
					content = a.Val
				}
			}
			if strings.HasPrefix(prop, "og:") && content != "" {
				out[prop] = append(out[prop], strings.TrimSpace(content))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}
