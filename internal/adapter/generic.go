package adapter

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// GenericConfig drives the selector-based adapter.
type GenericConfig struct {
	// Site is the host the adapter serves.
	Site string
	// ListPathPrefixes classify URLs as list pages.
	ListPathPrefixes []string
	// DetailPathPrefixes classify URLs as detail pages.
	DetailPathPrefixes []string
	// FieldSelectors maps output field names to CSS selectors evaluated
	// on detail pages.
	FieldSelectors map[string]string
	// LinkSelector picks the anchors harvested from list pages. Empty
	// means every anchor.
	LinkSelector string
}

// Generic is a selector-driven adapter for sites without custom code.
type Generic struct {
	cfg GenericConfig
	now func() time.Time
}

// NewGeneric builds the adapter.
func NewGeneric(cfg GenericConfig) *Generic {
	return &Generic{cfg: cfg, now: time.Now}
}

// Site implements Adapter.
func (g *Generic) Site() string { return g.cfg.Site }

// Classify matches the URL path against the configured prefixes. Detail
// prefixes win when both match.
func (g *Generic) Classify(u *url.URL) Kind {
	path := u.Path
	for _, prefix := range g.cfg.DetailPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return KindDetail
		}
	}
	for _, prefix := range g.cfg.ListPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return KindList
		}
	}
	return KindGeneric
}

// ExtractList implements Adapter.
func (g *Generic) ExtractList(pageURL string, body []byte) (*Document, error) {
	doc, out, err := g.parse(pageURL, body, KindList)
	if err != nil {
		return nil, err
	}
	out.Links = g.links(doc, pageURL)
	return out, nil
}

// ExtractDetail implements Adapter.
func (g *Generic) ExtractDetail(pageURL string, body []byte) (*Document, error) {
	doc, out, err := g.parse(pageURL, body, KindDetail)
	if err != nil {
		return nil, err
	}
	out.Fields = g.fields(doc)
	return out, nil
}

// ExtractGeneric implements Adapter.
func (g *Generic) ExtractGeneric(pageURL string, body []byte) (*Document, error) {
	doc, out, err := g.parse(pageURL, body, KindGeneric)
	if err != nil {
		return nil, err
	}
	out.Fields = g.metadata(doc)
	out.Links = g.links(doc, pageURL)
	return out, nil
}

func (g *Generic) parse(pageURL string, body []byte, kind Kind) (*goquery.Document, *Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse page %s: %w", pageURL, err)
	}
	out := &Document{
		Site:      g.cfg.Site,
		URL:       pageURL,
		Kind:      kind,
		Title:     strings.TrimSpace(doc.Find("title").First().Text()),
		FetchedAt: g.now().UTC(),
	}
	return doc, out, nil
}

// links harvests same-site absolute URLs, deduplicated in page order.
func (g *Generic) links(doc *goquery.Document, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	selector := g.cfg.LinkSelector
	if selector == "" {
		selector = "a[href]"
	}

	seen := map[string]bool{}
	var links []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil || resolved.Host != base.Host {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}

func (g *Generic) fields(doc *goquery.Document) map[string]string {
	fields := map[string]string{}
	for name, selector := range g.cfg.FieldSelectors {
		value := strings.TrimSpace(doc.Find(selector).First().Text())
		if value != "" {
			fields[name] = value
		}
	}
	return fields
}

// metadata is the best-effort extraction for unclassified pages.
func (g *Generic) metadata(doc *goquery.Document) map[string]string {
	fields := map[string]string{}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		fields["description"] = strings.TrimSpace(desc)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		fields["heading"] = h1
	}
	return fields
}
