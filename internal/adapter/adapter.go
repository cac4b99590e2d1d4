// Package adapter turns fetched pages into structured documents. Each
// site gets one Adapter; an explicit Registry maps site hosts to their
// adapters, and a selector-driven generic adapter covers sites without
// custom code.
package adapter

import (
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Kind classifies what a page is to the extraction pipeline.
type Kind string

// Page kinds.
const (
	// KindList pages enumerate links to detail pages.
	KindList Kind = "list"
	// KindDetail pages carry the fields worth persisting.
	KindDetail Kind = "detail"
	// KindGeneric pages get best-effort metadata extraction.
	KindGeneric Kind = "generic"
)

// Document is the structured output of one extracted page.
type Document struct {
	Site      string            `json:"site"`
	URL       string            `json:"url"`
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Links     []string          `json:"links,omitempty"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// Adapter extracts documents for one site. The three extract
// operations mirror the page kinds; callers pick one based on Classify.
type Adapter interface {
	// Site is the host this adapter serves.
	Site() string
	// Classify decides what kind of page a URL points at.
	Classify(u *url.URL) Kind
	// ExtractList harvests detail-page links from a listing page.
	ExtractList(pageURL string, body []byte) (*Document, error)
	// ExtractDetail pulls the structured fields from a detail page.
	ExtractDetail(pageURL string, body []byte) (*Document, error)
	// ExtractGeneric does best-effort extraction for unclassified pages.
	ExtractGeneric(pageURL string, body []byte) (*Document, error)
}

// Extract dispatches to the kind's extract operation.
func Extract(a Adapter, pageURL string, body []byte, kind Kind) (*Document, error) {
	switch kind {
	case KindList:
		return a.ExtractList(pageURL, body)
	case KindDetail:
		return a.ExtractDetail(pageURL, body)
	default:
		return a.ExtractGeneric(pageURL, body)
	}
}

// Registry is the explicit site-to-adapter mapping. Adapters are
// registered at startup; there is no discovery mechanism.
type Registry struct {
	mu     sync.RWMutex
	bySite map[string]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{bySite: make(map[string]Adapter)}
}

// Register adds an adapter. Registering a site twice is a programming
// error and fails loudly.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	site := a.Site()
	if site == "" {
		return fmt.Errorf("adapter has empty site")
	}
	if _, exists := r.bySite[site]; exists {
		return fmt.Errorf("adapter for %q already registered", site)
	}
	r.bySite[site] = a
	return nil
}

// Lookup returns the adapter for a host.
func (r *Registry) Lookup(site string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySite[site]
	return a, ok
}

// Sites lists registered hosts in stable order.
func (r *Registry) Sites() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sites := make([]string, 0, len(r.bySite))
	for site := range r.bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites
}
