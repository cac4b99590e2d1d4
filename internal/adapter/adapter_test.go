package adapter

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testGeneric() *Generic {
	g := NewGeneric(GenericConfig{
		Site:               "example.com",
		ListPathPrefixes:   []string{"/catalog"},
		DetailPathPrefixes: []string{"/catalog/item"},
		FieldSelectors: map[string]string{
			"name":  "h1.product-name",
			"price": ".price",
		},
		LinkSelector: "a.item-link",
	})
	g.now = func() time.Time { return time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC) }
	return g
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestGenericClassify(t *testing.T) {
	g := testGeneric()
	require.Equal(t, KindDetail, g.Classify(mustURL(t, "https://example.com/catalog/item/42")))
	require.Equal(t, KindList, g.Classify(mustURL(t, "https://example.com/catalog?page=2")))
	require.Equal(t, KindGeneric, g.Classify(mustURL(t, "https://example.com/about")))
}

func TestGenericExtractList(t *testing.T) {
	body := []byte(`<html><head><title>Catalog</title></head><body>
		<a class="item-link" href="/catalog/item/1">one</a>
		<a class="item-link" href="/catalog/item/2#reviews">two</a>
		<a class="item-link" href="/catalog/item/1">dup</a>
		<a class="item-link" href="https://other.example.org/x">offsite</a>
		<a href="/ignored">not an item link</a>
	</body></html>`)

	g := testGeneric()
	doc, err := g.ExtractList("https://example.com/catalog?page=1", body)
	require.NoError(t, err)
	require.Equal(t, "Catalog", doc.Title)
	require.Equal(t, KindList, doc.Kind)
	require.Equal(t, []string{
		"https://example.com/catalog/item/1",
		"https://example.com/catalog/item/2",
	}, doc.Links)
}

func TestGenericExtractDetail(t *testing.T) {
	body := []byte(`<html><head><title>Widget</title></head><body>
		<h1 class="product-name"> Widget Deluxe </h1>
		<span class="price">$19.99</span>
		<span class="price">$24.99 elsewhere</span>
	</body></html>`)

	g := testGeneric()
	doc, err := g.ExtractDetail("https://example.com/catalog/item/42", body)
	require.NoError(t, err)
	require.Equal(t, "Widget Deluxe", doc.Fields["name"])
	require.Equal(t, "$19.99", doc.Fields["price"])
	require.Equal(t, time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC), doc.FetchedAt)
	require.Empty(t, doc.Links)
}

func TestGenericExtractGenericMetadata(t *testing.T) {
	body := []byte(`<html><head>
		<title>About us</title>
		<meta name="description" content="A fine establishment"/>
	</head><body><h1>Who we are</h1><a href="/contact">contact</a></body></html>`)

	g := testGeneric()
	doc, err := g.ExtractGeneric("https://example.com/about", body)
	require.NoError(t, err)
	require.Equal(t, "A fine establishment", doc.Fields["description"])
	require.Equal(t, "Who we are", doc.Fields["heading"])
	require.Equal(t, []string{"https://example.com/contact"}, doc.Links)
}

func TestExtractDispatch(t *testing.T) {
	body := []byte(`<html><title>Widget</title><body><h1 class="product-name">W</h1></body></html>`)
	g := testGeneric()

	doc, err := Extract(g, "https://example.com/catalog/item/42", body, KindDetail)
	require.NoError(t, err)
	require.Equal(t, KindDetail, doc.Kind)
	require.Equal(t, "W", doc.Fields["name"])

	doc, err = Extract(g, "https://example.com/about", body, KindGeneric)
	require.NoError(t, err)
	require.Equal(t, KindGeneric, doc.Kind)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := NewGeneric(GenericConfig{Site: "a.example.com"})
	b := NewGeneric(GenericConfig{Site: "b.example.com"})

	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))
	require.Error(t, r.Register(NewGeneric(GenericConfig{Site: "a.example.com"})))
	require.Error(t, r.Register(NewGeneric(GenericConfig{})))

	got, ok := r.Lookup("a.example.com")
	require.True(t, ok)
	require.Same(t, a, got)

	_, ok = r.Lookup("missing.example.com")
	require.False(t, ok)

	require.Equal(t, []string{"a.example.com", "b.example.com"}, r.Sites())
}
