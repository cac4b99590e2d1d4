package engine

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// formState is what a login page tells us before we submit it: where the
// form posts to and which hidden fields (CSRF tokens and friends) must be
// echoed back.
type formState struct {
	Action string
	Hidden map[string]string
}

// parseLoginForm finds the form containing the given field locator. A
// locator is either a CSS selector (when it starts with #, . or [) or a
// plain input name. Pages without a matching form return hidden fields
// from the first form on the page, or nothing at all; submission then
// falls back to the configured login URL.
func parseLoginForm(body []byte, pageURL string, fieldLocator string) (formState, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return formState{}, fmt.Errorf("parse login page: %w", err)
	}

	form := doc.Find(formSelector(fieldLocator)).First().Closest("form")
	if form.Length() == 0 {
		form = doc.Find("form").First()
	}
	if form.Length() == 0 {
		return formState{}, nil
	}

	state := formState{Hidden: map[string]string{}}
	form.Find(`input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		state.Hidden[name] = value
	})

	action, _ := form.Attr("action")
	if action != "" {
		base, err := url.Parse(pageURL)
		if err == nil {
			if resolved, err := base.Parse(action); err == nil {
				state.Action = resolved.String()
			}
		}
	}
	return state, nil
}

// fieldName maps a locator to the input name used in a form submission.
// Selector-style locators submit under the id or name they point at.
func fieldName(body []byte, locator string) string {
	if !isSelector(locator) {
		return locator
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return strings.TrimLeft(locator, "#.")
	}
	sel := doc.Find(locator).First()
	if name, ok := sel.Attr("name"); ok && name != "" {
		return name
	}
	return strings.TrimLeft(locator, "#.")
}

func formSelector(locator string) string {
	if isSelector(locator) {
		return locator
	}
	return fmt.Sprintf(`input[name=%q]`, locator)
}

func isSelector(locator string) bool {
	return strings.HasPrefix(locator, "#") ||
		strings.HasPrefix(locator, ".") ||
		strings.HasPrefix(locator, "[")
}
