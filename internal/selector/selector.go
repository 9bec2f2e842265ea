// Package selector evaluates CSS selector bindings against fetched HTML.
//
// A binding is a CSS selector optionally followed by "::text" (the trimmed
// text content, the default) or "::attr(name)" (an attribute value).
package selector

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/happidaswork-netizen/d2ilite/internal/crawler"
)

var (
	attrSuffix = regexp.MustCompile(`::attr\(([^)]+)\)\s*$`)
	whitespace = regexp.MustCompile(`\s+`)
)

// Binding is a parsed selector expression.
type Binding struct {
	CSS  string
	Attr string
}

// Parse splits expr into its CSS part and extraction mode. defaultAttr is used
// when expr has no suffix; empty means text.
func Parse(expr, defaultAttr string) Binding {
	expr = strings.TrimSpace(expr)
	if m := attrSuffix.FindStringSubmatch(expr); m != nil {
		return Binding{CSS: strings.TrimSpace(expr[:len(expr)-len(m[0])]), Attr: strings.TrimSpace(m[1])}
	}
	if strings.HasSuffix(expr, "::text") {
		return Binding{CSS: strings.TrimSpace(strings.TrimSuffix(expr, "::text"))}
	}
	return Binding{CSS: expr, Attr: defaultAttr}
}

// Values evaluates the binding under sel and returns every non-empty match.
// An empty CSS part evaluates against sel itself.
func (b Binding) Values(sel *goquery.Selection) []string {
	target := sel
	if b.CSS != "" {
		target = sel.Find(b.CSS)
	}
	var out []string
	target.Each(func(_ int, s *goquery.Selection) {
		var v string
		if b.Attr != "" {
			v, _ = s.Attr(b.Attr)
		} else {
			v = s.Text()
		}
		v = strings.TrimSpace(whitespace.ReplaceAllString(v, " "))
		if v != "" {
			out = append(out, v)
		}
	})
	return out
}

// First returns the first non-empty match.
func (b Binding) First(sel *goquery.Selection) (string, bool) {
	values := b.Values(sel)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Evaluator implements crawler.SelectorEvaluator with goquery.
type Evaluator struct{}

// New returns an Evaluator.
func New() *Evaluator {
	return &Evaluator{}
}

func parseDocument(page crawler.FetchResponse) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", page.BaseURL(), err)
	}
	return doc, nil
}

// ListItems finds every list item and its detail link, plus next-page links.
func (e *Evaluator) ListItems(page crawler.FetchResponse, bindings crawler.SelectorBindings) (crawler.ListPage, error) {
	doc, err := parseDocument(page)
	if err != nil {
		return crawler.ListPage{}, err
	}
	base := page.BaseURL()
	link := Parse(bindings.DetailLink, "href")
	fieldBindings := parseAll(bindings.ListFields, "")

	var out crawler.ListPage
	seen := make(map[string]struct{})
	doc.Find(bindings.ListItem).Each(func(_ int, item *goquery.Selection) {
		href, ok := link.First(item)
		if !ok {
			return
		}
		detail := crawler.ResolveURL(base, href)
		if detail == "" {
			return
		}
		if _, dup := seen[detail]; dup {
			return
		}
		seen[detail] = struct{}{}
		fields := make(map[string]string, len(fieldBindings))
		for name, b := range fieldBindings {
			if v, ok := b.First(item); ok {
				fields[name] = v
			}
		}
		out.Items = append(out.Items, crawler.ListItem{DetailURL: detail, Fields: fields})
	})

	if strings.TrimSpace(bindings.NextPage) != "" {
		next := Parse(bindings.NextPage, "href")
		nextSeen := make(map[string]struct{})
		for _, href := range next.Values(doc.Selection) {
			u := crawler.ResolveURL(base, href)
			if u == "" || u == base {
				continue
			}
			if _, dup := nextSeen[u]; dup {
				continue
			}
			nextSeen[u] = struct{}{}
			out.NextPages = append(out.NextPages, u)
		}
	}
	return out, nil
}

// Detail extracts the profile fields of a detail page. Missing lists every
// binding that matched nothing, sorted.
func (e *Evaluator) Detail(page crawler.FetchResponse, bindings crawler.SelectorBindings) (crawler.DetailPage, error) {
	doc, err := parseDocument(page)
	if err != nil {
		return crawler.DetailPage{}, err
	}
	root := doc.Selection
	out := crawler.DetailPage{Fields: make(map[string]string)}

	if name, ok := Parse(bindings.Name, "").First(root); ok {
		out.Fields["name"] = name
	} else {
		out.Missing = append(out.Missing, "name")
	}

	image := Parse(bindings.Image, "src")
	src, ok := image.First(root)
	if !ok && image.Attr == "src" {
		src, ok = Binding{CSS: image.CSS, Attr: "data-src"}.First(root)
	}
	if ok {
		out.ImageURL = crawler.ResolveURL(page.BaseURL(), src)
	}
	if out.ImageURL == "" {
		out.Missing = append(out.Missing, "image_url")
	}

	if strings.TrimSpace(bindings.FullText) != "" {
		if text := Parse(bindings.FullText, "").Values(root); len(text) > 0 {
			out.FullText = strings.Join(text, "\n")
		} else {
			out.Missing = append(out.Missing, "full_text")
		}
	}

	for name, b := range parseAll(bindings.Fields, "") {
		if v, ok := b.First(root); ok {
			out.Fields[name] = v
		} else {
			out.Missing = append(out.Missing, name)
		}
	}
	sort.Strings(out.Missing)
	return out, nil
}

func parseAll(exprs map[string]string, defaultAttr string) map[string]Binding {
	out := make(map[string]Binding, len(exprs))
	for name, expr := range exprs {
		if strings.TrimSpace(expr) == "" {
			continue
		}
		out[name] = Parse(expr, defaultAttr)
	}
	return out
}

var _ crawler.SelectorEvaluator = (*Evaluator)(nil)
