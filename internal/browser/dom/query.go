package dom

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// QuerySelectorAll returns the elements matching a CSS selector in document order.
func (d *Document) QuerySelectorAll(selector string) ([]*html.Node, error) {
	return QueryAll(d.root, selector)
}

// QueryAll returns the descendants of n matching a CSS selector group.
func QueryAll(n *html.Node, selector string) ([]*html.Node, error) {
	group, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return goquery.NewDocumentFromNode(n).FindMatcher(cascadia.Selector(group.Match)).Nodes, nil
}

// QuerySelector returns the first element matching selector, or nil.
func (d *Document) QuerySelector(selector string) (*html.Node, error) {
	nodes, err := d.QuerySelectorAll(selector)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

// GetElementByID finds an element by its id attribute.
func (d *Document) GetElementByID(id string) *html.Node {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// Evaluate runs an XPath expression against the HTML tree.
func (d *Document) Evaluate(expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(d.root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return nodes, nil
}

// Links returns the absolute targets of every <a href> in the document.
func (d *Document) Links() []string {
	if d.url == nil {
		return nil
	}
	sel := goquery.NewDocumentFromNode(d.root).Find("a[href]")
	links := make([]string, 0, sel.Length())
	seen := make(map[string]struct{})
	sel.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		ref, err := d.url.Parse(href)
		if err != nil {
			return
		}
		ref.Fragment = ""
		abs := ref.String()
		if _, dup := seen[abs]; dup {
			return
		}
		seen[abs] = struct{}{}
		links = append(links, abs)
	})
	return links
}

// TextContent is the concatenated text of a node and its descendants.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	return textContent(n)
}

// Attr returns an attribute value, or "" if absent.
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	return attr(n, key)
}
