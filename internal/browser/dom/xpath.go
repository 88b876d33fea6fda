package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// UniqueXPath builds an absolute XPath for n, anchoring on the nearest
// ancestor with an id so the path survives unrelated sibling changes.
func UniqueXPath(n *html.Node) string {
	var steps []string
	for cur := n; cur != nil && cur.Type != html.DocumentNode; cur = cur.Parent {
		if cur.Type != html.ElementNode {
			continue
		}
		tag := strings.ToLower(cur.Data)
		if id := attr(cur, "id"); id != "" {
			steps = append(steps, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		index := 1
		for prev := cur.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && strings.EqualFold(prev.Data, tag) {
				index++
			}
		}
		steps = append(steps, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(steps) == 0 {
		return "/"
	}
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	path := strings.Join(steps, "/")
	if strings.HasPrefix(path, "//*[@id=") {
		return path
	}
	return "/" + path
}
