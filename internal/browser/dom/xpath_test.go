package dom_test

import (
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
)

const xpathHTML = `
	<html>
	<body>
		<div id="header"><h1>Welcome</h1></div>
		<div class="content">
			<p>P1</p><p>P2</p>
			<ul>
				<li>Item 1</li>
				<!-- comment -->
				<li>Item 2</li>
				<li id="special">Item 3</li>
			</ul>
		</div>
		<div class="content"><p>P3</p></div>
	</body>
	</html>`

func TestUniqueXPath(t *testing.T) {
	doc := loadHTML(t, "https://example.com/", xpathHTML)

	tests := []struct {
		name, target, expected string
	}{
		{"Body", "//body", "/html[1]/body[1]"},
		{"Element with ID", "//div[@id='header']", `//*[@id='header']`},
		{"Child of ID element", "//h1", `//*[@id='header']/h1[1]`},
		{"Specific index", "(//p)[2]", "/html[1]/body[1]/div[2]/p[2]"},
		{"Ambiguous classes", "(//div[@class='content'])[2]/p", "/html[1]/body[1]/div[3]/p[1]"},
		{"List item skipping comments", "//ul/li[2]", "/html[1]/body[1]/div[2]/ul[1]/li[2]"},
		{"List item with ID", "//li[@id='special']", `//*[@id='special']`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := htmlquery.FindOne(doc.Root(), tt.target)
			require.NotNil(t, target, "setup: %s matched nothing", tt.target)

			generated := dom.UniqueXPath(target)
			assert.Equal(t, tt.expected, generated)

			nodes, err := doc.Evaluate(generated)
			require.NoError(t, err)
			require.Len(t, nodes, 1)
			assert.Same(t, target, nodes[0], "generated path must select the original node")
		})
	}

	assert.Equal(t, "/", dom.UniqueXPath(nil))
}
