// Package dom holds the crawler's document model: a parsed HTML (or XML) tree
// paired with the document's lifecycle, and the writers that build it from
// response bytes.
package dom

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/xkilldash9x/crawlkit/internal/browser/lifecycle"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is the flavor of document a MIME type produces.
type Kind int

const (
	KindHTML Kind = iota
	KindXML
	KindText
)

// KindForMIMEType picks the document flavor for a response.
func KindForMIMEType(mimeType string) Kind {
	mimeType = strings.ToLower(mimeType)
	switch {
	case mimeType == "text/plain":
		return KindText
	case mimeType == "application/xhtml+xml":
		return KindHTML
	case mimeType == "text/xml", mimeType == "application/xml", strings.HasSuffix(mimeType, "+xml"):
		return KindXML
	default:
		return KindHTML
	}
}

// ReadyState mirrors document.readyState.
type ReadyState string

const (
	ReadyStateLoading     ReadyState = "loading"
	ReadyStateInteractive ReadyState = "interactive"
	ReadyStateComplete    ReadyState = "complete"
)

// ErrTreeMutationForbidden is returned when the DOM is changed while the
// lifecycle is in a stage that forbids mutations.
var ErrTreeMutationForbidden = errors.New("dom: tree mutations are not allowed in the current lifecycle state")

// ErrDocumentStopped is returned for operations on a document that was shut down.
var ErrDocumentStopped = errors.New("dom: document has been shut down")

// Script is an inline or external script found while parsing.
type Script struct {
	Source string
	Src    string
	Type   string
}

// ScriptRunner executes page scripts as the parser reaches them.
type ScriptRunner interface {
	RunPageScript(doc *Document, script Script)
}

// Refresh is a parsed Refresh header or meta tag.
type Refresh struct {
	Delay int
	URL   *url.URL
}

// Document is a single loaded document. It is confined to the goroutine of the
// frame that owns it.
type Document struct {
	url       *url.URL
	mimeType  string
	kind      Kind
	encoding  string
	lifecycle *lifecycle.Lifecycle
	logger    *zap.Logger

	root *html.Node
	xml  *etree.Document

	parsing       bool
	readyState    ReadyState
	bytesReceived int
	scripts       []Script
	scriptRunner  ScriptRunner
	refresh       *Refresh
	parseErr      error
}

// NewDocument creates an empty, inactive document for u.
func NewDocument(u *url.URL, mimeType string, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Document{
		url:        u,
		mimeType:   mimeType,
		kind:       KindForMIMEType(mimeType),
		lifecycle:  lifecycle.New(),
		logger:     logger.Named("document"),
		readyState: ReadyStateLoading,
	}
	// A fresh lifecycle always accepts Inactive.
	_ = d.lifecycle.AdvanceTo(lifecycle.Inactive)
	d.root = emptyTree()
	return d
}

// Attach makes the document live in its window.
func (d *Document) Attach() error {
	if err := d.lifecycle.AdvanceTo(lifecycle.StyleClean); err != nil {
		return fmt.Errorf("failed to attach document: %w", err)
	}
	return nil
}

// Shutdown tears the document down. It is safe to call more than once.
func (d *Document) Shutdown() error {
	if d.lifecycle.State() == lifecycle.Stopped {
		return nil
	}
	d.parsing = false
	d.scriptRunner = nil
	if err := d.lifecycle.AdvanceTo(lifecycle.Stopping); err != nil {
		return fmt.Errorf("failed to stop document: %w", err)
	}
	return d.lifecycle.AdvanceTo(lifecycle.Stopped)
}

func (d *Document) URL() *url.URL                   { return d.url }
func (d *Document) MIMEType() string                { return d.mimeType }
func (d *Document) Kind() Kind                      { return d.kind }
func (d *Document) Encoding() string                { return d.encoding }
func (d *Document) Lifecycle() *lifecycle.Lifecycle { return d.lifecycle }
func (d *Document) Root() *html.Node                { return d.root }
func (d *Document) XML() *etree.Document            { return d.xml }
func (d *Document) ReadyState() ReadyState          { return d.readyState }
func (d *Document) BytesReceived() int              { return d.bytesReceived }
func (d *Document) ParseError() error               { return d.parseErr }
func (d *Document) HTTPRefresh() *Refresh           { return d.refresh }

// Scripts returns the scripts seen by the parser, in document order.
func (d *Document) Scripts() []Script {
	return append([]Script(nil), d.scripts...)
}

// SetURL replaces the document URL, used by same-document navigations.
func (d *Document) SetURL(u *url.URL) { d.url = u }

// SetScriptRunner installs the runner used for page scripts.
func (d *Document) SetScriptRunner(r ScriptRunner) { d.scriptRunner = r }

// IsActive reports whether the document is attached and not shutting down.
func (d *Document) IsActive() bool { return d.lifecycle.IsActive() }

// Parsing reports whether a writer is still feeding the document.
func (d *Document) Parsing() bool { return d.parsing }

// HasActiveParser is Parsing under the name loaders use.
func (d *Document) HasActiveParser() bool { return d.parsing }

// StopParsing detaches the parser. Data arriving afterwards is refused by the loader.
func (d *Document) StopParsing() {
	if !d.parsing {
		return
	}
	d.parsing = false
	d.logger.Debug("Parsing stopped before end of data", zap.Stringer("url", d.url))
}

// Title returns the text of the first <title> element, whitespace collapsed.
func (d *Document) Title() string {
	if d.kind == KindXML {
		if d.xml != nil {
			if el := d.xml.FindElement("//title"); el != nil {
				return strings.Join(strings.Fields(el.Text()), " ")
			}
		}
		return ""
	}
	var title string
	walk(d.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = textContent(n)
			return false
		}
		return true
	})
	return strings.Join(strings.Fields(title), " ")
}

// HTML serializes the document.
func (d *Document) HTML() (string, error) {
	if d.kind == KindXML && d.xml != nil {
		return d.xml.WriteToString()
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return buf.String(), nil
}

// MutateTree runs fn against the tree if the lifecycle permits mutations,
// then marks style dirty.
func (d *Document) MutateTree(fn func(root *html.Node) error) error {
	if d.lifecycle.State() >= lifecycle.Stopping {
		return ErrDocumentStopped
	}
	if !d.lifecycle.StateAllowsTreeMutations() {
		return ErrTreeMutationForbidden
	}
	if err := fn(d.root); err != nil {
		return err
	}
	return d.lifecycle.EnsureStateAtMost(lifecycle.VisualUpdatePending)
}

// UpdateStyle brings a dirty document back to StyleClean. A crawler has no
// style engine, so the recalc stage is entered and left immediately, but
// mutations are still refused while it is in progress.
func (d *Document) UpdateStyle() error {
	if d.lifecycle.State() != lifecycle.VisualUpdatePending {
		return nil
	}
	if err := d.lifecycle.AdvanceTo(lifecycle.InStyleRecalc); err != nil {
		return err
	}
	return d.lifecycle.AdvanceTo(lifecycle.StyleClean)
}

// MaybeHandleHTTPRefresh records a Refresh header ("5; url=/next").
func (d *Document) MaybeHandleHTTPRefresh(header string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return
	}
	delayPart, rest := header, ""
	if i := strings.IndexAny(header, ";,"); i >= 0 {
		delayPart, rest = header[:i], header[i+1:]
	}
	delay, err := strconv.Atoi(strings.TrimSpace(strings.SplitN(delayPart, ".", 2)[0]))
	if err != nil || delay < 0 {
		d.logger.Debug("Ignoring malformed Refresh header", zap.String("header", header))
		return
	}

	target := d.url
	rest = strings.TrimSpace(rest)
	if rest != "" {
		if k, v, ok := strings.Cut(rest, "="); ok && strings.EqualFold(strings.TrimSpace(k), "url") {
			rest = strings.TrimSpace(v)
		}
		rest = strings.Trim(rest, `"'`)
		parsed, err := url.Parse(rest)
		if err != nil {
			return
		}
		if d.url != nil {
			parsed = d.url.ResolveReference(parsed)
		}
		target = parsed
	}
	d.refresh = &Refresh{Delay: delay, URL: target}
}

func (d *Document) beginParsing(encoding string) {
	d.parsing = true
	d.encoding = encoding
	d.readyState = ReadyStateLoading
}

// finishParsing installs the parsed tree, runs page scripts and completes the document.
func (d *Document) finishParsing(root *html.Node, xmlDoc *etree.Document, parseErr error) {
	if d.lifecycle.State() >= lifecycle.Stopping {
		return
	}
	if root != nil {
		d.root = root
	}
	d.xml = xmlDoc
	d.parseErr = parseErr
	d.scripts = collectScripts(d.root)
	d.readyState = ReadyStateInteractive

	if meta := metaRefresh(d.root); meta != "" && d.refresh == nil {
		d.MaybeHandleHTTPRefresh(meta)
	}

	for _, s := range d.scripts {
		// A script may navigate away, which shuts this document down.
		if d.scriptRunner == nil || !d.parsing || d.lifecycle.State() >= lifecycle.Stopping {
			break
		}
		d.scriptRunner.RunPageScript(d, s)
	}

	if d.lifecycle.State() >= lifecycle.Stopping {
		return
	}
	d.parsing = false
	d.readyState = ReadyStateComplete
	if err := d.UpdateStyle(); err != nil {
		d.logger.Warn("Style update after parse failed", zap.Error(err))
	}
}

func emptyTree() *html.Node {
	root, err := html.Parse(strings.NewReader(""))
	if err != nil {
		return &html.Node{Type: html.DocumentNode}
	}
	return root
}

func collectScripts(root *html.Node) []Script {
	var scripts []Script
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || n.DataAtom != atom.Script {
			return true
		}
		s := Script{Src: attr(n, "src"), Type: attr(n, "type"), Source: textContent(n)}
		if isJavaScriptType(s.Type) {
			scripts = append(scripts, s)
		}
		return true
	})
	return scripts
}

func isJavaScriptType(t string) bool {
	t = strings.ToLower(strings.TrimSpace(t))
	switch t {
	case "", "text/javascript", "application/javascript", "application/ecmascript", "text/ecmascript":
		return true
	}
	return false
}

func metaRefresh(root *html.Node) string {
	var content string
	walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == atom.Meta && strings.EqualFold(attr(n, "http-equiv"), "refresh") {
			content = attr(n, "content")
			return false
		}
		return true
	})
	return content
}

// walk visits nodes depth first until fn returns false.
func walk(n *html.Node, fn func(*html.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return b.String()
}
