package dom

import (
	"bytes"
	"strings"

	"github.com/beevik/etree"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Writer feeds response bytes into a document. The loader calls Begin once,
// AddData for every chunk in arrival order, then End.
type Writer interface {
	Begin()
	AddData(data []byte)
	End()
	MIMEType() string
	Document() *Document
}

// WriterFactory builds the writer for a freshly installed document.
type WriterFactory func(doc *Document, mimeType, encoding string) Writer

// DocumentWriter buffers the body and builds the tree when the load ends.
// x/net/html has no resumable tree builder, so the parse happens in End.
type DocumentWriter struct {
	doc      *Document
	mimeType string
	encoding string
	buf      bytes.Buffer
	ended    bool
}

// NewWriter is the default WriterFactory.
func NewWriter(doc *Document, mimeType, encoding string) Writer {
	return &DocumentWriter{doc: doc, mimeType: mimeType, encoding: encoding}
}

func (w *DocumentWriter) MIMEType() string    { return w.mimeType }
func (w *DocumentWriter) Document() *Document { return w.doc }

func (w *DocumentWriter) Begin() {
	w.doc.beginParsing(w.encoding)
}

func (w *DocumentWriter) AddData(data []byte) {
	if w.ended || len(data) == 0 {
		return
	}
	w.buf.Write(data)
	w.doc.bytesReceived += len(data)
}

func (w *DocumentWriter) End() {
	if w.ended {
		return
	}
	w.ended = true

	decoded, name := w.decode()
	w.doc.encoding = name

	switch w.doc.kind {
	case KindXML:
		x := etree.NewDocument()
		err := x.ReadFromBytes(decoded)
		if err != nil {
			w.doc.logger.Warn("XML document is not well formed", zap.Stringer("url", w.doc.url), zap.Error(err))
		}
		w.doc.finishParsing(nil, x, err)
	case KindText:
		root, err := html.Parse(strings.NewReader(
			"<html><head></head><body><pre>" + html.EscapeString(string(decoded)) + "</pre></body></html>"))
		w.doc.finishParsing(root, nil, err)
	default:
		root, err := html.Parse(bytes.NewReader(decoded))
		if err != nil {
			w.doc.logger.Warn("HTML parse failed", zap.Stringer("url", w.doc.url), zap.Error(err))
			root = nil
		}
		w.doc.finishParsing(root, nil, err)
	}
}

// decode converts the body to UTF-8 using the declared charset, falling
// back to sniffing for HTML.
func (w *DocumentWriter) decode() ([]byte, string) {
	raw := w.buf.Bytes()

	var enc encoding.Encoding
	name := "utf-8"
	if w.encoding != "" {
		enc, name = charset.Lookup(w.encoding)
	}
	if enc == nil {
		if w.doc.kind == KindXML {
			// etree honors the XML declaration itself.
			return raw, "utf-8"
		}
		enc, name, _ = charset.DetermineEncoding(raw, w.mimeType)
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		w.doc.logger.Debug("Falling back to raw bytes after decode failure", zap.String("charset", name), zap.Error(err))
		return raw, "utf-8"
	}
	return out, name
}
