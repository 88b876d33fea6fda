package network

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
)

// AcceptEncoding is advertised on every request that doesn't set its own.
const AcceptEncoding = "br, gzip, deflate, identity"

var (
	gzipReaders = sync.Pool{
		New: func() interface{} { return new(gzip.Reader) },
	}
	brotliReaders = sync.Pool{
		New: func() interface{} { return brotli.NewReader(nil) },
	}
)

// Resetting a pooled reader onto nothing drops its reference to the old body.
var drained = strings.NewReader("")

func acquireGzip(r io.Reader) (*gzip.Reader, error) {
	zr := gzipReaders.Get().(*gzip.Reader)
	if err := zr.Reset(r); err != nil {
		gzipReaders.Put(zr)
		return nil, err
	}
	return zr, nil
}

func releaseGzip(zr *gzip.Reader) {
	_ = zr.Reset(drained)
	gzipReaders.Put(zr)
}

func acquireBrotli(r io.Reader) (*brotli.Reader, error) {
	br := brotliReaders.Get().(*brotli.Reader)
	if err := br.Reset(r); err != nil {
		brotliReaders.Put(br)
		return nil, err
	}
	return br, nil
}

func releaseBrotli(br *brotli.Reader) {
	_ = br.Reset(drained)
	brotliReaders.Put(br)
}

// DecodingTransport negotiates compression with the origin and hands callers
// a plain body. The fetcher streams that body to document writers chunk by
// chunk, so decoding has to happen below it rather than after a full read.
type DecodingTransport struct {
	Base http.RoundTripper
}

// NewDecodingTransport wraps base, or http.DefaultTransport when base is nil.
func NewDecodingTransport(base http.RoundTripper) *DecodingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DecodingTransport{Base: base}
}

func (t *DecodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", AcceptEncoding)
	}
	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("decoding %s response: %w", req.URL.Redacted(), err)
	}
	return resp, nil
}

// decodedBody closes the decoder, returns it to its pool, then closes the
// layer beneath it.
type decodedBody struct {
	io.ReadCloser
	under   io.ReadCloser
	release func()
}

func (b *decodedBody) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return errors.Join(b.ReadCloser.Close(), b.under.Close())
}

// DecodeBody replaces resp.Body with a reader that undoes every
// Content-Encoding layer, last applied first. On error the body may have been
// partly consumed and the response must be discarded.
func DecodeBody(resp *http.Response) error {
	if resp == nil || resp.Body == nil {
		return nil
	}
	layers := resp.Header.Values("Content-Encoding")
	if len(layers) == 0 {
		return nil
	}

	for i := len(layers) - 1; i >= 0; i-- {
		var (
			dec     io.ReadCloser
			release func()
		)
		switch enc := strings.ToLower(strings.TrimSpace(layers[i])); enc {
		case "", "identity":
			continue
		case "gzip", "x-gzip":
			zr, err := acquireGzip(resp.Body)
			if err != nil {
				return fmt.Errorf("gzip: %w", err)
			}
			dec, release = zr, func() { releaseGzip(zr) }
		case "br":
			br, err := acquireBrotli(resp.Body)
			if err != nil {
				return fmt.Errorf("brotli: %w", err)
			}
			dec, release = io.NopCloser(br), func() { releaseBrotli(br) }
		case "deflate":
			dec = openDeflate(resp.Body)
		default:
			return fmt.Errorf("unsupported content encoding %q", enc)
		}
		resp.Body = &decodedBody{ReadCloser: dec, under: resp.Body, release: release}
	}

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// replayReader records what it reads so the stream can be restarted once.
type replayReader struct {
	src  io.Reader
	seen bytes.Buffer
	r    io.Reader
}

func newReplayReader(src io.Reader) *replayReader {
	rr := &replayReader{src: src}
	rr.r = io.TeeReader(src, &rr.seen)
	return rr
}

func (rr *replayReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *replayReader) rewind() {
	rr.r = io.MultiReader(bytes.NewReader(rr.seen.Bytes()), rr.src)
}

// openDeflate accepts both zlib-wrapped and raw deflate, since servers
// disagree about what "deflate" means.
func openDeflate(r io.Reader) io.ReadCloser {
	rr := newReplayReader(r)
	if zr, err := zlib.NewReader(rr); err == nil {
		rr.r = rr.src
		rr.seen = bytes.Buffer{}
		return zr
	}
	rr.rewind()
	return flate.NewReader(rr)
}
