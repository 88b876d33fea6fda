// Package resource holds the value types exchanged between document loaders and
// the resource fetcher: requests, responses, load errors and the registries
// that classify URL schemes and MIME types.
package resource

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

// CachePolicy tells the fetcher how to treat cached copies of a resource.
type CachePolicy int

const (
	UseProtocolCachePolicy CachePolicy = iota
	ReloadIgnoringCacheData
	ReturnCacheDataElseLoad
	ReturnCacheDataDontLoad
	ReloadBypassingCache
)

func (p CachePolicy) String() string {
	switch p {
	case UseProtocolCachePolicy:
		return "UseProtocolCachePolicy"
	case ReloadIgnoringCacheData:
		return "ReloadIgnoringCacheData"
	case ReturnCacheDataElseLoad:
		return "ReturnCacheDataElseLoad"
	case ReturnCacheDataDontLoad:
		return "ReturnCacheDataDontLoad"
	case ReloadBypassingCache:
		return "ReloadBypassingCache"
	default:
		return "CachePolicy(?)"
	}
}

// Request describes a single fetch. The zero value is the null request: it has
// no URL at all, which is different from a request for the empty URL.
type Request struct {
	URL         *url.URL
	Method      string
	Header      http.Header
	Body        []byte
	CachePolicy CachePolicy
	// ReportRedirects asks the fetcher to surface every hop to its client
	// instead of following redirects silently.
	ReportRedirects bool
}

// NewRequest parses rawURL and returns a GET request for it. An empty string
// yields a request for the empty URL.
func NewRequest(rawURL string) (Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Request{}, err
	}
	return Request{URL: u, Method: http.MethodGet, Header: make(http.Header), ReportRedirects: true}, nil
}

// MustRequest is NewRequest for literals known to parse.
func MustRequest(rawURL string) Request {
	r, err := NewRequest(rawURL)
	if err != nil {
		panic(err)
	}
	return r
}

// IsNull reports whether the request carries no URL.
func (r Request) IsNull() bool { return r.URL == nil }

// IsEmptyURL reports whether the request is null or targets the empty URL.
func (r Request) IsEmptyURL() bool { return r.URL == nil || r.URL.String() == "" }

// HTTPMethod returns the method, defaulting to GET.
func (r Request) HTTPMethod() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

// Clone returns a deep copy safe to mutate independently.
func (r Request) Clone() Request {
	c := r
	if r.URL != nil {
		u := *r.URL
		if r.URL.User != nil {
			user := *r.URL.User
			u.User = &user
		}
		c.URL = &u
	}
	if r.Header != nil {
		c.Header = r.Header.Clone()
	}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return c
}

// URLString returns the request URL as a string, or "" for the null request.
func (r Request) URLString() string {
	if r.URL == nil {
		return ""
	}
	return r.URL.String()
}

// BlankURL returns a fresh about:blank URL.
func BlankURL() *url.URL {
	return &url.URL{Scheme: "about", Opaque: "blank"}
}

// EqualIgnoringFragment compares two URLs with their fragments removed.
func EqualIgnoringFragment(a, b *url.URL) bool {
	if a == nil || b == nil {
		return a == b
	}
	return StripFragment(a).String() == StripFragment(b).String()
}

// StripFragment returns a copy of u without its fragment.
func StripFragment(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return &c
}
