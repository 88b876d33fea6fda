package resource

import (
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// Response is the header-level view of a fetched resource. The zero value is
// the null response, used for "no redirect" in redirect callbacks.
type Response struct {
	URL                   *url.URL
	StatusCode            int
	MIMEType              string
	TextEncoding          string
	Header                http.Header
	ExpectedContentLength int64
}

// IsNull reports whether the response carries no data at all.
func (r Response) IsNull() bool { return r.URL == nil && r.StatusCode == 0 }

// HTTPHeader returns a header value, or "" if absent.
func (r Response) HTTPHeader(name string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header.Get(name)
}

// NewSyntheticResponse builds a response for content that was produced locally
// rather than fetched.
func NewSyntheticResponse(u *url.URL, mimeType string, length int64, encoding string) Response {
	return Response{
		URL:                   u,
		StatusCode:            http.StatusOK,
		MIMEType:              mimeType,
		TextEncoding:          encoding,
		Header:                make(http.Header),
		ExpectedContentLength: length,
	}
}

// ParseContentType splits a Content-Type header into its lowercased media
// type and charset parameter.
func ParseContentType(header string) (mimeType, charset string) {
	if header == "" {
		return "", ""
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		// Tolerate junk parameters the way browsers do.
		mediaType = strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
		return strings.ToLower(mediaType), ""
	}
	return strings.ToLower(mediaType), params["charset"]
}

// IsRedirectStatus reports whether code is a redirect the fetcher follows.
func IsRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}
