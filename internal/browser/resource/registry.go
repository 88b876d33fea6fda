package resource

import (
	"net/url"
	"strings"
)

// SchemeRegistry classifies URL schemes. It is owned by whoever builds the
// loaders, so separate crawlers can hold separate policies.
type SchemeRegistry struct {
	emptyDocument   map[string]struct{}
	local           map[string]struct{}
	displayIsolated map[string]struct{}
}

// NewSchemeRegistry builds a registry from the three scheme lists.
func NewSchemeRegistry(emptyDocument, local, displayIsolated []string) *SchemeRegistry {
	return &SchemeRegistry{
		emptyDocument:   toSet(emptyDocument),
		local:           toSet(local),
		displayIsolated: toSet(displayIsolated),
	}
}

// DefaultSchemeRegistry treats about: as empty and file: as local.
func DefaultSchemeRegistry() *SchemeRegistry {
	return NewSchemeRegistry([]string{"about"}, []string{"file"}, nil)
}

func (s *SchemeRegistry) ShouldLoadURLSchemeAsEmptyDocument(scheme string) bool {
	_, ok := s.emptyDocument[strings.ToLower(scheme)]
	return ok
}

func (s *SchemeRegistry) ShouldTreatURLSchemeAsLocal(scheme string) bool {
	_, ok := s.local[strings.ToLower(scheme)]
	return ok
}

func (s *SchemeRegistry) ShouldTreatURLSchemeAsDisplayIsolated(scheme string) bool {
	_, ok := s.displayIsolated[strings.ToLower(scheme)]
	return ok
}

func (s *SchemeRegistry) RegisterURLSchemeAsEmptyDocument(scheme string) {
	s.emptyDocument[strings.ToLower(scheme)] = struct{}{}
}

func (s *SchemeRegistry) RegisterURLSchemeAsLocal(scheme string) {
	s.local[strings.ToLower(scheme)] = struct{}{}
}

// MIMERegistry knows which MIME types can become documents.
type MIMERegistry struct {
	supported map[string]struct{}
}

// NewMIMERegistry builds a registry accepting the given types.
func NewMIMERegistry(types []string) *MIMERegistry {
	return &MIMERegistry{supported: toSet(types)}
}

// DefaultMIMETypes are the document types a crawler frame can display.
var DefaultMIMETypes = []string{
	"text/html",
	"application/xhtml+xml",
	"text/xml",
	"application/xml",
	"image/svg+xml",
	"text/plain",
}

// DefaultMIMERegistry accepts DefaultMIMETypes.
func DefaultMIMERegistry() *MIMERegistry {
	return NewMIMERegistry(DefaultMIMETypes)
}

// IsSupportedMIMEType reports whether a document can be built for mimeType.
// Any "+xml" type is accepted as an XML document.
func (m *MIMERegistry) IsSupportedMIMEType(mimeType string) bool {
	mimeType = strings.ToLower(mimeType)
	if _, ok := m.supported[mimeType]; ok {
		return true
	}
	return strings.HasSuffix(mimeType, "+xml")
}

// IsArchiveMIMEType reports whether mimeType is a web archive container.
func IsArchiveMIMEType(mimeType string) bool {
	return strings.EqualFold(mimeType, "multipart/related")
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// SecurityOrigin is the scheme/host/port tuple content is attributed to.
type SecurityOrigin struct {
	Scheme string
	Host   string
	Port   string
}

// OriginFromURL returns the origin of u. A nil URL yields the unique empty origin.
func OriginFromURL(u *url.URL) SecurityOrigin {
	if u == nil {
		return SecurityOrigin{}
	}
	return SecurityOrigin{
		Scheme: strings.ToLower(u.Scheme),
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}
}

func (o SecurityOrigin) String() string {
	if o.Host == "" {
		return o.Scheme + ":"
	}
	if o.Port == "" {
		return o.Scheme + "://" + o.Host
	}
	return o.Scheme + "://" + o.Host + ":" + o.Port
}

// CanDisplay reports whether content from this origin may cause target to be
// shown. Local content is only reachable from local origins, and display
// isolated schemes only from their own scheme.
func (o SecurityOrigin) CanDisplay(target *url.URL, schemes *SchemeRegistry) bool {
	if target == nil {
		return false
	}
	scheme := strings.ToLower(target.Scheme)
	if schemes.ShouldTreatURLSchemeAsDisplayIsolated(scheme) {
		return o.Scheme == scheme
	}
	if schemes.ShouldTreatURLSchemeAsLocal(scheme) {
		return schemes.ShouldTreatURLSchemeAsLocal(o.Scheme)
	}
	return true
}

// DispositionType is the parsed kind of a Content-Disposition header.
type DispositionType int

const (
	DispositionNone DispositionType = iota
	DispositionInline
	DispositionAttachment
)

// ContentDispositionType classifies a Content-Disposition header value.
// Headers that do not start with a valid token are treated as absent,
// since many servers send only a filename parameter.
func ContentDispositionType(header string) DispositionType {
	if header == "" {
		return DispositionNone
	}
	token := strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
	if token == "" {
		return DispositionNone
	}
	if strings.EqualFold(token, "inline") {
		return DispositionInline
	}
	if !isToken(token) {
		return DispositionNone
	}
	return DispositionAttachment
}

func isToken(s string) bool {
	for _, r := range s {
		if r <= 0x20 || r >= 0x7f || strings.ContainsRune(`()<>@,;:\"/[]?={}`, r) {
			return false
		}
	}
	return s != ""
}
