package loader

import (
	"net/url"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
)

// LoadNotifier is the only capability every frame client must implement. It
// carries the user visible outcome of every navigation.
type LoadNotifier interface {
	DidStartLoading()
	DidStopLoading()
	DidCommitLoad(info CommitInfo)
	DidFinishLoad()
	DidFailProvisionalLoad(err *resource.Error)
	DidFailLoad(err *resource.Error)
}

// NavigationPolicy lets a client veto a navigation before it starts and on
// every redirect hop.
type NavigationPolicy interface {
	ShouldContinueNavigation(req resource.Request, navType NavigationType) bool
}

// Console message levels passed to ConsoleSink.
const (
	ConsoleLevelLog     = "log"
	ConsoleLevelWarning = "warning"
	ConsoleLevelError   = "error"
)

// ConsoleSink receives messages the loader would print to the page console.
type ConsoleSink interface {
	AddConsoleMessage(level, message string)
}

// ResourceObserver is told about main resource traffic.
type ResourceObserver interface {
	DidReceiveRedirect(identifier string, redirectResponse resource.Response, newRequest resource.Request)
	DidReceiveResponse(identifier string, resp resource.Response)
	DidFinishLoading(identifier string, err *resource.Error)
}

// DocumentObserver is told when the frame gets a new document, which is the
// point where script bindings must be rebuilt, and about fragment navigations.
type DocumentObserver interface {
	DidCreateDocument(doc *dom.Document)
	DidNavigateWithinPage(u *url.URL)
}

// Frame is the loader's non-owning view of the frame it loads into.
type Frame interface {
	IsAttached() bool
	Document() *dom.Document
	// InstallNewDocument shuts down the current document and attaches a fresh
	// one for u.
	InstallNewDocument(u *url.URL, mimeType string) (*dom.Document, error)
	IsLoading() bool
	SetIsLoading(loading bool)
}

// NavigationType records what triggered a navigation.
type NavigationType int

const (
	NavigationTypeLinkClicked NavigationType = iota
	NavigationTypeFormSubmitted
	NavigationTypeBackForward
	NavigationTypeReload
	NavigationTypeFormResubmitted
	NavigationTypeOther
)

func (t NavigationType) String() string {
	switch t {
	case NavigationTypeLinkClicked:
		return "link"
	case NavigationTypeFormSubmitted:
		return "form"
	case NavigationTypeBackForward:
		return "back_forward"
	case NavigationTypeReload:
		return "reload"
	case NavigationTypeFormResubmitted:
		return "form_resubmit"
	default:
		return "other"
	}
}

// LoadType selects how a navigation interacts with history and the cache.
type LoadType int

const (
	LoadStandard LoadType = iota
	LoadReplace
	LoadReload
	LoadReloadBypassingCache
)

// SubstituteData supplies a document body in place of a fetch.
type SubstituteData struct {
	Content      []byte
	MIMEType     string
	TextEncoding string
	// FailingURL is the URL the content stands in for, if any.
	FailingURL *url.URL
}

// IsValid reports whether there is content to load. An empty, non-nil slice
// is valid and loads an empty document.
func (s SubstituteData) IsValid() bool { return s.Content != nil }

// FrameLoadRequest is a navigation intent.
type FrameLoadRequest struct {
	Request    resource.Request
	Substitute SubstituteData
	// Target names the frame to navigate; empty means the requesting frame.
	Target              string
	NavigationType      NavigationType
	ClientRedirect      bool
	ReplacesCurrentItem bool
}

// CommitType says what a commit did to session history.
type CommitType int

const (
	// CommitStandard appended a history entry.
	CommitStandard CommitType = iota
	// CommitReplace overwrote the current entry.
	CommitReplace
	// CommitInitialEmpty is the frame's initial empty document; history is untouched.
	CommitInitialEmpty
)

func (t CommitType) String() string {
	switch t {
	case CommitStandard:
		return "standard"
	case CommitReplace:
		return "replace"
	default:
		return "initial_empty"
	}
}

// CommitInfo describes a committed navigation.
type CommitInfo struct {
	Identifier    string
	URL           *url.URL
	StatusCode    int
	MIMEType      string
	RedirectChain []*url.URL
	CommitType    CommitType
}
