// internal/browser/loader/document_loader.go
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
)

var (
	// ErrAlreadyStarted is returned when a loader or frame loader is started twice.
	ErrAlreadyStarted = errors.New("loader: load already started")
	// ErrDetached is returned when a loader is used after its frame went away.
	ErrDetached = errors.New("loader: detached from frame")
)

// State is a DocumentLoader's progress through its main resource load.
type State int

const (
	NotStarted State = iota
	Provisional
	Committed
	DataReceived
	MainResourceDone
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Provisional:
		return "Provisional"
	case Committed:
		return "Committed"
	case DataReceived:
		return "DataReceived"
	case MainResourceDone:
		return "MainResourceDone"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SameDocumentNavigationSource tells UpdateForSameDocumentNavigation what
// changed the URL.
type SameDocumentNavigationSource int

const (
	SameDocumentNavigationDefault SameDocumentNavigationSource = iota
	SameDocumentNavigationHistoryAPI
)

// DocumentLoader owns one navigation: its requests, the main resource fetch,
// the response and the writer that turns bytes into the frame's document.
//
// A loader is driven from two directions, its FrameLoader and its main
// resource's callbacks, and both may run page script that detaches the frame
// or starts another navigation. Every such entry point brackets itself with
// enter/exit; a detach that lands while the loader is busy only marks it, and
// the outermost exit finishes the teardown.
type DocumentLoader struct {
	id          string
	frameLoader *FrameLoader
	fetcher     Fetcher
	logger      *zap.Logger

	originalRequest resource.Request
	request         resource.Request
	substitute      SubstituteData
	response        resource.Response
	redirectChain   []*url.URL

	mainResource   Resource
	resourceID     string
	state          State
	defersLoading  bool
	inDataReceived bool
	dataBuffer     [][]byte

	writer   dom.Writer
	document *dom.Document

	navigationType             NavigationType
	loadType                   LoadType
	commitType                 CommitType
	isClientRedirect           bool
	replacesCurrentHistoryItem bool

	busy           int
	pendingDestroy bool
	destroyed      bool
}

func newDocumentLoader(fl *FrameLoader, req resource.Request, substitute SubstituteData) *DocumentLoader {
	id := uuid.NewString()
	return &DocumentLoader{
		id:              id,
		frameLoader:     fl,
		fetcher:         fl.fetcher,
		logger:          fl.logger.Named("document_loader").With(zap.String("loader_id", id)),
		originalRequest: req.Clone(),
		request:         req.Clone(),
		substitute:      substitute,
	}
}

func (dl *DocumentLoader) ID() string                         { return dl.id }
func (dl *DocumentLoader) State() State                       { return dl.state }
func (dl *DocumentLoader) OriginalRequest() resource.Request  { return dl.originalRequest }
func (dl *DocumentLoader) Request() resource.Request          { return dl.request }
func (dl *DocumentLoader) Response() resource.Response        { return dl.response }
func (dl *DocumentLoader) URL() *url.URL                      { return dl.request.URL }
func (dl *DocumentLoader) Document() *dom.Document            { return dl.document }
func (dl *DocumentLoader) NavigationType() NavigationType     { return dl.navigationType }
func (dl *DocumentLoader) IsClientRedirect() bool             { return dl.isClientRedirect }
func (dl *DocumentLoader) ReplacesCurrentHistoryItem() bool   { return dl.replacesCurrentHistoryItem }
func (dl *DocumentLoader) MainResourceIdentifier() string     { return dl.resourceID }
func (dl *DocumentLoader) ResponseMIMEType() string           { return dl.response.MIMEType }
func (dl *DocumentLoader) IsDetached() bool                   { return dl.frameLoader == nil }
func (dl *DocumentLoader) IsDestroyed() bool                  { return dl.destroyed }

// RedirectChain returns every URL the load was redirected to, in order.
func (dl *DocumentLoader) RedirectChain() []*url.URL {
	return append([]*url.URL(nil), dl.redirectChain...)
}

// UnreachableURL is the URL substitute content stands in for.
func (dl *DocumentLoader) UnreachableURL() *url.URL { return dl.substitute.FailingURL }

// URLForHistory is the URL recorded in session history.
func (dl *DocumentLoader) URLForHistory() *url.URL {
	if u := dl.UnreachableURL(); u != nil {
		return u
	}
	return dl.URL()
}

// IsLoading reports whether the document is still parsing or the main
// resource has started but not finished.
func (dl *DocumentLoader) IsLoading() bool {
	if dl.document != nil && dl.document.HasActiveParser() {
		return true
	}
	return dl.state > NotStarted && dl.state < MainResourceDone
}

func (dl *DocumentLoader) enter() { dl.busy++ }

func (dl *DocumentLoader) exit() {
	dl.busy--
	if dl.busy == 0 && dl.pendingDestroy {
		dl.destroy()
	}
}

func (dl *DocumentLoader) destroy() {
	dl.pendingDestroy = false
	dl.destroyed = true
	dl.writer = nil
	dl.dataBuffer = nil
	dl.fetcher = nil
	dl.logger.Debug("Document loader destroyed")
}

// StartLoadingMainResource begins the load. It may be called once.
func (dl *DocumentLoader) StartLoadingMainResource() error {
	if dl.state != NotStarted || dl.mainResource != nil {
		return ErrAlreadyStarted
	}
	if dl.frameLoader == nil {
		return ErrDetached
	}
	dl.enter()
	defer dl.exit()

	dl.state = Provisional
	if dl.maybeLoadEmpty() {
		return nil
	}

	dl.willSendRequest(&dl.request, resource.Response{})
	// willSendRequest may detach the frame or null the request.
	if dl.frameLoader == nil || dl.request.IsNull() {
		return nil
	}

	res, err := dl.startFetch()
	if err != nil {
		dl.logger.Warn("Main resource fetch could not start", zap.String("url", dl.request.URLString()), zap.Error(err))
		var rerr *resource.Error
		if !errors.As(err, &rerr) {
			rerr = resource.ClassifyNetworkError(dl.request.URL, err)
		}
		dl.mainReceivedError(rerr)
		return nil
	}
	if res == nil {
		dl.request = resource.Request{}
		dl.maybeLoadEmpty()
		return nil
	}
	dl.mainResource = res
	dl.resourceID = res.Identifier()
	if dl.defersLoading {
		res.SetDefersLoading(true)
	}

	// The fetcher may have added headers; keep its view, but not at the cost
	// of the fragment a cache layer stripped.
	sent := res.Request()
	if !sent.IsNull() {
		if resource.EqualIgnoringFragment(sent.URL, dl.request.URL) {
			sent.URL = dl.request.URL
		}
		dl.request = sent.Clone()
	}
	dl.logger.Debug("Main resource load started",
		zap.String("url", dl.request.URLString()),
		zap.String("resource_id", dl.resourceID))
	return nil
}

func (dl *DocumentLoader) startFetch() (Resource, error) {
	if dl.substitute.IsValid() {
		if dl.frameLoader.runner == nil {
			return nil, errors.New("loader: substitute data needs a task runner")
		}
		return newSubstituteResource(dl.request, dl.substitute, dl.frameLoader.runner, dl), nil
	}
	if dl.fetcher == nil {
		return nil, errors.New("loader: no fetcher configured")
	}
	return dl.fetcher.Fetch(dl.request, dl)
}

// maybeLoadEmpty commits a blank text/html document without fetching when
// the URL is empty or its scheme loads as an empty document.
func (dl *DocumentLoader) maybeLoadEmpty() bool {
	if dl.substitute.IsValid() {
		return false
	}
	empty := dl.request.IsEmptyURL()
	if !empty && !dl.frameLoader.schemes.ShouldLoadURLSchemeAsEmptyDocument(dl.request.URL.Scheme) {
		return false
	}
	if empty {
		if !dl.frameLoader.stateMachine.CreatingInitialEmptyDocument() {
			dl.request.URL = resource.BlankURL()
		} else if dl.request.URL == nil {
			dl.request.URL = &url.URL{}
		}
		if dl.request.Method == "" {
			dl.request.Method = http.MethodGet
		}
	}
	dl.response = resource.NewSyntheticResponse(dl.request.URL, "text/html", 0, "")
	dl.finishedLoading()
	return true
}

func (dl *DocumentLoader) isRedirectAfterPost(redirectResponse resource.Response) bool {
	status := redirectResponse.StatusCode
	if (status >= 301 && status <= 303) || status == 307 {
		return dl.originalRequest.HTTPMethod() == http.MethodPost
	}
	return false
}

// willSendRequest runs before the first request and before every redirect hop.
func (dl *DocumentLoader) willSendRequest(newRequest *resource.Request, redirectResponse resource.Response) {
	fl := dl.frameLoader
	if !redirectResponse.IsNull() {
		origin := resource.OriginFromURL(redirectResponse.URL)
		if !origin.CanDisplay(newRequest.URL, fl.schemes) {
			fl.reportLocalLoadFailed(newRequest.URL)
			dl.cancelMainResourceLoad(resource.CancelledError(newRequest.URL))
			return
		}
	}

	// Returning to a page after a POST should show what the POST changed.
	if newRequest.CachePolicy == resource.UseProtocolCachePolicy && dl.isRedirectAfterPost(redirectResponse) {
		newRequest.CachePolicy = resource.ReloadBypassingCache
	}

	dl.request = newRequest.Clone()
	if redirectResponse.IsNull() {
		return
	}

	dl.redirectChain = append(dl.redirectChain, dl.request.URL)
	fl.receivedMainResourceRedirect(dl, redirectResponse, dl.request)
	if dl.frameLoader == nil {
		return
	}
	if !fl.shouldContinueForNavigationPolicy(dl.request, dl.navigationType) {
		dl.cancelMainResourceLoad(resource.CancelledError(dl.request.URL))
	}
}

// shouldContinueForResponse decides whether the response can replace the
// frame's document.
func (dl *DocumentLoader) shouldContinueForResponse() (bool, string) {
	if dl.substitute.IsValid() {
		return true, ""
	}
	switch dl.response.StatusCode {
	case http.StatusNoContent, http.StatusResetContent:
		return false, "no content"
	}
	if resource.ContentDispositionType(dl.response.HTTPHeader("Content-Disposition")) == resource.DispositionAttachment {
		return false, "attachment"
	}
	if !dl.frameLoader.mimeTypes.IsSupportedMIMEType(dl.response.MIMEType) {
		return false, "unsupported mime type"
	}
	// Archives can claim any origin, so only local ones are trusted.
	if resource.IsArchiveMIMEType(dl.response.MIMEType) &&
		(dl.request.URL == nil || !dl.frameLoader.schemes.ShouldTreatURLSchemeAsLocal(dl.request.URL.Scheme)) {
		return false, "remote archive"
	}
	return true, ""
}

// maybeCreateArchive always declines: archive formats such as MHTML are not loaded.
func (dl *DocumentLoader) maybeCreateArchive() bool {
	return false
}

// RedirectReceived implements ResourceClient.
func (dl *DocumentLoader) RedirectReceived(res Resource, req *resource.Request, redirectResponse resource.Response) {
	if res != dl.mainResource || dl.frameLoader == nil {
		return
	}
	dl.enter()
	defer dl.exit()
	dl.willSendRequest(req, redirectResponse)
}

// ResponseReceived implements ResourceClient.
func (dl *DocumentLoader) ResponseReceived(res Resource, resp resource.Response) {
	if res != dl.mainResource || dl.frameLoader == nil {
		return
	}
	dl.enter()
	defer dl.exit()

	dl.response = resp
	dl.frameLoader.receivedMainResourceResponse(dl, resp)
	if dl.frameLoader == nil {
		return
	}
	if ok, reason := dl.shouldContinueForResponse(); !ok {
		dl.logger.Info("Response will not be displayed",
			zap.String("url", dl.request.URLString()),
			zap.Int("status", resp.StatusCode),
			zap.String("mime_type", resp.MIMEType),
			zap.String("reason", reason))
		dl.cancelMainResourceLoad(resource.CancelledError(dl.request.URL))
	}
}

// DataReceived implements ResourceClient. Chunks that arrive while an earlier
// chunk is still being processed are queued and drained by the outer call,
// so the writer sees them in arrival order.
func (dl *DocumentLoader) DataReceived(res Resource, data []byte) {
	if res != dl.mainResource || len(data) == 0 {
		return
	}
	if dl.inDataReceived {
		dl.dataBuffer = append(dl.dataBuffer, bytes.Clone(data))
		return
	}
	dl.enter()
	defer dl.exit()
	dl.inDataReceived = true
	defer func() { dl.inDataReceived = false }()

	dl.processData(data)
	for len(dl.dataBuffer) > 0 {
		chunk := dl.dataBuffer[0]
		dl.dataBuffer = dl.dataBuffer[1:]
		dl.processData(chunk)
	}
	dl.dataBuffer = nil
}

// NotifyFinished implements ResourceClient.
func (dl *DocumentLoader) NotifyFinished(res Resource, err *resource.Error) {
	if res != dl.mainResource {
		return
	}
	dl.enter()
	defer dl.exit()

	if dl.frameLoader != nil {
		dl.frameLoader.mainResourceFinished(dl, err)
	}
	if err == nil {
		dl.finishedLoading()
		return
	}
	dl.mainReceivedError(err)
}

func (dl *DocumentLoader) processData(data []byte) {
	if dl.state >= MainResourceDone || dl.frameLoader == nil {
		return
	}
	if resource.IsArchiveMIMEType(dl.response.MIMEType) {
		return
	}
	dl.commitIfReady()
	if dl.frameLoader == nil {
		return
	}
	dl.commitData(data)
}

func (dl *DocumentLoader) commitIfReady() {
	if dl.state < Committed {
		dl.state = Committed
		dl.frameLoader.commitProvisionalLoad(dl)
	}
}

func (dl *DocumentLoader) commitData(data []byte) {
	if !dl.ensureWriter() {
		return
	}
	// Script may have closed the document while data was still arriving.
	if !dl.writer.Document().Parsing() {
		dl.cancelMainResourceLoad(resource.CancelledError(dl.request.URL))
		return
	}
	if len(data) > 0 {
		dl.state = DataReceived
	}
	dl.writer.AddData(data)
}

// ensureWriter installs the loader's document on first data. It reports
// false if the load cannot go on.
func (dl *DocumentLoader) ensureWriter() bool {
	if dl.writer != nil {
		return true
	}
	fl := dl.frameLoader
	mimeType := dl.response.MIMEType
	doc, err := fl.frame.InstallNewDocument(dl.URL(), mimeType)
	if err != nil {
		dl.logger.Error("Failed to install document", zap.String("url", dl.request.URLString()), zap.Error(err))
		dl.cancelMainResourceLoad(resource.NewError(resource.ErrCodeUnexpected, dl.request.URL, "failed to install document", err))
		return false
	}
	dl.document = doc
	dl.writer = fl.newWriter(doc, mimeType, dl.response.TextEncoding)
	dl.writer.Begin()

	fl.didInstallDocument(dl, doc)
	if dl.frameLoader == nil || dl.writer == nil {
		return false
	}
	fl.receivedFirstData(dl)
	if dl.frameLoader == nil || dl.writer == nil {
		return false
	}
	doc.MaybeHandleHTTPRefresh(dl.response.HTTPHeader("Refresh"))
	return true
}

func (dl *DocumentLoader) endWriting() {
	w := dl.writer
	if w == nil {
		return
	}
	dl.writer = nil
	w.End()
}

func (dl *DocumentLoader) finishedLoading() {
	dl.commitIfReady()
	if dl.frameLoader == nil {
		return
	}
	if !dl.maybeCreateArchive() && dl.writer == nil {
		// An empty body never reached commitData, and the document is created there.
		dl.commitData(nil)
		if dl.frameLoader == nil || dl.state >= MainResourceDone {
			return
		}
	}

	// Page scripts run here and may navigate or detach the frame.
	dl.endWriting()
	if dl.state < MainResourceDone {
		dl.state = MainResourceDone
	}
	dl.clearMainResourceHandle()
	if dl.frameLoader == nil {
		return
	}
	dl.frameLoader.finishedDocumentLoad(dl)
}

// mainReceivedError ends the load with err. It never retries.
func (dl *DocumentLoader) mainReceivedError(err *resource.Error) {
	if dl.frameLoader == nil {
		return
	}
	dl.state = MainResourceDone
	dl.frameLoader.receivedMainResourceError(dl, err)
	dl.clearMainResourceHandle()
	// Whatever arrived before the failure is still parsed; StopParsing above
	// keeps page scripts from running.
	dl.endWriting()
}

// cancelMainResourceLoad unregisters from the main resource before
// cancelling it, so nothing it delivers afterwards is acted on.
func (dl *DocumentLoader) cancelMainResourceLoad(err *resource.Error) {
	dl.enter()
	defer dl.exit()
	if err == nil {
		err = resource.CancelledError(dl.request.URL)
	}
	if res := dl.mainResource; res != nil {
		dl.mainResource = nil
		res.RemoveClient(dl)
		res.Cancel(err)
	}
	dl.mainReceivedError(err)
}

func (dl *DocumentLoader) clearMainResourceHandle() {
	if dl.mainResource == nil {
		return
	}
	dl.mainResource.RemoveClient(dl)
	dl.mainResource = nil
}

// stopLoading cancels the load if it is still in progress.
func (dl *DocumentLoader) stopLoading() {
	dl.enter()
	defer dl.exit()
	if dl.IsLoading() {
		dl.cancelMainResourceLoad(resource.CancelledError(dl.request.URL))
	}
}

// detachFromFrame is the terminal path. The loader is unusable afterwards;
// if a caller further up the stack is still inside one of its methods,
// destruction waits for that call to unwind.
func (dl *DocumentLoader) detachFromFrame() {
	if dl.frameLoader == nil {
		return
	}
	dl.enter()
	defer dl.exit()

	dl.stopLoading()
	// Cancelling can detach us re-entrantly.
	if dl.frameLoader == nil {
		return
	}
	dl.clearMainResourceHandle()
	dl.frameLoader = nil
	dl.pendingDestroy = true
	dl.logger.Debug("Document loader detached", zap.String("url", dl.request.URLString()))
}

// SetDefersLoading pauses or resumes delivery of main resource callbacks.
func (dl *DocumentLoader) SetDefersLoading(defers bool) {
	dl.defersLoading = defers
	if dl.mainResource != nil {
		dl.mainResource.SetDefersLoading(defers)
	}
}

// UpdateForSameDocumentNavigation moves the loader to newURL without a fetch.
func (dl *DocumentLoader) UpdateForSameDocumentNavigation(newURL *url.URL, source SameDocumentNavigationSource) {
	oldURL := dl.request.URL
	dl.originalRequest.URL = newURL
	dl.request.URL = newURL
	if source == SameDocumentNavigationHistoryAPI {
		dl.request.Method = http.MethodGet
		dl.request.Body = nil
	}
	dl.redirectChain = nil
	if dl.isClientRedirect && oldURL != nil {
		dl.redirectChain = append(dl.redirectChain, oldURL)
	}
	dl.redirectChain = append(dl.redirectChain, newURL)
}
