// internal/browser/loader/frame_loader.go
package loader

import (
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
)

var (
	// ErrNullRequest is returned for a navigation without a URL.
	ErrNullRequest = errors.New("loader: navigation request has no URL")
	// ErrNavigationInProgress is returned when a client callback tries to start
	// a navigation while the frame loader is tearing down the previous one.
	ErrNavigationInProgress = errors.New("loader: navigation started while superseding another")
)

// Options configures a FrameLoader.
type Options struct {
	Fetcher Fetcher
	// Runner delivers substitute data callbacks on the owning goroutine.
	Runner    scheduler.TaskRunner
	Schemes   *resource.SchemeRegistry
	MIMETypes *resource.MIMERegistry
	NewWriter dom.WriterFactory
	// UserAgent, if set, fills in the User-Agent header of every navigation
	// that does not carry one.
	UserAgent func() string
	Logger    *zap.Logger
}

// FrameLoader owns a frame's document loaders. At any instant there is at
// most one provisional loader (fetching, not yet shown) and at most one
// committed loader (whose document the frame displays).
type FrameLoader struct {
	frame        Frame
	client       LoadNotifier
	fetcher      Fetcher
	runner       scheduler.TaskRunner
	schemes      *resource.SchemeRegistry
	mimeTypes    *resource.MIMERegistry
	newWriter    dom.WriterFactory
	userAgent    func() string
	logger       *zap.Logger
	stateMachine *StateMachine
	history      *History

	provisional    *DocumentLoader
	documentLoader *DocumentLoader

	initialized        bool
	detached           bool
	startingNavigation bool
	inStopAllLoaders   bool
}

// NewFrameLoader builds the loader for frame. client must not be nil; it may
// also implement NavigationPolicy, ConsoleSink, ResourceObserver and
// DocumentObserver.
func NewFrameLoader(frame Frame, client LoadNotifier, opts Options) *FrameLoader {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Schemes == nil {
		opts.Schemes = resource.DefaultSchemeRegistry()
	}
	if opts.MIMETypes == nil {
		opts.MIMETypes = resource.DefaultMIMERegistry()
	}
	if opts.NewWriter == nil {
		opts.NewWriter = dom.NewWriter
	}
	return &FrameLoader{
		frame:        frame,
		client:       client,
		fetcher:      opts.Fetcher,
		runner:       opts.Runner,
		schemes:      opts.Schemes,
		mimeTypes:    opts.MIMETypes,
		newWriter:    opts.NewWriter,
		userAgent:    opts.UserAgent,
		logger:       logger.Named("frame_loader"),
		stateMachine: NewStateMachine(),
		history:      newHistory(),
	}
}

func (fl *FrameLoader) StateMachine() *StateMachine { return fl.stateMachine }
func (fl *FrameLoader) History() *History           { return fl.history }
func (fl *FrameLoader) Client() LoadNotifier        { return fl.client }

// DocumentLoader is the committed loader, or nil.
func (fl *FrameLoader) DocumentLoader() *DocumentLoader { return fl.documentLoader }

// ProvisionalDocumentLoader is the loader still waiting to commit, or nil.
func (fl *FrameLoader) ProvisionalDocumentLoader() *DocumentLoader { return fl.provisional }

// Init loads the frame's initial empty document. It completes synchronously.
func (fl *FrameLoader) Init() error {
	if fl.initialized {
		return ErrAlreadyStarted
	}
	if fl.detached {
		return ErrDetached
	}
	fl.initialized = true

	req := resource.Request{URL: &url.URL{}, Method: http.MethodGet, Header: make(http.Header)}
	fl.provisional = newDocumentLoader(fl, req, SubstituteData{})
	if err := fl.provisional.StartLoadingMainResource(); err != nil {
		return err
	}
	if doc := fl.frame.Document(); doc != nil {
		doc.StopParsing()
	}
	return fl.stateMachine.AdvanceTo(DisplayingInitialEmptyDocument)
}

// StartNavigation begins loading req into the frame. Failures of the load
// itself are reported through the client, not returned.
func (fl *FrameLoader) StartNavigation(req FrameLoadRequest, loadType LoadType) error {
	if fl.detached {
		return ErrDetached
	}
	if fl.startingNavigation {
		return ErrNavigationInProgress
	}
	if req.Request.IsNull() {
		return ErrNullRequest
	}
	request := req.Request.Clone()
	if request.Header == nil {
		request.Header = make(http.Header)
	}
	switch loadType {
	case LoadReload:
		request.CachePolicy = resource.ReloadIgnoringCacheData
	case LoadReloadBypassingCache:
		request.CachePolicy = resource.ReloadBypassingCache
	}

	log := fl.logger.With(zap.String("url", request.URLString()), zap.Stringer("navigation_type", req.NavigationType))
	if !fl.shouldContinueForNavigationPolicy(request, req.NavigationType) {
		log.Info("Navigation vetoed by policy")
		fl.client.DidFailProvisionalLoad(resource.CancelledError(request.URL))
		return nil
	}

	if fl.shouldPerformFragmentNavigation(req, request, loadType) {
		fl.loadInSameDocument(request.URL, SameDocumentNavigationDefault, loadType == LoadReplace || req.ReplacesCurrentItem)
		return nil
	}

	fl.startingNavigation = true
	for fl.provisional != nil {
		old := fl.provisional
		old.stopLoading()
		if fl.provisional == old {
			fl.detachProvisional()
		}
	}
	fl.startingNavigation = false
	if fl.detached {
		return ErrDetached
	}

	if fl.userAgent != nil && request.Header.Get("User-Agent") == "" {
		if ua := fl.userAgent(); ua != "" {
			request.Header.Set("User-Agent", ua)
		}
	}

	dl := newDocumentLoader(fl, request, req.Substitute)
	dl.navigationType = req.NavigationType
	dl.loadType = loadType
	dl.isClientRedirect = req.ClientRedirect
	dl.replacesCurrentHistoryItem = req.ReplacesCurrentItem || loadType == LoadReplace
	fl.provisional = dl

	log.Debug("Starting navigation", zap.String("loader_id", dl.ID()))
	fl.progressStarted()
	return dl.StartLoadingMainResource()
}

func (fl *FrameLoader) shouldPerformFragmentNavigation(req FrameLoadRequest, request resource.Request, loadType LoadType) bool {
	if loadType == LoadReload || loadType == LoadReloadBypassingCache || req.Substitute.IsValid() {
		return false
	}
	if request.HTTPMethod() != http.MethodGet || request.URL.Fragment == "" {
		return false
	}
	if !fl.stateMachine.CommittedFirstRealLoad() || fl.documentLoader == nil {
		return false
	}
	doc := fl.frame.Document()
	return doc != nil && resource.EqualIgnoringFragment(doc.URL(), request.URL)
}

// loadInSameDocument handles a navigation that only changes the fragment or
// comes from the history API.
func (fl *FrameLoader) loadInSameDocument(u *url.URL, source SameDocumentNavigationSource, replace bool) {
	fl.documentLoader.UpdateForSameDocumentNavigation(u, source)
	if doc := fl.frame.Document(); doc != nil {
		doc.SetURL(u)
	}
	if replace {
		fl.history.updateCurrentURL(u)
	} else {
		dl := fl.documentLoader
		fl.history.push(HistoryItem{URL: u, OriginalURL: u, Method: dl.request.HTTPMethod(), RedirectChain: dl.RedirectChain()})
	}
	fl.logger.Debug("Same document navigation", zap.Stringer("url", u))
	if obs, ok := fl.client.(DocumentObserver); ok {
		obs.DidNavigateWithinPage(u)
	}
}

// UpdateURLForHistoryAPI implements history.pushState and replaceState. The
// new URL must have the same origin as the document.
func (fl *FrameLoader) UpdateURLForHistoryAPI(u *url.URL, replace bool) error {
	if fl.detached {
		return ErrDetached
	}
	doc := fl.frame.Document()
	if fl.documentLoader == nil || doc == nil {
		return errors.New("loader: no committed document")
	}
	if cur := doc.URL(); cur != nil && resource.OriginFromURL(cur) != resource.OriginFromURL(u) {
		return errors.New("loader: history state URL must be same origin")
	}
	fl.loadInSameDocument(u, SameDocumentNavigationHistoryAPI, replace)
	return nil
}

func (fl *FrameLoader) detachProvisional() {
	dl := fl.provisional
	if dl == nil {
		return
	}
	dl.detachFromFrame()
	if fl.provisional == dl {
		fl.provisional = nil
	}
}

// commitProvisionalLoad promotes dl, which must be the provisional loader,
// discarding the previously committed loader.
func (fl *FrameLoader) commitProvisionalLoad(dl *DocumentLoader) {
	if dl != fl.provisional {
		fl.logger.Warn("Commit requested by a loader that is not provisional", zap.String("loader_id", dl.ID()))
		return
	}
	if old := fl.documentLoader; old != nil {
		// Tearing down the old load reports its failure to the client, which
		// can start yet another navigation.
		old.detachFromFrame()
		if fl.documentLoader == old {
			fl.documentLoader = nil
		}
		if dl != fl.provisional || dl.frameLoader == nil {
			return
		}
	}
	fl.documentLoader = dl
	fl.provisional = nil

	var err error
	switch {
	case fl.stateMachine.CreatingInitialEmptyDocument():
		dl.commitType = CommitInitialEmpty
	case fl.stateMachine.IsDisplayingInitialEmptyDocument():
		// The first real load takes the place of the initial empty document.
		dl.commitType = CommitReplace
		err = fl.stateMachine.AdvanceTo(CommittedFirstRealLoad)
	default:
		if !fl.stateMachine.CommittedMultipleRealLoads() {
			err = fl.stateMachine.AdvanceTo(CommittedMultipleRealLoads)
		}
		dl.commitType = CommitStandard
		if dl.replacesCurrentHistoryItem || dl.loadType == LoadReload || dl.loadType == LoadReloadBypassingCache {
			dl.commitType = CommitReplace
		}
	}
	if err != nil {
		fl.logger.Error("Frame loader state machine rejected commit", zap.Error(err))
	}
	fl.logger.Debug("Committed provisional load",
		zap.String("loader_id", dl.ID()),
		zap.String("url", dl.request.URLString()),
		zap.Stringer("commit_type", dl.commitType),
		zap.Stringer("frame_state", fl.stateMachine.State()))
}

// receivedFirstData records history and tells the client about the commit,
// once per load, after the new document exists.
func (fl *FrameLoader) receivedFirstData(dl *DocumentLoader) {
	if dl.commitType == CommitInitialEmpty {
		return
	}
	item := HistoryItem{
		URL:           dl.URLForHistory(),
		OriginalURL:   dl.originalRequest.URL,
		Method:        dl.request.HTTPMethod(),
		RedirectChain: dl.RedirectChain(),
	}
	if dl.commitType == CommitReplace {
		fl.history.replace(item)
	} else {
		fl.history.push(item)
	}
	fl.client.DidCommitLoad(CommitInfo{
		Identifier:    dl.resourceID,
		URL:           dl.URL(),
		StatusCode:    dl.response.StatusCode,
		MIMEType:      dl.response.MIMEType,
		RedirectChain: dl.RedirectChain(),
		CommitType:    dl.commitType,
	})
}

func (fl *FrameLoader) didInstallDocument(dl *DocumentLoader, doc *dom.Document) {
	if obs, ok := fl.client.(DocumentObserver); ok {
		obs.DidCreateDocument(doc)
	}
}

func (fl *FrameLoader) finishedDocumentLoad(dl *DocumentLoader) {
	if dl != fl.documentLoader || fl.stateMachine.CreatingInitialEmptyDocument() {
		return
	}
	fl.logger.Debug("Document finished loading", zap.String("url", dl.request.URLString()))
	fl.client.DidFinishLoad()
	if fl.provisional == nil && !fl.detached {
		fl.progressCompleted()
	}
}

func (fl *FrameLoader) receivedMainResourceError(dl *DocumentLoader, err *resource.Error) {
	fields := []zap.Field{zap.String("url", dl.request.URLString()), zap.Error(err)}
	switch dl {
	case fl.provisional:
		if err.IsCancellation() {
			fl.logger.Debug("Provisional load cancelled", fields...)
		} else {
			fl.logger.Warn("Provisional load failed", fields...)
		}
		if !fl.stateMachine.CreatingInitialEmptyDocument() {
			fl.client.DidFailProvisionalLoad(err)
		}
		// The client may have started another navigation from the callback.
		if dl != fl.provisional {
			return
		}
		fl.detachProvisional()
		if fl.provisional == nil && !fl.startingNavigation && !fl.detached {
			fl.progressCompleted()
		}
	case fl.documentLoader:
		if doc := dl.document; doc != nil {
			doc.StopParsing()
		}
		if err.IsCancellation() {
			fl.logger.Debug("Committed load cancelled", fields...)
		} else {
			fl.logger.Warn("Committed load failed", fields...)
		}
		if fl.stateMachine.CreatingInitialEmptyDocument() {
			return
		}
		fl.client.DidFailLoad(err)
		if fl.provisional == nil && !fl.detached {
			fl.progressCompleted()
		}
	}
}

func (fl *FrameLoader) receivedMainResourceRedirect(dl *DocumentLoader, redirectResponse resource.Response, newRequest resource.Request) {
	fl.logger.Debug("Main resource redirected",
		zap.String("from", urlString(redirectResponse.URL)),
		zap.String("to", newRequest.URLString()),
		zap.Int("status", redirectResponse.StatusCode))
	if obs, ok := fl.client.(ResourceObserver); ok {
		obs.DidReceiveRedirect(dl.resourceID, redirectResponse, newRequest)
	}
}

func (fl *FrameLoader) receivedMainResourceResponse(dl *DocumentLoader, resp resource.Response) {
	if obs, ok := fl.client.(ResourceObserver); ok {
		obs.DidReceiveResponse(dl.resourceID, resp)
	}
}

func (fl *FrameLoader) mainResourceFinished(dl *DocumentLoader, err *resource.Error) {
	if obs, ok := fl.client.(ResourceObserver); ok {
		obs.DidFinishLoading(dl.resourceID, err)
	}
}

func (fl *FrameLoader) shouldContinueForNavigationPolicy(req resource.Request, navType NavigationType) bool {
	policy, ok := fl.client.(NavigationPolicy)
	if !ok {
		return true
	}
	return policy.ShouldContinueNavigation(req, navType)
}

func (fl *FrameLoader) reportLocalLoadFailed(u *url.URL) {
	msg := "Not allowed to load local resource: " + urlString(u)
	fl.logger.Warn("Blocked redirect to local resource", zap.String("url", urlString(u)))
	if sink, ok := fl.client.(ConsoleSink); ok {
		sink.AddConsoleMessage(ConsoleLevelError, msg)
	}
}

func (fl *FrameLoader) progressStarted() {
	if fl.frame.IsLoading() {
		return
	}
	fl.frame.SetIsLoading(true)
	fl.client.DidStartLoading()
}

func (fl *FrameLoader) progressCompleted() {
	if !fl.frame.IsLoading() {
		return
	}
	fl.frame.SetIsLoading(false)
	fl.client.DidStopLoading()
}

// IsLoading reports whether either loader is still working.
func (fl *FrameLoader) IsLoading() bool {
	if fl.provisional != nil {
		return true
	}
	return fl.documentLoader != nil && fl.documentLoader.IsLoading()
}

// StopAllLoaders cancels the provisional and committed loads.
func (fl *FrameLoader) StopAllLoaders() {
	if fl.inStopAllLoaders {
		return
	}
	fl.inStopAllLoaders = true
	defer func() { fl.inStopAllLoaders = false }()

	if fl.provisional != nil {
		fl.provisional.stopLoading()
	}
	if fl.documentLoader != nil {
		fl.documentLoader.stopLoading()
	}
	fl.detachProvisional()
	if !fl.detached {
		fl.progressCompleted()
	}
}

// SetDefersLoading pauses or resumes both loaders' main resources.
func (fl *FrameLoader) SetDefersLoading(defers bool) {
	if fl.provisional != nil {
		fl.provisional.SetDefersLoading(defers)
	}
	if fl.documentLoader != nil {
		fl.documentLoader.SetDefersLoading(defers)
	}
}

// Detach stops everything and drops both loaders. The frame loader cannot
// be used afterwards.
func (fl *FrameLoader) Detach() {
	if fl.detached {
		return
	}
	fl.StopAllLoaders()
	fl.detached = true
	fl.detachProvisional()
	if dl := fl.documentLoader; dl != nil {
		dl.detachFromFrame()
		fl.documentLoader = nil
	}
	if fl.frame.IsLoading() {
		fl.frame.SetIsLoading(false)
	}
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
