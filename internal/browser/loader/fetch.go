// Package loader sequences navigations for a frame. A FrameLoader turns a
// navigation request into DocumentLoaders, keeps at most one provisional and
// one committed loader, and hands the committed loader's bytes to a document
// writer. Everything in this package runs on the frame's owning goroutine;
// fetchers deliver their callbacks through the frame's task runner.
package loader

import (
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
)

// Fetcher issues main resource loads.
//
// Fetch must not deliver any ResourceClient callback before it returns. Every
// callback must later arrive on the owning goroutine, in the order the
// transport produced it.
type Fetcher interface {
	Fetch(req resource.Request, client ResourceClient) (Resource, error)
}

// Resource is the handle for one in-flight fetch.
type Resource interface {
	// Identifier is unique per fetch for the life of the process.
	Identifier() string
	// Request is the request as the transport will send it, headers included.
	Request() resource.Request
	// Cancel stops the transfer. No client callbacks are delivered afterwards.
	Cancel(err *resource.Error)
	// SetDefersLoading queues callbacks while true and flushes them when it
	// flips back to false.
	SetDefersLoading(defers bool)
	// RemoveClient unregisters client; callbacks already queued for it are dropped.
	RemoveClient(client ResourceClient)
}

// ResourceClient observes a Resource.
//
// RedirectReceived may rewrite *req. Setting it to the null request, or
// cancelling the resource from inside the callback, stops the redirect.
// NotifyFinished is called exactly once with a nil error on success.
type ResourceClient interface {
	RedirectReceived(res Resource, req *resource.Request, redirectResponse resource.Response)
	ResponseReceived(res Resource, resp resource.Response)
	DataReceived(res Resource, data []byte)
	NotifyFinished(res Resource, err *resource.Error)
}
