package loader

import (
	"github.com/google/uuid"

	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
)

// substituteResource plays back SubstituteData as if it had been fetched.
// It lives entirely on the owning goroutine.
type substituteResource struct {
	id        string
	request   resource.Request
	data      SubstituteData
	runner    scheduler.TaskRunner
	client    ResourceClient
	cancelled bool
	defers    bool
	// deferred is set when delivery was due while loading was deferred.
	deferred bool
}

func newSubstituteResource(req resource.Request, data SubstituteData, runner scheduler.TaskRunner, client ResourceClient) *substituteResource {
	r := &substituteResource{
		id:      uuid.NewString(),
		request: req.Clone(),
		data:    data,
		runner:  runner,
		client:  client,
	}
	runner.PostTask(r.deliver)
	return r
}

func (r *substituteResource) Identifier() string        { return r.id }
func (r *substituteResource) Request() resource.Request { return r.request }

func (r *substituteResource) Cancel(*resource.Error) { r.cancelled = true }

func (r *substituteResource) RemoveClient(c ResourceClient) {
	if r.client == c {
		r.client = nil
	}
}

func (r *substituteResource) SetDefersLoading(defers bool) {
	r.defers = defers
	if !defers && r.deferred {
		r.deferred = false
		r.runner.PostTask(r.deliver)
	}
}

func (r *substituteResource) live() bool { return !r.cancelled && r.client != nil }

func (r *substituteResource) deliver() {
	if !r.live() {
		return
	}
	if r.defers {
		r.deferred = true
		return
	}
	mimeType := r.data.MIMEType
	if mimeType == "" {
		mimeType = "text/html"
	}
	resp := resource.NewSyntheticResponse(r.request.URL, mimeType, int64(len(r.data.Content)), r.data.TextEncoding)
	r.client.ResponseReceived(r, resp)
	if !r.live() {
		return
	}
	if len(r.data.Content) > 0 {
		r.client.DataReceived(r, r.data.Content)
		if !r.live() {
			return
		}
	}
	r.client.NotifyFinished(r, nil)
}
