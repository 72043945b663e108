package publishers

import (
	"time"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
)

// Event describes one warm fetch and is what sinks receive.
type Event struct {
	EndpointID  string    `json:"endpoint_id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code,omitempty"`
	Bytes       int       `json:"bytes"`
	Extracted   string    `json:"extracted,omitempty"`
	Error       string    `json:"error,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// NewEvent records the outcome of fetching req for the given endpoint.
// resp may be nil when fetchErr is set.
func NewEvent(endpointID string, req domain.Request, resp *domain.Response, extracted string, fetchErr error) Event {
	evt := Event{
		EndpointID:  endpointID,
		Method:      string(req.Method),
		Path:        req.Path,
		Fingerprint: dispatch.Fingerprint(req),
		Extracted:   extracted,
		FetchedAt:   time.Now().UTC(),
	}
	if resp != nil {
		evt.StatusCode = resp.StatusCode
		evt.Bytes = len(resp.Body)
	}
	if fetchErr != nil {
		evt.Error = fetchErr.Error()
	}
	return evt
}

// Failed reports whether the fetch behind the event errored.
func (e Event) Failed() bool {
	return e.Error != ""
}
