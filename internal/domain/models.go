package domain

import (
	"net/http"
	"strings"
	"time"
)

// Domain contains core models shared by the dispatcher, transport and cache.

// Method is one of the HTTP verbs the dispatcher accepts.
type Method string

const (
	MethodGet    Method = http.MethodGet
	MethodPost   Method = http.MethodPost
	MethodPut    Method = http.MethodPut
	MethodDelete Method = http.MethodDelete
)

// Methods lists the allowed verbs in a stable order.
var Methods = []Method{MethodGet, MethodPost, MethodPut, MethodDelete}

// ParseMethod normalizes raw and reports whether it is an allowed verb.
func ParseMethod(raw string) (Method, bool) {
	m := Method(strings.ToUpper(strings.TrimSpace(raw)))
	for _, allowed := range Methods {
		if m == allowed {
			return m, true
		}
	}
	return m, false
}

func (m Method) String() string { return string(m) }

// Request is an outbound call. Build it with dispatch.Build; the zero value is not valid.
type Request struct {
	Method  Method
	Path    string
	Params  map[string]string
	Body    []byte
	Headers map[string]string
}

// Response is the parsed result of a call. Body passes through unchanged.
type Response struct {
	StatusCode int               `json:"status_code"`
	Body       []byte            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// Header returns the value for key using case-insensitive lookup.
func (r *Response) Header(key string) string {
	if r == nil || len(r.Headers) == 0 {
		return ""
	}
	if v, ok := r.Headers[http.CanonicalHeaderKey(key)]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// ValidStatus reports whether code is within the HTTP status range.
func ValidStatus(code int) bool {
	return code >= 100 && code <= 599
}

// CacheEntry is a stored Response. Entries are replaced wholesale, never mutated.
type CacheEntry struct {
	Key       string    `json:"key"`
	Value     *Response `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is stale at now. A zero ExpiresAt never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return false
	}
	return !e.ExpiresAt.After(now)
}
