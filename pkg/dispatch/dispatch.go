package dispatch

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
)

// Package dispatch turns caller arguments into canonical requests.

// Build validates and normalizes the arguments into an immutable Request.
// Params and body are copied so later caller mutations cannot leak in.
func Build(method, p string, params map[string]string, body []byte) (domain.Request, error) {
	m, ok := domain.ParseMethod(method)
	if !ok {
		return domain.Request{}, fmt.Errorf("%w %q (allowed: %s)", domain.ErrInvalidMethod, method, allowedMethods())
	}

	normalized, err := NormalizePath(p)
	if err != nil {
		return domain.Request{}, err
	}

	cp, err := copyParams(params)
	if err != nil {
		return domain.Request{}, err
	}

	return domain.Request{
		Method: m,
		Path:   normalized,
		Params: cp,
		Body:   copyBody(body),
	}, nil
}

// WithHeaders returns a copy of req carrying headers.
//
// Headers are not part of the fingerprint: GETs that differ only in headers
// such as Accept or Authorization share one cache entry. Callers that vary
// responses by header must encode the variation in the path or params.
func WithHeaders(req domain.Request, headers map[string]string) domain.Request {
	out := req
	out.Params = cloneParams(req.Params)
	out.Body = copyBody(req.Body)
	out.Headers = nil
	if len(headers) > 0 {
		out.Headers = make(map[string]string, len(headers))
		for k, v := range headers {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			out.Headers[k] = strings.TrimSpace(v)
		}
	}
	return out
}

// NormalizePath trims, roots and cleans p. Absolute URLs and empty paths are rejected.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("%w: path is empty", domain.ErrInvalidPath)
	}
	if u, err := url.Parse(p); err != nil {
		return "", fmt.Errorf("%w %q: %v", domain.ErrInvalidPath, p, err)
	} else if u.Scheme != "" || u.Host != "" {
		return "", fmt.Errorf("%w %q: must be relative to the base url", domain.ErrInvalidPath, p)
	}
	if strings.ContainsAny(p, "?#") {
		return "", fmt.Errorf("%w %q: pass query values as params", domain.ErrInvalidPath, p)
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

// Fingerprint digests method, path and params sorted by key.
// Body and headers are not hashed.
func Fingerprint(req domain.Request) string {
	d := xxhash.New()
	writeField(d, "m", string(req.Method))
	writeField(d, "p", req.Path)

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(d, "k", k)
		writeField(d, "v", req.Params[k])
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// writeField length-prefixes each value so ("a","bc") and ("ab","c") differ.
func writeField(d *xxhash.Digest, tag, value string) {
	_, _ = d.WriteString(tag)
	_, _ = d.WriteString(strconv.Itoa(len(value)))
	_, _ = d.WriteString(":")
	_, _ = d.WriteString(value)
}

// copyParams trims keys and drops empty ones. Keys that only differ by
// surrounding space are rejected, since either value could win.
func copyParams(params map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		if _, dup := out[key]; dup {
			return nil, fmt.Errorf("%w: key %q given more than once", domain.ErrInvalidParams, key)
		}
		out[key] = v
	}
	return out, nil
}

func cloneParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func copyBody(body []byte) []byte {
	if body == nil {
		return nil
	}
	return append([]byte(nil), body...)
}

func allowedMethods() string {
	names := make([]string, 0, len(domain.Methods))
	for _, m := range domain.Methods {
		names = append(names, string(m))
	}
	return strings.Join(names, ", ")
}
