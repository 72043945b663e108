package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samvad-hq/samvad-dispatch/internal/domain"
	"github.com/samvad-hq/samvad-dispatch/pkg/dispatch"
	"github.com/samvad-hq/samvad-dispatch/pkg/payload"
)

// Package endpoints loads the named warm targets (YAML/JSON).

type Endpoint struct {
	ID             string            `json:"id" yaml:"id"`
	Method         string            `json:"method" yaml:"method"`
	Path           string            `json:"path" yaml:"path"`
	Params         map[string]string `json:"params" yaml:"params"`
	Headers        map[string]string `json:"headers" yaml:"headers"`
	Extract        string            `json:"extract" yaml:"extract"`
	Enabled        *bool             `json:"enabled" yaml:"enabled"`
	RequestDelayMs int               `json:"request_delay_ms" yaml:"request_delay_ms"`
}

type registryFile struct {
	Endpoints []Endpoint `json:"endpoints" yaml:"endpoints"`
}

// Registry is an immutable, validated endpoint list.
type Registry struct {
	endpoints []Endpoint
	idx       map[string]int
}

// Load reads and validates the endpoints file at path.
func Load(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("endpoints file path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open endpoints file: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}

	return Parse(raw, filepath.Ext(path))
}

// Parse decodes data as YAML or JSON, picked by ext when it is set.
func Parse(data []byte, ext string) (*Registry, error) {
	file, err := parseRegistry(data, ext)
	if err != nil {
		return nil, err
	}
	if len(file.Endpoints) == 0 {
		return nil, errors.New("endpoints file contains no endpoints entries")
	}
	return New(file.Endpoints)
}

// New validates eps and builds a registry. Ids must be unique.
func New(eps []Endpoint) (*Registry, error) {
	reg := &Registry{
		endpoints: make([]Endpoint, 0, len(eps)),
		idx:       make(map[string]int, len(eps)),
	}
	for i := range eps {
		ep := sanitizeEndpoint(eps[i])
		if err := validateEndpoint(ep); err != nil {
			return nil, fmt.Errorf("endpoint[%d]: %w", i, err)
		}
		if _, exists := reg.idx[ep.ID]; exists {
			return nil, fmt.Errorf("duplicate endpoint id %q", ep.ID)
		}
		reg.idx[ep.ID] = len(reg.endpoints)
		reg.endpoints = append(reg.endpoints, ep)
	}
	return reg, nil
}

// All returns a copy of every endpoint in file order.
func (r *Registry) All() []Endpoint {
	if r == nil || len(r.endpoints) == 0 {
		return nil
	}
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}

// Enabled returns the endpoints the warmer should visit.
func (r *Registry) Enabled() []Endpoint {
	if r == nil {
		return nil
	}
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		if ep.IsEnabled() {
			out = append(out, ep)
		}
	}
	return out
}

// ByID returns the endpoint with the given id, if loaded.
func (r *Registry) ByID(id string) (Endpoint, bool) {
	id = strings.TrimSpace(id)
	if r == nil || id == "" {
		return Endpoint{}, false
	}
	i, ok := r.idx[id]
	if !ok {
		return Endpoint{}, false
	}
	return r.endpoints[i], true
}

// IsEnabled treats a missing enabled flag as true.
func (e Endpoint) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// Request builds the canonical request for the endpoint.
func (e Endpoint) Request() (domain.Request, error) {
	req, err := dispatch.Build(e.Method, e.Path, e.Params, nil)
	if err != nil {
		return domain.Request{}, err
	}
	if len(e.Headers) > 0 {
		req = dispatch.WithHeaders(req, e.Headers)
	}
	return req, nil
}

// RequestDelay returns the pause the warmer takes after this endpoint.
func (e Endpoint) RequestDelay() time.Duration {
	if e.RequestDelayMs <= 0 {
		return 0
	}
	return time.Duration(e.RequestDelayMs) * time.Millisecond
}

func parseRegistry(data []byte, ext string) (registryFile, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))

	decoders := []struct {
		name string
		ext  string
		fn   unmarshalFn
	}{
		{name: "yaml", ext: ".yaml", fn: yaml.Unmarshal},
		{name: "yaml", ext: ".yml", fn: yaml.Unmarshal},
		{name: "json", ext: ".json", fn: json.Unmarshal},
	}

	var errs []error
	for _, d := range decoders {
		if ext != "" && ext != d.ext {
			continue
		}
		reg, err := unmarshalRegistry(d.name, data, d.fn)
		if err == nil {
			return reg, nil
		}
		errs = append(errs, err)
	}

	return registryFile{}, fmt.Errorf("endpoints file format not recognized (expected YAML or JSON): %w", errors.Join(errs...))
}

type unmarshalFn func([]byte, any) error

func unmarshalRegistry(name string, data []byte, fn unmarshalFn) (registryFile, error) {
	var reg registryFile
	if err := fn(data, &reg); err != nil {
		return registryFile{}, fmt.Errorf("decode %s endpoints: %w", name, err)
	}
	return reg, nil
}

func sanitizeEndpoint(e Endpoint) Endpoint {
	e.ID = strings.TrimSpace(e.ID)
	e.Method = strings.ToUpper(strings.TrimSpace(e.Method))
	if e.Method == "" {
		e.Method = string(domain.MethodGet)
	}
	e.Path = strings.TrimSpace(e.Path)
	e.Extract = strings.TrimSpace(e.Extract)
	return e
}

func validateEndpoint(e Endpoint) error {
	if e.ID == "" {
		return errors.New("id is required")
	}
	if _, err := e.Request(); err != nil {
		return fmt.Errorf("endpoint %q: %w", e.ID, err)
	}
	if err := payload.Validate(e.Extract); err != nil {
		return fmt.Errorf("endpoint %q: %w", e.ID, err)
	}
	return nil
}
