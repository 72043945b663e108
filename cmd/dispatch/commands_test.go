package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"q=go", "empty=", "eq=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q": "go", "empty": "", "eq": "a=b"}, got)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)

	got, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFetchCommandPrintsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "go", r.URL.Query().Get("q"))
		assert.Equal(t, "yes", r.Header.Get("X-Trace"))
		_, _ = io.WriteString(w, "results")
	}))
	defer srv.Close()

	t.Setenv("BASE_URL", srv.URL)
	t.Setenv("CACHE_TYPE", "none")
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := newApp()
	cmd.Writer = &out
	err := cmd.Run(context.Background(), []string{"dispatch", "fetch", "--param", "q=go", "--header", "X-Trace=yes", "search"})
	require.NoError(t, err)
	assert.Equal(t, "results", out.String())
}

func TestFetchCommandRequiresPath(t *testing.T) {
	cmd := newApp()
	cmd.Writer = io.Discard
	err := cmd.Run(context.Background(), []string{"dispatch", "fetch"})
	assert.Error(t, err)
}
