package httpclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/require"

	"leaky/leakyerr"
	"leaky/node"
)

func TestPutGetRoundTrip(t *testing.T) {
	blocks := map[string][]byte{}

	mux := http.NewServeMux()
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		c, err := node.RawLP.Prefix.Sum(data)
		require.NoError(t, err)
		blocks[c.String()] = data
		_ = json.NewEncoder(w).Encode(map[string]string{"cid": c.String()})
	})
	mux.HandleFunc("/block/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/block/"):]
		data, ok := blocks[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	ctx := t.Context()

	cid1, err := c.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	got, err := c.Get(ctx, cid1)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestCASRootConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/root", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"actual": "bafyactual"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	err := c.CASRoot(t.Context(), cid.Undef, cid.Undef)
	require.Error(t, err)
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		data, _ := io.ReadAll(r.Body)
		c, err := node.RawLP.Prefix.Sum(data)
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(map[string]string{"cid": c.String()})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Put(t.Context(), []byte("flaky"))
	require.NoError(t, err)
	require.Equal(t, int32(3), attempts.Load())
}

func TestDoDoesNotRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Put(t.Context(), []byte("bad"))
	require.Error(t, err)
	require.Equal(t, int32(1), attempts.Load())

	var terr *leakyerr.TransportError
	require.ErrorAs(t, err, &terr)
	require.False(t, terr.Retryable)
}

func TestDoExhaustsRetriesOnPersistent5xx(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/block", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.Put(t.Context(), []byte("down"))
	require.Error(t, err)
	require.Equal(t, int32(maxRetries+1), attempts.Load())
}
