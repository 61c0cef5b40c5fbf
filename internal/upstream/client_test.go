package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitReturnsWorkerJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prompt", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"prompt_id":"wjob-42"}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	id, err := c.Submit(context.Background(), srv.URL, []byte(`{"a":1}`), nil, "sid-1")
	require.NoError(t, err)
	assert.Equal(t, "wjob-42", id)
}

func TestSubmitClassifiesNon2xxAsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad prompt"}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.Submit(context.Background(), srv.URL, []byte(`{}`), nil, "")
	require.Error(t, err)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, KindRejected, upErr.Kind)
	assert.Equal(t, http.StatusBadRequest, upErr.StatusCode)
}

func TestCallsToUnreachableHostAreClassifiedUnreachable(t *testing.T) {
	c := New(200 * time.Millisecond)
	_, err := c.Submit(context.Background(), "http://127.0.0.1:1", []byte(`{}`), nil, "")
	require.Error(t, err)

	var upErr *Error
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, KindUnreachable, upErr.Kind)
}

func TestGetQueueReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue", r.URL.Path)
		w.Write([]byte(`{"queue_running":[],"queue_pending":[]}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	raw, err := c.GetQueue(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"queue_running":[],"queue_pending":[]}`, string(raw))
}

func TestGetHistoryAppendsWorkerJobIDToPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(time.Second)
	_, err := c.GetHistory(context.Background(), srv.URL, "wjob-9")
	require.NoError(t, err)
	assert.Equal(t, "/history/wjob-9", gotPath)
}

func TestCancelPostsDeleteList(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/queue", r.URL.Path)
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(time.Second)
	err := c.Cancel(context.Background(), srv.URL, "wjob-5")
	require.NoError(t, err)
	assert.Contains(t, gotBody, "wjob-5")
}

func TestGetArtifactReturnsLiveStreamOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/view", r.URL.Path)
		assert.Equal(t, "filename=a.png", r.URL.RawQuery)
		w.Write([]byte("binary-data"))
	}))
	defer srv.Close()

	c := New(time.Second)
	resp, err := c.GetArtifact(context.Background(), srv.URL, "filename=a.png")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
