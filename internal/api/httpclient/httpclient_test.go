package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flybasist/wavebot/internal/api"
)

func TestRequestPostsForm(t *testing.T) {
	var gotPath string
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		_, _ = w.Write([]byte(`{"response":{"id":1}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, srv.Client())
	out := c.Request(context.Background(), "messages.send", api.Params{
		"peer_id":  int64(2000000001),
		"message":  "hi",
		"dont":     true,
		"user_ids": []int64{1, 2},
	})

	assert.Equal(t, api.StateSuccess, out.State)
	assert.Equal(t, "/method/messages.send", gotPath)
	assert.Equal(t, "2000000001", gotForm.Get("peer_id"))
	assert.Equal(t, "hi", gotForm.Get("message"))
	assert.Equal(t, "1", gotForm.Get("dont"))
	assert.Equal(t, "1,2", gotForm.Get("user_ids"))
}

func TestRequestErrorBodyIsHandledFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"error_code":5,"error_msg":"User authorization failed"}}`))
	}))
	defer srv.Close()

	out := New(srv.URL, srv.Client()).Request(context.Background(), "users.get", nil)
	assert.Equal(t, api.StateHandledFailure, out.State)
	assert.Contains(t, out.Data, "error")
}

func TestRequestNetworkErrorIsUnhandled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	out := New(srv.URL, nil).Request(context.Background(), "users.get", nil)
	assert.Equal(t, api.StateUnhandledFailure, out.State)
	assert.Error(t, out.Err)
}

func TestRequestNonJSONErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	out := New(srv.URL, srv.Client()).Request(context.Background(), "users.get", nil)
	assert.Equal(t, api.StateUnhandledFailure, out.State)
}

func TestPollDecodesResponse(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write([]byte(`{"ts":"15","updates":[{"type":"message_new"}]}`))
	}))
	defer srv.Close()

	c := New("", srv.Client())
	resp, err := c.Poll(context.Background(), srv.URL+"/lp", url.Values{"act": {"a_check"}, "ts": {"14"}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(15), resp.TS)
	assert.Len(t, resp.Updates, 1)
	assert.Equal(t, "14", gotQuery.Get("ts"))
}

func TestEncode(t *testing.T) {
	form, err := Encode(api.Params{
		"flag":     false,
		"keyboard": map[string]any{"one_time": true},
		"mixed":    []any{1, "a"},
		"ratio":    1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "0", form.Get("flag"))
	assert.JSONEq(t, `{"one_time":true}`, form.Get("keyboard"))
	assert.Equal(t, "1,a", form.Get("mixed"))
	assert.Equal(t, "1.5", form.Get("ratio"))
}
