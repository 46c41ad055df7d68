package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/aggregator/am"
	"github.com/teranos/aggregator/errors"
	"github.com/teranos/aggregator/internal/httpclient"
	"github.com/teranos/aggregator/query"
)

func testRequest() Request {
	q := query.New("SELECT ?s WHERE { ?s ?p ?o }", query.Window{Width: 10 * time.Minute, Slide: 20 * time.Second})
	to := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	from, _ := q.Range(to)
	return Request{Query: q, Rules: "rules", Type: TypeLive, From: from, To: to, RegisteredBy: "alice"}
}

func engine(t *testing.T, handler func(startRequest) startResponse) (*httptest.Server, *atomic.Int64) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(handler(req))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestLauncher_Start(t *testing.T) {
	var got startRequest
	srv, calls := engine(t, func(req startRequest) startResponse {
		got = req
		return startResponse{Accepted: true, EngineVersion: "1.3.0"}
	})

	l, err := newLauncher(am.EngineConfig{URL: srv.URL, SolidServerURL: "http://pod", VersionConstraint: ">= 1.2, < 2"},
		httpclient.Wrap(srv.Client()), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	req := testRequest()
	exec, err := l.Start(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, req.Query.Fingerprint, exec.Fingerprint)
	assert.Equal(t, "1.3.0", exec.EngineVersion)
	assert.Equal(t, exec.ID, got.ExecutionID)
	assert.Equal(t, req.Query.Fingerprint.String(), got.QueryHash)
	assert.Equal(t, int64(600000), got.WidthMS)
	assert.Equal(t, got.To-got.From, got.WidthMS)
	assert.Equal(t, "http://pod", got.SolidServerURL)
	assert.Len(t, l.Active(), 1)
}

func TestLauncher_StartFailures(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		resp       startResponse
	}{
		{name: "declined", resp: startResponse{Accepted: false, Message: "busy"}},
		{name: "version too old", constraint: ">= 2", resp: startResponse{Accepted: true, EngineVersion: "1.9.0"}},
		{name: "version missing", constraint: ">= 1", resp: startResponse{Accepted: true}},
		{name: "version garbage", constraint: ">= 1", resp: startResponse{Accepted: true, EngineVersion: "banana"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := engine(t, func(startRequest) startResponse { return tt.resp })
			l, err := newLauncher(am.EngineConfig{URL: srv.URL, VersionConstraint: tt.constraint},
				httpclient.Wrap(srv.Client()), zaptest.NewLogger(t).Sugar())
			require.NoError(t, err)

			_, err = l.Start(context.Background(), testRequest())
			require.Error(t, err)
			assert.True(t, errors.IsExecutionStart(err))
			assert.Empty(t, l.Active())
		})
	}
}

func TestLauncher_EngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	l, err := newLauncher(am.EngineConfig{URL: srv.URL}, httpclient.Wrap(srv.Client()), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = l.Start(context.Background(), testRequest())
	assert.True(t, errors.IsExecutionStart(err))
}

func TestNewLauncher_Validation(t *testing.T) {
	_, err := NewLauncher(am.EngineConfig{}, nil)
	assert.Error(t, err)

	_, err = NewLauncher(am.EngineConfig{URL: "http://localhost:9000"}, nil)
	assert.Error(t, err, "loopback refused without allow_private_network")

	_, err = NewLauncher(am.EngineConfig{URL: "http://localhost:9000", AllowPrivateNetwork: true}, nil)
	assert.NoError(t, err)

	_, err = NewLauncher(am.EngineConfig{URL: "http://engine.example", VersionConstraint: "not a constraint"}, nil)
	assert.Error(t, err)
}

func TestLocal(t *testing.T) {
	l := NewLocal(zaptest.NewLogger(t).Sugar())
	exec, err := l.Start(context.Background(), testRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, exec.ID)
	assert.Len(t, l.Active(), 1)
	l.Reset()
	assert.Empty(t, l.Active())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Start(ctx, testRequest())
	assert.True(t, errors.IsExecutionStart(err))
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	raw, err := base58.Decode(a)
	require.NoError(t, err)
	assert.Len(t, raw, 16)
}

func TestValidType(t *testing.T) {
	assert.True(t, ValidType("live"))
	assert.True(t, ValidType("historical+live"))
	assert.False(t, ValidType("historical"))
	assert.False(t, ValidType(""))
}
