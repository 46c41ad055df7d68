package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/aggregator/audit"
	"github.com/teranos/aggregator/dispatch"
	"github.com/teranos/aggregator/execution"
	"github.com/teranos/aggregator/subscription"
)

type recordingConn struct {
	id   string
	msgs chan any
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(msg any) error {
	c.msgs <- msg
	return nil
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any) (int, map[string]string) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// submit registers avgQuery for a fake connection and returns its canonical hash.
func submitQuery(t *testing.T, ts *testServer, raw string, conn *recordingConn) *dispatch.Outcome {
	t.Helper()
	out, err := ts.srv.coord.Submit(context.Background(), dispatch.Submission{
		Raw:  raw,
		Conn: conn,
		Type: execution.TypeLive,
	})
	require.NoError(t, err)
	return out
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})

	var health HealthResponse
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/health", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "running", health.State)
	assert.Equal(t, 1, health.Registered)
	assert.Equal(t, 1, health.Executing)
	assert.Equal(t, 1, health.Subscriptions)
}

func TestHandleRegistry(t *testing.T) {
	ts := newTestServer(t, nil)
	first := submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})
	submitQuery(t, ts, avgRenamed, &recordingConn{id: "c2", msgs: make(chan any, 8)})

	var body struct {
		Entries     []RegistryEntry       `json:"entries"`
		Executing   []string              `json:"executing"`
		Executions  []execution.Execution `json:"executions"`
		Subscribers map[string]int        `json:"subscribers"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/registry", &body))
	require.Len(t, body.Entries, 2)

	canonical := first.Decision.Canonical.String()
	assert.Equal(t, []string{canonical}, body.Executing)
	assert.Equal(t, "executing", body.Entries[0].State)
	assert.Empty(t, body.Entries[0].Canonical)
	assert.Equal(t, "duplicate", body.Entries[1].State)
	assert.Equal(t, canonical, body.Entries[1].Canonical)
	assert.Equal(t, map[string]int{canonical: 2}, body.Subscribers)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, canonical, body.Executions[0].Fingerprint.String())
}

func TestHandleAudit(t *testing.T) {
	ts := newTestServer(t, nil)
	first := submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})
	submitQuery(t, ts, avgRenamed, &recordingConn{id: "c2", msgs: make(chan any, 8)})

	var all []audit.Entry
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/audit", &all))
	require.Len(t, all, 2)
	assert.Equal(t, first.Decision.Entry.AuditID, all[0].ID)
	assert.Equal(t, []string{all[1].ID}, all[0].SimilarQueries)

	var dups []audit.Entry
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/audit?status=duplicate", &dups))
	require.Len(t, dups, 1)
	assert.Equal(t, all[0].ID, dups[0].SimilarTo)

	var limited []audit.Entry
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/audit?limit=1", &limited))
	assert.Len(t, limited, 1)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/api/audit?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/api/audit?limit=-1", nil))
}

func TestHandleAuditEntry(t *testing.T) {
	ts := newTestServer(t, nil)
	out := submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})
	id := out.Decision.Entry.AuditID

	status, _ := postJSON(t, ts.http.URL+"/api/audit/"+id+"/access",
		map[string]string{"user": "doctor-7", "data_accessed": "avg heart rate"})
	assert.Equal(t, http.StatusCreated, status)

	var entry audit.Entry
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/audit/"+id, &entry))
	assert.Equal(t, id, entry.ID)
	require.Len(t, entry.AccessLog, 1)
	assert.Equal(t, "doctor-7", entry.AccessLog[0].User)

	status, _ = postJSON(t, ts.http.URL+"/api/audit/missing/access", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = postJSON(t, ts.http.URL+"/api/audit/"+id+"/access", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status, "user is required")

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.http.URL+"/api/audit/missing", nil))
}

func TestHandleAuditExport(t *testing.T) {
	ts := newTestServer(t, nil)
	submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})

	resp, err := http.Get(ts.http.URL + "/api/audit/export")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), audit.DefaultExportFile)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	entries, err := audit.Decode(data)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandleResults(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := &recordingConn{id: "c1", msgs: make(chan any, 8)}
	out := submitQuery(t, ts, avgQuery, conn)
	hash := out.Decision.Canonical.String()

	status, _ := postJSON(t, ts.http.URL+"/api/results", subscription.AggregationEvent{
		AggregationEvent: `{"avg": 70}`,
		QueryHash:        hash,
		WindowFrom:       1000,
		WindowTo:         2000,
	})
	require.Equal(t, http.StatusAccepted, status)

	deadline := time.After(5 * time.Second)
	for delivered := false; !delivered; {
		select {
		case msg := <-conn.msgs:
			if ev, ok := msg.(subscription.AggregationEvent); ok {
				assert.Equal(t, `{"avg": 70}`, ev.AggregationEvent)
				delivered = true
			}
		case <-deadline:
			t.Fatal("result was not delivered to the subscriber")
		}
	}

	var stored []map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.http.URL+"/api/results?query_hash="+hash, &stored))
	assert.Len(t, stored, 1)

	status, _ = postJSON(t, ts.http.URL+"/api/results", subscription.AggregationEvent{AggregationEvent: "{}"})
	assert.Equal(t, http.StatusBadRequest, status, "query_hash is required")
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.http.URL+"/api/results", nil))
}

func TestHandleClear(t *testing.T) {
	ts := newTestServer(t, nil)
	submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})

	for _, path := range []string{"/clear", "/clearAuditLoggedQueryService"} {
		resp, err := http.Post(ts.http.URL+path, "application/json", nil)
		require.NoError(t, err)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.True(t, body["cleared"], path)
	}

	assert.Zero(t, ts.srv.coord.Registry().Len())
	assert.Equal(t, 1, ts.srv.coord.Table().Len(), "subscriptions survive a clear")

	var entries []audit.Entry
	getJSON(t, ts.http.URL+"/api/audit", &entries)
	assert.Len(t, entries, 1, "audit log survives a clear")
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/audit", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	submitQuery(t, ts, avgQuery, &recordingConn{id: "c1", msgs: make(chan any, 8)})

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "aggregator_registry_registrations_total")
}
