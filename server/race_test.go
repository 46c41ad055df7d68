package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/aggregator/dispatch"
	"github.com/teranos/aggregator/query"
	"github.com/teranos/aggregator/subscription"
)

// TestRace_PublishDuringUnregister publishes to a subscription while the hub
// unregisters (and closes) its subscribers. A publish that reaches a closed
// client must fail with a delivery error, never panic.
//
// Run with: go test -race -run TestRace_PublishDuringUnregister ./server
func TestRace_PublishDuringUnregister(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := ts.srv
	table := srv.coord.Table()
	fp := query.Fingerprint("race-fingerprint")

	for iteration := 0; iteration < 10; iteration++ {
		numClients := 50
		clients := make([]*Client, numClients)
		for i := 0; i < numClients; i++ {
			client := newClient(srv, nil, fmt.Sprintf("%s_%d_%d", t.Name(), iteration, i), "", 256)
			clients[i] = client
			srv.register <- client
			require.True(t, <-client.registered)
			table.Subscribe(fp, client)
		}

		var wg sync.WaitGroup
		stopPublish := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopPublish:
					return
				default:
					table.Publish(context.Background(), fp, subscription.NewStatus(subscription.StatusExecuting, string(fp), "race"))
					time.Sleep(100 * time.Microsecond)
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, client := range clients {
				srv.unregister <- client
				time.Sleep(50 * time.Microsecond)
			}
		}()

		time.Sleep(20 * time.Millisecond)
		close(stopPublish)
		wg.Wait()

		require.Eventually(t, func() bool { return srv.clientCount() == 0 }, time.Second, 5*time.Millisecond)

		// closed clients are dropped on the next publish
		table.Publish(context.Background(), fp, subscription.NewStatus(subscription.StatusExecuting, string(fp), "final"))
		assert.Empty(t, table.Subscribers(fp), "iteration %d", iteration)
	}
}

// TestRace_ConcurrentSubmissions submits the same query from many clients at
// once; exactly one execution is started and every client is subscribed.
func TestRace_ConcurrentSubmissions(t *testing.T) {
	ts := newTestServer(t, nil)

	const n = 20
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn := &recordingConn{id: fmt.Sprintf("conn-%d", i), msgs: make(chan any, 8)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ts.srv.coord.Submit(context.Background(), dispatch.Submission{
				Raw:  avgQuery,
				Type: "live",
				Conn: conn,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	reg := ts.srv.coord.Registry()
	assert.Equal(t, n, reg.Len())
	executing := reg.Executing()
	require.Len(t, executing, 1)
	assert.Len(t, ts.srv.coord.Table().Subscribers(executing[0]), n)
}
