package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hostaudit/config"
	"hostaudit/core"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func notification(id int64) core.Notification {
	acct := "alice"
	return core.Notification{
		ID: id, RuleID: core.RuleIDBruteForce, Summary: "5 failed logons for 'alice' in last 5 min",
		Severity: core.SeverityHigh, Account: &acct, Host: "WS01", IP: "10.0.0.5", When: "2025-03-01T10:00:00Z",
	}
}

// waitForSubscribers polls until the bus has n subscribers
func waitForSubscribers(t *testing.T, env *testEnv, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return env.bus.SubscriberCount() == n }, 2*time.Second, 5*time.Millisecond)
}

// sseReader yields complete SSE blocks (lines up to a blank line)
type sseReader struct {
	scanner *bufio.Scanner
}

func (s *sseReader) next(t *testing.T) []string {
	t.Helper()
	var block []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(block) > 0 {
				return block
			}
			continue
		}
		block = append(block, line)
	}
	t.Fatalf("stream ended: %v", s.scanner.Err())
	return nil
}

func openStream(t *testing.T, env *testEnv) (*sseReader, context.CancelFunc) {
	t.Helper()
	srv := httptest.NewServer(env.api.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/live/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return &sseReader{scanner: bufio.NewScanner(resp.Body)}, cancel
}

func TestStream_DeliversOnlyAfterSubscribe(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Notify.Keepalive = time.Minute })

	assert.Equal(t, 0, env.bus.Publish(notification(1)))

	stream, cancel := openStream(t, env)
	defer cancel()

	assert.Equal(t, []string{": connected"}, stream.next(t))
	waitForSubscribers(t, env, 1)

	assert.Equal(t, 1, env.bus.Publish(notification(2)))

	block := stream.next(t)
	require.Len(t, block, 2)
	assert.Equal(t, "event: detection", block[0])
	require.True(t, strings.HasPrefix(block[1], "data: "))

	var got core.Notification
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(block[1], "data: ")), &got))
	assert.EqualValues(t, 2, got.ID)
	assert.Equal(t, core.RuleIDBruteForce, got.RuleID)
	assert.Equal(t, "alice", *got.Account)

	for _, line := range block {
		assert.False(t, strings.HasPrefix(line, "id:"))
	}
}

func TestStream_KeepaliveAndUnsubscribe(t *testing.T) {
	env := newTestEnv(t)

	stream, cancel := openStream(t, env)
	assert.Equal(t, []string{": connected"}, stream.next(t))
	assert.Equal(t, []string{"event: ping", "data: {}"}, stream.next(t))

	waitForSubscribers(t, env, 1)
	cancel()
	waitForSubscribers(t, env, 0)
}

func TestWebSocketStream(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.api.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	var msg streamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connected", msg.Type)
	waitForSubscribers(t, env, 1)

	env.bus.Publish(notification(7))

	// Heartbeats may arrive first at a 50ms keepalive.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msg = streamMessage{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "detection" {
			break
		}
		assert.Equal(t, "ping", msg.Type)
	}
	require.NotNil(t, msg.Data)
	assert.EqualValues(t, 7, msg.Data.ID)

	require.NoError(t, conn.Close())
	waitForSubscribers(t, env, 0)
}
