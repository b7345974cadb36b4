package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBroadcast(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	waitForClients(t, h, 1)

	h.Observer()("execution_paused", map[string]any{"pause_id": "p-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "execution_paused", ev.Type)
	assert.NotEmpty(t, ev.ID)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "p-1", payload["pause_id"])
}

func TestHubDropsDisconnectedClient(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	waitForClients(t, h, 1)
	conn.Close()
	waitForClients(t, h, 0)
}

func waitForClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d (now %d)", want, h.ClientCount())
}

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     bool
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, message []byte) error {
	if p.fail {
		return errors.New("redis down")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[channel] = append(p.messages[channel], message)
	return nil
}

func TestRedisSinkPublishes(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "")

	sink.Observer()("call_completed", map[string]any{"call_id": "p:1"})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	msgs := pub.messages["cideldill:events:call_completed"]
	require.Len(t, msgs, 1)

	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, "call_completed", ev.Type)
}

func TestRedisSinkCustomPrefix(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewRedisSink(pub, "dbg:")
	sink.Observer()("execution_paused", nil)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Len(t, pub.messages["dbg:execution_paused"], 1)
}

func TestRedisSinkDropsFailures(t *testing.T) {
	sink := NewRedisSink(&fakePublisher{fail: true}, "")
	// Must not panic or block.
	sink.Observer()("execution_paused", nil)
}
