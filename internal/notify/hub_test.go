package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/trade-gatekeeper/internal/approval"
)

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestHubBroadcastsApprovalRequests(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	conn := dialHub(t, h)

	req := approval.Request{Pending: approval.Pending{ID: "tok-9"}, ForceCommand: "/test-trade X BUY 1 --force"}
	require.NoError(t, h.PublishApproval(context.Background(), req))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string           `json:"type"`
		Data approval.Request `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "approval_request", msg.Type)
	assert.Equal(t, "tok-9", msg.Data.Pending.ID)
}

func TestHubMirrorsResolutions(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	conn := dialHub(t, h)

	h.OnApprovalEvent(approval.Event{Type: approval.EventCreated})
	h.OnApprovalEvent(approval.Event{Type: approval.EventResolved, Pending: approval.Pending{ID: "r1", Status: approval.StatusApproved}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"approval_resolved"`)
	assert.Contains(t, string(data), `"r1"`)
}

func TestHubDropsDisconnectedClients(t *testing.T) {
	h := NewHub(nil)
	conn := dialHub(t, h)
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type failingPublisher struct{ err error }

func (f failingPublisher) PublishApproval(context.Context, approval.Request) error { return f.err }

func TestMultiPublishesToAll(t *testing.T) {
	h := NewHub(nil)
	boom := errors.New("telegram down")
	var seen int
	counter := approval.PublisherFunc(func(context.Context, approval.Request) error { seen++; return nil })

	err := Multi{failingPublisher{boom}, nil, counter, h}.PublishApproval(context.Background(), approval.Request{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
	assert.NoError(t, Multi{counter}.PublishApproval(context.Background(), approval.Request{}))
}
