package settlement

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

	"chessbet/internal/signer"
)

// fakeNode is a minimal settlement node: it answers create_channel and
// update_state, and swallows close_channel requests to force a timeout.
func fakeNode(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			switch req.Method {
			case methodOpenChannel:
				result, _ := json.Marshal(map[string]string{"channel_id": "ch-fake-1"})
				conn.WriteJSON(response{ID: req.ID, Result: result})
			case methodUpdateState:
				var update StateUpdate
				json.Unmarshal(req.Params, &update)
				if update.Nonce == 0 {
					conn.WriteJSON(response{ID: req.ID, Error: "zero nonce"})
				} else {
					conn.WriteJSON(response{ID: req.ID, Result: json.RawMessage(`{}`)})
				}
			case methodCloseChannel:
				// Never respond; client should time out.
			}
		}
	}))
}

func dialFake(t *testing.T, srv *httptest.Server, timeout time.Duration) *RPCClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewRPCClient(url, timeout, signer.NewHMACSigner("test-key"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenChannel(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()
	c := dialFake(t, srv, 5*time.Second)

	channelID, err := c.OpenChannel(context.Background(), OpenParams{
		SessionID:    "sess-1",
		RoomID:       "r1",
		Participants: []string{"0xA", "0xB"},
	})
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	if channelID != "ch-fake-1" {
		t.Errorf("channelID = %s, want ch-fake-1", channelID)
	}
}

func TestUpdateState_NodeError(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()
	c := dialFake(t, srv, 5*time.Second)

	err := c.UpdateState(context.Background(), StateUpdate{ChannelID: "ch-1", Nonce: 0})
	if err == nil || !strings.Contains(err.Error(), "zero nonce") {
		t.Errorf("UpdateState() error = %v, want node error", err)
	}

	if err := c.UpdateState(context.Background(), StateUpdate{ChannelID: "ch-1", Nonce: 3}); err != nil {
		t.Errorf("UpdateState() error = %v", err)
	}
}

func TestCloseChannel_Timeout(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()
	c := dialFake(t, srv, 100*time.Millisecond)

	err := c.CloseChannel(context.Background(), CloseParams{ChannelID: "ch-1"})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("CloseChannel() error = %v, want ErrTimeout", err)
	}
}

func TestCall_NotConnected(t *testing.T) {
	c := NewRPCClient("ws://localhost:0", time.Second, signer.NewHMACSigner("k"))

	_, err := c.OpenChannel(context.Background(), OpenParams{})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("OpenChannel() error = %v, want ErrNotConnected", err)
	}
}

func TestCall_ContextCancelled(t *testing.T) {
	srv := fakeNode(t)
	defer srv.Close()
	c := dialFake(t, srv, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.CloseChannel(ctx, CloseParams{ChannelID: "ch-1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("CloseChannel() error = %v, want context.Canceled", err)
	}
}
