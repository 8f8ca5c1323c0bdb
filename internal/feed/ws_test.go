package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClientDeliversMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"channel":"bookTicker","bid":180.15,"ask":180.18}`))
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv), 10*time.Millisecond, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Subscribe(ctx, subscribeMsg("bookTicker", "SOLUSDT")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	received := make(chan json.RawMessage, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx, func(raw json.RawMessage) {
			select {
			case received <- raw:
			default:
			}
		})
	}()

	select {
	case raw := <-received:
		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "bookTicker" {
			t.Fatalf("unexpected message %s (%v)", raw, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	cancel()
	<-done
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		_, sub, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection right after the subscribe.
			return
		}
		if !strings.Contains(string(sub), "bookTicker") {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText,
			[]byte(`{"channel":"bookTicker","bid":180.15,"ask":180.18}`))
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv), 10*time.Millisecond, 0, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := client.Subscribe(ctx, subscribeMsg("bookTicker", "SOLUSDT")); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	received := make(chan json.RawMessage, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx, func(raw json.RawMessage) {
			select {
			case received <- raw:
			default:
			}
		})
	}()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for post-reconnect message")
	}
	if got := conns.Load(); got < 2 {
		t.Fatalf("expected a reconnect, saw %d connections", got)
	}
	cancel()
	<-done
}
