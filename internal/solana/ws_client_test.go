package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestWSClient_Connect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Keep connection open
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.closed.Load() {
		t.Error("client should not be closed")
	}
}

func TestWSClient_SubscribeSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		// Read subscribe request
		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}

		if req.Method != "signatureSubscribe" {
			t.Errorf("expected signatureSubscribe, got %s", req.Method)
		}
		if len(req.Params) == 0 || req.Params[0] != "testsig" {
			t.Errorf("unexpected params: %v", req.Params)
		}

		resp := wsSubscribeResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  12345,
		}
		if err := c.WriteJSON(resp); err != nil {
			t.Errorf("write response: %v", err)
			return
		}

		time.Sleep(50 * time.Millisecond)
		notif := wsNotification{
			JSONRPC: "2.0",
			Method:  "signatureNotification",
			Params: &wsNotificationParams{
				Subscription: 12345,
				Result: wsNotificationResult{
					Context: &wsContext{Slot: 100},
					Value:   wsSignatureValue{Err: nil},
				},
			},
		}
		if err := c.WriteJSON(notif); err != nil {
			t.Errorf("write notification: %v", err)
			return
		}

		// Keep connection open
		for {
			_, _, err := c.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	ch, err := client.SubscribeSignature(ctx, "testsig")
	if err != nil {
		t.Fatalf("SubscribeSignature: %v", err)
	}

	select {
	case notif := <-ch:
		if notif.Signature != "testsig" {
			t.Errorf("expected testsig, got %s", notif.Signature)
		}
		if notif.Err != nil {
			t.Errorf("expected no error, got %v", notif.Err)
		}
		if notif.Slot != 100 {
			t.Errorf("expected slot 100, got %d", notif.Slot)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notification")
	}

	// One-shot: channel closes after the notification.
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel closed after notification")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestWSClient_SubscribeRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		_, msg, err := c.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		json.Unmarshal(msg, &req)

		c.WriteJSON(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]interface{}{"code": -32602, "message": "Invalid signature"},
		})

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	start := time.Now()
	if _, err := client.SubscribeSignature(ctx, "bad"); err == nil {
		t.Fatal("expected error for rejected subscription")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("rejection should not wait for the subscribe timeout")
	}
}

func TestWSClient_Close(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	err = client.Close()
	if err != nil {
		t.Errorf("Close: %v", err)
	}

	if !client.closed.Load() {
		t.Error("client should be closed")
	}

	// Double close should be safe
	err = client.Close()
	if err != nil {
		t.Errorf("double Close: %v", err)
	}
}

func TestWSClient_SubscribeAfterClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}

	client.Close()

	_, err = client.SubscribeSignature(ctx, "sig")
	if err == nil {
		t.Error("expected error subscribing after close")
	}
}

func TestWSClient_CustomConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
		}
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	config := &WSClientConfig{
		ReconnectDelay:    100 * time.Millisecond,
		MaxReconnectDelay: 1 * time.Second,
		PingInterval:      5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		Commitment:        CommitmentFinalized,
	}

	ctx := context.Background()
	client, err := NewWSClient(ctx, wsURL, config)
	if err != nil {
		t.Fatalf("NewWSClient: %v", err)
	}
	defer client.Close()

	if client.config.PingInterval != 5*time.Second {
		t.Errorf("expected PingInterval 5s, got %v", client.config.PingInterval)
	}
	if client.config.SubscribeTimeout != 30*time.Second {
		t.Errorf("expected default SubscribeTimeout 30s, got %v", client.config.SubscribeTimeout)
	}
	if client.commitment != CommitmentFinalized {
		t.Errorf("expected finalized commitment, got %s", client.commitment)
	}
}
