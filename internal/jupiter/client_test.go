package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func TestClient_GetQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("inputMint") != testMint || q.Get("amount") != "1000000" || q.Get("slippageBps") != "50" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"inputMint":            testMint,
			"inAmount":             "1000000",
			"outputMint":           "So11111111111111111111111111111111111111112",
			"outAmount":            "6500000",
			"otherAmountThreshold": "6467500",
			"slippageBps":          50,
			"priceImpactPct":       "0.0123",
			"contextSlot":          int64(250000000),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	quote, err := client.GetQuote(context.Background(), testMint, "So11111111111111111111111111111111111111112", 1_000_000, 50)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote == nil {
		t.Fatal("expected quote, got nil")
	}
	if quote.OutAmount != 6_500_000 {
		t.Errorf("expected outAmount 6500000, got %d", quote.OutAmount)
	}
	if quote.MinOutAmount != 6_467_500 {
		t.Errorf("expected min out 6467500, got %d", quote.MinOutAmount)
	}
	if quote.PriceImpactPct.String() != "0.0123" {
		t.Errorf("expected price impact 0.0123, got %s", quote.PriceImpactPct)
	}
	if len(quote.Raw) == 0 {
		t.Error("expected raw response to be kept")
	}
}

func TestClient_GetQuote_NoRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":     "Could not find any route",
			"errorCode": "COULD_NOT_FIND_ANY_ROUTE",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	quote, err := client.GetQuote(context.Background(), testMint, "out", 1, 50)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote != nil {
		t.Errorf("expected nil quote for no route, got %+v", quote)
	}
}

func TestClient_GetQuote_BadRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "Invalid mint"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	if _, err := client.GetQuote(context.Background(), "bad", "out", 1, 50); err == nil {
		t.Fatal("expected error for invalid request")
	}
}

func TestClient_Retry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"inAmount":  "1",
			"outAmount": "2",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithRetryDelay(time.Millisecond))
	quote, err := client.GetQuote(context.Background(), "in", "out", 1, 50)
	if err != nil {
		t.Fatalf("GetQuote: %v", err)
	}
	if quote.OutAmount != 2 {
		t.Errorf("expected outAmount 2, got %d", quote.OutAmount)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClient_GetSwapTransaction(t *testing.T) {
	payload := []byte{1, 0, 0, 9}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/swap" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("expected api key header")
		}

		var req swapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.UserPublicKey != "payer" {
			t.Errorf("expected payer, got %s", req.UserPublicKey)
		}
		if string(req.QuoteResponse) != `{"inAmount":"1"}` {
			t.Errorf("quote response not passed through: %s", req.QuoteResponse)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"swapTransaction":      base64.StdEncoding.EncodeToString(payload),
			"lastValidBlockHeight": uint64(4242),
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"))
	utx, err := client.GetSwapTransaction(context.Background(), &Quote{Raw: json.RawMessage(`{"inAmount":"1"}`)}, "payer")
	if err != nil {
		t.Fatalf("GetSwapTransaction: %v", err)
	}
	if string(utx.Tx) != string(payload) {
		t.Errorf("unexpected tx bytes %v", utx.Tx)
	}
	if utx.LastValidBlockHeight != 4242 {
		t.Errorf("expected last valid height 4242, got %d", utx.LastValidBlockHeight)
	}
}

func TestClient_GetSwapTransaction_RequiresRawQuote(t *testing.T) {
	client := NewClient("http://unused")
	if _, err := client.GetSwapTransaction(context.Background(), &Quote{}, "payer"); err == nil {
		t.Error("expected error for quote without raw response")
	}
}
