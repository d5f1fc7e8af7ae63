package onchain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/r3e-network/execution-core/internal/fixedpoint"
	"github.com/r3e-network/execution-core/internal/venue"
)

func testKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return key
}

func TestPlaceOrderSignsAndParsesResult(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotMethod = req.Method
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: json.RawMessage(`{"venueOrderId":"vo-1"}`)})
	}))
	defer srv.Close()

	a := New(Config{Name: "onchain", Endpoint: srv.URL}, testKey(t))
	res, err := a.PlaceOrder(context.Background(), venue.Order{
		IntentID: "in-1", Symbol: "BTC-USD", Side: "buy", Type: "limit",
		Size: fixedpoint.FromInt64(1), LimitPrice: fixedpoint.FromInt64(50000),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.VenueOrderID != "vo-1" {
		t.Fatalf("VenueOrderID = %q, want vo-1", res.VenueOrderID)
	}
	if gotMethod != "placeOrder" {
		t.Fatalf("method = %q, want placeOrder", gotMethod)
	}
}

func TestCallClassifiesHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(Config{Name: "onchain", Endpoint: srv.URL}, testKey(t))
	_, err := a.GetAccount(context.Background())
	var venueErr *venue.Error
	if err == nil {
		t.Fatal("expected error")
	}
	if e, ok := err.(*venue.Error); ok {
		venueErr = e
	}
	if venueErr == nil || venueErr.Class != venue.ClassTransient {
		t.Fatalf("expected transient class, got %v", err)
	}
}

func TestCallClassifiesApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: 1001, Message: "insufficient balance"}})
	}))
	defer srv.Close()

	a := New(Config{Name: "onchain", Endpoint: srv.URL}, testKey(t))
	_, err := a.GetPositions(context.Background())
	venueErr, ok := err.(*venue.Error)
	if !ok || venueErr.Class != venue.ClassPermanent {
		t.Fatalf("expected permanent class, got %v", err)
	}
}
