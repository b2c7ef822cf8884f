package apiclient

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
)

// stubNode answers with canned envelopes.
func stubNode(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/explorer/stats", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"network":        "testnet",
				"current_height": 7,
				"has_genesis":    true,
				"mempool_size":   2,
			},
		})
	})
	mux.HandleFunc("GET /api/explorer/transaction", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"code":    "NotFound",
			"error":   "transaction not found",
		})
	})
	mux.HandleFunc("POST /api/blockchain/submit", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["raw_transaction"] == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "code": "ParseError", "error": "empty"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"tx_hash": "aa", "accepted": true},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_Stats(t *testing.T) {
	srv := stubNode(t)
	c := New(srv.URL)

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Network != "testnet" || stats.CurrentHeight != 7 {
		t.Errorf("stats = %+v, want testnet height 7", stats)
	}
	if !stats.HasGenesis || stats.MempoolSize != 2 {
		t.Errorf("stats = %+v, want genesis and 2 pending", stats)
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	srv := stubNode(t)
	c := New(srv.URL)

	_, err := c.Transaction("0xdoesnotexist")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NotFound" {
		t.Errorf("apiErr = %+v, want 404 NotFound", apiErr)
	}
}

func TestClient_SignsPeerPosts(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(eventsync.HeaderSignature)
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]any{"node_id": "node-a"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetSecret("shared-secret")
	if _, err := c.Register("node-a", "a.example.com", 8080, "", "1.0.0"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	want := hex.EncodeToString(crypto.HmacSha256([]byte("shared-secret"), gotBody))
	if gotSig != want {
		t.Errorf("signature = %q, want the HMAC over the sent body", gotSig)
	}
}

func TestClient_Submit(t *testing.T) {
	srv := stubNode(t)
	c := New(srv.URL)

	res, err := c.Submit("0xf86c0a85")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.TxHash != "aa" || !res.Accepted {
		t.Errorf("result = %+v, want accepted aa", res)
	}

	if _, err := c.Submit(""); err == nil {
		t.Error("empty submission should fail")
	}
}
