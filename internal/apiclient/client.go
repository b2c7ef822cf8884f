// Package apiclient provides an HTTP client for the node API.
package apiclient

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stakenet-io/stakenet-chain/internal/eventsync"
	"github.com/stakenet-io/stakenet-chain/pkg/crypto"
)

// Client talks to a node's HTTP API.
type Client struct {
	baseURL string
	secret  []byte
	http    *http.Client
}

// New creates a client targeting the given base URL, e.g.
// "http://127.0.0.1:8545".
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, 10*time.Second)
}

// NewWithTimeout creates a client with a custom HTTP timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// envelope is the uniform response shape of the node API.
type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// APIError is returned when the server answers with a failure envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// get performs a GET and unmarshals the envelope data into result.
func (c *Client) get(path string, query url.Values, result any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := c.http.Get(u)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	return decode(resp, result)
}

// SetSecret installs the shared inter-node secret. POST bodies are signed
// with it; the node rejects unsigned peer requests.
func (c *Client) SetSecret(secret string) {
	c.secret = []byte(secret)
}

// post performs a JSON POST and unmarshals the envelope data into result.
// When a secret is set, the body carries its broadcast signature.
func (c *Client) post(path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(c.secret) > 0 {
		sig := crypto.HmacSha256(c.secret, body)
		req.Header.Set(eventsync.HeaderSignature, hex.EncodeToString(sig))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	return decode(resp, result)
}

func decode(resp *http.Response, result any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if result != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Stats is the explorer stats payload.
type Stats struct {
	Network           string `json:"network"`
	CurrentHeight     uint64 `json:"current_height"`
	HasGenesis        bool   `json:"has_genesis"`
	TotalTransactions uint64 `json:"total_transactions"`
	TotalSupply       string `json:"total_supply"`
	LastBlockTime     int64  `json:"last_block_time"`
	MempoolSize       int    `json:"mempool_size"`
	Consensus         string `json:"consensus"`
	Version           string `json:"version"`
}

// Stats fetches chain statistics.
func (c *Client) Stats() (*Stats, error) {
	var s Stats
	if err := c.get("/api/explorer/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Block fetches one block by height or 0x-prefixed hash. The result is the
// raw block JSON.
func (c *Client) Block(id string) (json.RawMessage, error) {
	var out struct {
		Block json.RawMessage `json:"block"`
	}
	q := url.Values{"id": {id}}
	if err := c.get("/api/explorer/block", q, &out); err != nil {
		return nil, err
	}
	return out.Block, nil
}

// Blocks fetches one explorer page of blocks, newest first.
func (c *Client) Blocks(page, limit int) (json.RawMessage, error) {
	var out struct {
		Blocks json.RawMessage `json:"blocks"`
	}
	q := url.Values{
		"page":  {strconv.Itoa(page)},
		"limit": {strconv.Itoa(limit)},
	}
	if err := c.get("/api/explorer/blocks", q, &out); err != nil {
		return nil, err
	}
	return out.Blocks, nil
}

// Transaction fetches one transaction view by hash.
func (c *Client) Transaction(hash string) (json.RawMessage, error) {
	var out struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	q := url.Values{"id": {hash}}
	if err := c.get("/api/explorer/transaction", q, &out); err != nil {
		return nil, err
	}
	return out.Transaction, nil
}

// SubmitResult reports an accepted raw transaction.
type SubmitResult struct {
	TxHash   string `json:"tx_hash"`
	RawHash  string `json:"raw_hash"`
	From     string `json:"from"`
	Existing bool   `json:"existing"`
	Accepted bool   `json:"accepted"`
}

// Submit sends a hex-encoded raw signed transaction.
func (c *Client) Submit(rawHex string) (*SubmitResult, error) {
	var out SubmitResult
	req := map[string]string{"raw_transaction": rawHex}
	if err := c.post("/api/blockchain/submit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterResult reports a node registration.
type RegisterResult struct {
	NodeID       string `json:"node_id"`
	Domain       string `json:"domain"`
	RegisteredAt int64  `json:"registered_at"`
}

// Register announces a node to the target's peer registry.
func (c *Client) Register(nodeID, host string, port int, publicKey, version string) (*RegisterResult, error) {
	var out RegisterResult
	req := map[string]any{
		"node_id":    nodeID,
		"domain":     host,
		"port":       port,
		"public_key": publicKey,
		"version":    version,
	}
	if err := c.post("/api/nodes/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
