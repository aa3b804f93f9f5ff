// Package httpclient talks to the block-store daemon's wire protocol over
// HTTP, and to its compare-and-swap head endpoints.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/datamodel"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"leaky/blockclient"
	"leaky/leakyerr"
)

// Config configures an HTTP block client.
type Config struct {
	BaseURL string
	Token   string // optional bearer token, sent only on head CAS calls
	Timeout time.Duration
}

// Client is the HTTP-backed blockclient.Client and blockclient.RemoteHead.
type Client struct {
	cfg  Config
	http *http.Client
}

var (
	_ blockclient.Client     = (*Client)(nil)
	_ blockclient.RemoteHead = (*Client)(nil)
)

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: &http.Client{Timeout: timeout}}
}

func (c *Client) url(format string, a ...any) string {
	return c.cfg.BaseURL + fmt.Sprintf(format, a...)
}

// maxRetries bounds the retry loop in do. Retries apply only to transport
// failures (connection refused, timeouts) and 5xx responses; a 4xx is
// taken as a terminal client error and returned on the first attempt.
const maxRetries = 3

func retryBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 100 * time.Millisecond
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	label := req.Method + " " + req.URL.Path
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, leakyerr.NewTransportError(label, err, false)
				}
				req.Body = body
			}
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(retryBackoff(attempt)):
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = leakyerr.NewTransportError(label, err, true)
			continue
		}
		if resp.StatusCode >= 500 && attempt < maxRetries {
			resp.Body.Close()
			lastErr = leakyerr.NewTransportError(label, fmt.Errorf("status %d", resp.StatusCode), true)
			continue
		}
		return resp, nil
	}

	return nil, lastErr
}

// Put stores raw bytes.
func (c *Client) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/block"), bytes.NewReader(data))
	if err != nil {
		return cid.Undef, err
	}
	resp, err := c.do(req)
	if err != nil {
		return cid.Undef, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return cid.Undef, leakyerr.NewTransportError("put", fmt.Errorf("status %d", resp.StatusCode), true)
	}
	if resp.StatusCode >= 400 {
		return cid.Undef, leakyerr.NewTransportError("put", fmt.Errorf("status %d", resp.StatusCode), false)
	}
	var body struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	return cid.Parse(body.CID)
}

// Get returns raw bytes for c.
func (c *Client) Get(ctx context.Context, id cid.Cid) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/block/%s", id.String()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, leakyerr.ErrNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, leakyerr.NewTransportError("get", fmt.Errorf("status %d", resp.StatusCode), true)
	}
	if resp.StatusCode >= 400 {
		return nil, leakyerr.NewTransportError("get", fmt.Errorf("status %d", resp.StatusCode), false)
	}
	return io.ReadAll(resp.Body)
}

// Has reports whether c is present, via HEAD.
func (c *Client) Has(ctx context.Context, id cid.Cid) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.url("/block/%s", id.String()), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, leakyerr.NewTransportError("has", fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	return true, nil
}

// PutNode encodes n as canonical CBOR and stores it.
func (c *Client) PutNode(ctx context.Context, n datamodel.Node, lp cidlink.LinkPrototype) (cid.Cid, error) {
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return cid.Undef, fmt.Errorf("encode node: %w", err)
	}
	expect, err := lp.Prefix.Sum(buf.Bytes())
	if err != nil {
		return cid.Undef, err
	}
	got, err := c.Put(ctx, buf.Bytes())
	if err != nil {
		return cid.Undef, err
	}
	if !got.Equals(expect) {
		return cid.Undef, leakyerr.ErrIntegrity
	}
	return got, nil
}

// GetNode loads and decodes the block at c as a generic IPLD node.
func (c *Client) GetNode(ctx context.Context, id cid.Cid) (datamodel.Node, error) {
	data, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	return nb.Build(), nil
}

// Pin marks c retained by the daemon.
func (c *Client) Pin(ctx context.Context, id cid.Cid, recursive bool) error {
	url := c.url("/pin/add?arg=%s&recursive=%t", id.String(), recursive)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return leakyerr.NewTransportError("pin", fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	return nil
}

// Unpin releases a previous Pin.
func (c *Client) Unpin(ctx context.Context, id cid.Cid) error {
	url := c.url("/pin/rm?arg=%s", id.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return leakyerr.NewTransportError("unpin", fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	return nil
}

// Walk is not exposed by the daemon's wire protocol in §6; it always
// returns an error.
func (c *Client) Walk(ctx context.Context, root cid.Cid, visit func(cid.Cid, datamodel.Node) error) error {
	return fmt.Errorf("httpclient: Walk not supported by the remote daemon")
}

// ExportCAR is not exposed by the daemon's wire protocol in §6.
func (c *Client) ExportCAR(ctx context.Context, root cid.Cid, w io.Writer) error {
	return fmt.Errorf("httpclient: ExportCAR not supported by the remote daemon")
}

// ImportCAR is not exposed by the daemon's wire protocol in §6.
func (c *Client) ImportCAR(ctx context.Context, r io.Reader) ([]cid.Cid, error) {
	return nil, fmt.Errorf("httpclient: ImportCAR not supported by the remote daemon")
}

// Close is a no-op: the underlying http.Client owns no persistent handle.
func (c *Client) Close() error { return nil }

// Root returns the current head manifest CID.
func (c *Client) Root(ctx context.Context) (cid.Cid, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/api/v0/root"), nil)
	if err != nil {
		return cid.Undef, err
	}
	resp, err := c.do(req)
	if err != nil {
		return cid.Undef, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return cid.Undef, leakyerr.NewTransportError("root", fmt.Errorf("status %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	var body struct {
		CID string `json:"cid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
	}
	if body.CID == "" {
		return cid.Undef, nil
	}
	return cid.Parse(body.CID)
}

// CASRoot swaps the head from previous to next.
func (c *Client) CASRoot(ctx context.Context, previous, next cid.Cid) error {
	payload := struct {
		Previous string `json:"previous"`
		Next     string `json:"next"`
	}{Next: next.String()}
	if previous.Defined() {
		payload.Previous = previous.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/v0/root"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var conflict struct {
			Actual string `json:"actual"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return fmt.Errorf("%w: %v", leakyerr.ErrDecode, err)
		}
		return &leakyerr.HeadAdvanced{Expected: payload.Previous, Actual: conflict.Actual}
	}
	if resp.StatusCode >= 500 {
		return leakyerr.NewTransportError("cas_root", fmt.Errorf("status %d", resp.StatusCode), true)
	}
	if resp.StatusCode >= 400 {
		return leakyerr.NewTransportError("cas_root", fmt.Errorf("status %d", resp.StatusCode), false)
	}
	return nil
}
