package shipledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Verifier validates a ledger file. Implementations may run in-process or
// against a remote verification service.
type Verifier interface {
	Verify(ctx context.Context, data []byte) (*ValidatedLedger, error)
}

// Client talks to a verification service using Protocol Buffers over HTTP(S).
type Client struct {
	BaseURL string       // e.g. "https://ledger.example.com"
	HTTP    *http.Client // can customize timeouts, TLS, etc.
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{},
	}
}

func (c *Client) post(ctx context.Context, op, path, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentTypeProtobuf)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, newError(KindFormat, op, "", string(bytes.TrimSpace(data)), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// Verify uploads a ledger file and returns the service's validation.
func (c *Client) Verify(ctx context.Context, data []byte) (*ValidatedLedger, error) {
	body, err := c.post(ctx, "verify", "/api/v1/ledger/verify", contentTypeOctetStream, data)
	if err != nil {
		return nil, err
	}
	var out structpb.Struct
	if err := proto.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return FromProtoLedger(&out)
}

// Seal asks the service to wrap a plaintext ledger in its envelope.
func (c *Client) Seal(ctx context.Context, plain []byte) ([]byte, error) {
	req, err := proto.Marshal(wrapperspb.Bytes(plain))
	if err != nil {
		return nil, fmt.Errorf("marshal seal request: %w", err)
	}
	body, err := c.post(ctx, "seal", "/api/v1/ledger/seal", contentTypeProtobuf, req)
	if err != nil {
		return nil, err
	}
	var out wrapperspb.StringValue
	if err := proto.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return []byte(out.GetValue()), nil
}

// LocalVerifier runs verification in-process (useful for testing).
type LocalVerifier struct {
	Loader *Loader
}

// NewLocalVerifier creates a verifier using the compiled-in envelope secret.
func NewLocalVerifier() *LocalVerifier {
	return &LocalVerifier{Loader: NewLoader()}
}

// Verify validates data directly.
func (v *LocalVerifier) Verify(ctx context.Context, data []byte) (*ValidatedLedger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return v.Loader.LoadBytes(data)
}
