package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/agentbay/core"
	"github.com/hupe1980/agentbay/internal/codec"
	"github.com/hupe1980/agentbay/logging"
)

// DefaultBaseURL is the hosted AgentBay API.
const DefaultBaseURL = "https://api.agentbay.co"

// maxResponseBytes caps a response body as read off the wire, before
// decompression. Session records are a few kilobytes.
const maxResponseBytes = 4 << 20

// idempotencyNamespace scopes payload derived idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f0c7c5e-2d4b-4f43-9a52-6b1e3f0d8a11")

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	Codec       codec.Codec
	Compression codec.Compression
	UserAgent   string
	Logger      logging.Logger
}

// Client is a core.BackendStore backed by the AgentBay HTTP API.
type Client struct {
	base        *url.URL
	apiKey      string
	http        *http.Client
	codec       codec.Codec
	compression codec.Compression
	userAgent   string
	logger      logging.Logger
}

// New creates a client. An API key is required.
func New(optFns ...func(o *Options)) (*Client, error) {
	opts := Options{
		BaseURL:     DefaultBaseURL,
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		Codec:       codec.JSON,
		Compression: codec.CompressionNone,
		UserAgent:   "agentbay-go",
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.APIKey == "" {
		return nil, errors.New("remote: api key is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: invalid base url: %w", err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Codec == nil {
		opts.Codec = codec.JSON
	}
	return &Client{
		base:        base,
		apiKey:      opts.APIKey,
		http:        opts.HTTPClient,
		codec:       opts.Codec,
		compression: opts.Compression,
		userAgent:   opts.UserAgent,
		logger:      logging.OrNoOp(opts.Logger),
	}, nil
}

// closeRequest is the body of the close endpoint.
type closeRequest struct {
	Status core.Status      `json:"status"`
	Fields core.MergeFields `json:"fields"`
}

// listResponse is the body of the list endpoint.
type listResponse struct {
	Sessions []core.SessionInfo `json:"sessions"`
}

// CreateSession implements core.BackendStore.
func (c *Client) CreateSession(ctx context.Context, info core.SessionInfo) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions", info, nil)
}

// UpdateSession implements core.BackendStore.
func (c *Client) UpdateSession(ctx context.Context, sessionID string, fields core.MergeFields) error {
	return c.do(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(sessionID), fields, nil)
}

// CloseSession implements core.BackendStore.
func (c *Client) CloseSession(ctx context.Context, sessionID string, status core.Status, fields core.MergeFields) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(sessionID)+"/close", closeRequest{Status: status, Fields: fields}, nil)
}

// GetSession implements core.BackendStore.
func (c *Client) GetSession(ctx context.Context, sessionID string) (core.Record, error) {
	var rec core.Record
	if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &rec); err != nil {
		return core.Record{}, err
	}
	return rec, nil
}

// ListActive implements core.SessionLister. Servers whose store cannot list
// answer 501, reported as core.ErrListUnsupported.
func (c *Client) ListActive(ctx context.Context, agentID string) ([]core.SessionInfo, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/v1/sessions?agent_id="+url.QueryEscape(agentID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	var payload []byte
	if in != nil {
		raw, err := c.codec.Marshal(in)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		payload = raw
		packed, err := codec.Compress(raw, c.compression)
		if err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		body = bytes.NewReader(packed)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", c.codec.ContentType())
	req.Header.Set("User-Agent", c.userAgent)
	if in != nil {
		req.Header.Set("Content-Type", c.codec.ContentType())
		req.Header.Set("Idempotency-Key", uuid.NewSHA1(idempotencyNamespace, append([]byte(method+" "+path+"\n"), payload...)).String())
		if enc := c.compression.ContentEncoding(); enc != "" {
			req.Header.Set("Content-Encoding", enc)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("remote: %s %s: %w", method, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %v", core.ErrBackendUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", core.ErrBackendUnavailable, err)
	}
	if len(raw) > maxResponseBytes {
		return fmt.Errorf("remote: %s %s: response body exceeds %d bytes", method, path, maxResponseBytes)
	}
	raw, err = codec.Decompress(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	respCodec := codec.ForContentType(resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		var eb errorBody
		if len(raw) > 0 && respCodec.Unmarshal(raw, &eb) == nil && eb.Error != "" {
			msg = eb.Error
		}
		err := mapStatus(resp.StatusCode, msg)
		c.logger.Debug("agentbay api error", "method", method, "path", path, "status", resp.StatusCode, "error", err)
		return err
	}
	if out != nil {
		if err := respCodec.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("remote: decode response: %w", err)
		}
	}
	return nil
}
