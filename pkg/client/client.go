// Package client is a Go client for the dumiverse render coordinator.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bhandras/dumiverse/internal/codec"
	"github.com/bhandras/dumiverse/pkg/types"
)

// Error is a failure response from the coordinator.
type Error struct {
	StatusCode int
	Msg        string
}

func (e *Error) Error() string {
	return fmt.Sprintf("dumiverse: %s (HTTP %d)", e.Msg, e.StatusCode)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sets a bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithCompressedRender asks the server to gzip render output. The client
// decompresses it transparently.
func WithCompressedRender() Option {
	return func(c *Client) {
		c.compressRender = true
	}
}

// Client talks to one coordinator.
type Client struct {
	base           *url.URL
	http           *http.Client
	token          string
	compressRender bool
}

// New returns a client for the coordinator at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		base: u,
		// Renders can take arbitrarily long; callers bound them with ctx.
		http: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Frame is a rendered output buffer.
type Frame struct {
	JobID  string
	Width  int
	Height int
	Data   []byte
}

// Open claims the connection.
func (c *Client) Open(ctx context.Context) error {
	var resp types.Response
	return c.getJSON(ctx, "/open", &resp)
}

// Init uploads a scene and patch and returns the output dimensions. The
// scene is gzipped before upload.
func (c *Client) Init(ctx context.Context, scene, patch []byte) (width, height int, err error) {
	packed, err := codec.Compress(scene, codec.FormatGzip)
	if err != nil {
		return 0, 0, fmt.Errorf("compress scene: %w", err)
	}

	body, contentType, err := multipartBody(map[string]string{types.FieldPatch: string(patch)}, packed)
	if err != nil {
		return 0, 0, err
	}

	var resp types.InitResponse
	if err := c.postJSON(ctx, "/init", body, contentType, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Width, resp.Height, nil
}

// Render dispatches a render and waits for its output.
func (c *Client) Render(ctx context.Context, parameters, settings []byte) (*Frame, error) {
	body, contentType, err := multipartBody(map[string]string{
		types.FieldParameters: string(parameters),
		types.FieldSettings:   string(settings),
	}, nil)
	if err != nil {
		return nil, err
	}

	path := "/render"
	if c.compressRender {
		path += "?gzip=1"
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, decodeError(res)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read render output: %w", err)
	}
	if c.compressRender {
		data, _, err = codec.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("decompress render output: %w", err)
		}
	}

	width, _ := strconv.Atoi(res.Header.Get(types.HeaderRenderWidth))
	height, _ := strconv.Atoi(res.Header.Get(types.HeaderRenderHeight))
	return &Frame{
		JobID:  res.Header.Get(types.HeaderRenderJob),
		Width:  width,
		Height: height,
		Data:   data,
	}, nil
}

// Interrupt aborts the running render.
func (c *Client) Interrupt(ctx context.Context) error {
	var resp types.Response
	return c.getJSON(ctx, "/interrupt", &resp)
}

// Percent returns render progress in [0, 100].
func (c *Client) Percent(ctx context.Context) (float64, error) {
	var resp types.PercentResponse
	if err := c.getJSON(ctx, "/percent", &resp); err != nil {
		return 0, err
	}
	return resp.Percent, nil
}

// CheckBuffer reports whether an output buffer exists.
func (c *Client) CheckBuffer(ctx context.Context) (types.CheckBufferResponse, error) {
	var resp types.CheckBufferResponse
	err := c.getJSON(ctx, "/check_buffer", &resp)
	return resp, err
}

// Status returns the coordinator state.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var resp types.StatusResponse
	err := c.getJSON(ctx, "/status", &resp)
	return resp, err
}

// Close releases the connection. Closing a connection that is not open is
// not an error.
func (c *Client) Close(ctx context.Context) error {
	var resp types.Response
	if err := c.getJSON(ctx, "/close", &resp); err != nil && !IsNotOpen(err) {
		return err
	}
	return nil
}

// WaitForProgress polls Percent every interval until ctx is done, calling fn
// with each reading.
func (c *Client) WaitForProgress(ctx context.Context, interval time.Duration, fn func(float64)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.Percent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		fn(p)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	u := *c.base
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	u.Path += ref.Path
	u.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.doJSON(req, out)
}

// doJSON decodes a JSON response into out. Responses with success=false are
// returned as *Error regardless of status code.
func (c *Client) doJSON(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var envelope types.Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{StatusCode: res.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	if !envelope.Success {
		return &Error{StatusCode: res.StatusCode, Msg: envelope.Msg}
	}
	return json.Unmarshal(raw, out)
}

func decodeError(res *http.Response) error {
	var envelope types.Response
	raw, _ := io.ReadAll(res.Body)
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Msg == "" {
		return &Error{StatusCode: res.StatusCode, Msg: http.StatusText(res.StatusCode)}
	}
	return &Error{StatusCode: res.StatusCode, Msg: envelope.Msg}
}

func multipartBody(fields map[string]string, scene []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if scene != nil {
		fw, err := mw.CreateFormFile(types.FieldSceneFile, "scene.ass.gz")
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(scene); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// IsNotOpen reports whether err is a not-open failure.
func IsNotOpen(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusForbidden || strings.Contains(strings.ToLower(apiErr.Msg), "not open")
}
