package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:8001"

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestTimeout bounds /ner, /progress, /interrupt and /health calls.
	// /generate is bounded only by the caller's context.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Client struct {
	baseURL        string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Extract(ctx context.Context, text, style string) (NERResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	raw, err := c.do(ctx, http.MethodPost, "/ner", "NER", nerRequest{Text: text, Style: style})
	if err != nil {
		return NERResponse{}, err
	}

	var body nerBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return NERResponse{}, fmt.Errorf("decode NER response: %w", err)
	}
	return body.toResponse(), nil
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (Image, error) {
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return Image{}, errors.New("prompt is empty")
	}

	raw, err := c.do(ctx, http.MethodPost, "/generate", "Generate", req)
	if err != nil {
		return Image{}, err
	}

	var body generateBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return Image{}, fmt.Errorf("decode generate response: %w", err)
	}
	return body.toImage()
}

func (c *Client) Progress(ctx context.Context) (Progress, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	raw, err := c.do(ctx, http.MethodGet, "/progress", "Progress", nil)
	if err != nil {
		return Progress{}, err
	}

	var out Progress
	if err := json.Unmarshal(raw, &out); err != nil {
		return Progress{}, fmt.Errorf("decode progress response: %w", err)
	}
	return out, nil
}

// Interrupt asks the backend to stop the running job. The response body is
// not inspected; any 2xx counts as delivered.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	_, err := c.do(ctx, http.MethodPost, "/interrupt", "Interrupt", nil)
	return err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	raw, err := c.do(ctx, http.MethodGet, "/health", "Health", nil)
	if err != nil {
		return Health{}, err
	}

	var out Health
	if err := json.Unmarshal(raw, &out); err != nil {
		return Health{}, fmt.Errorf("decode health response: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path, endpoint string, payload any) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("content-type", "application/json")
	}
	httpReq.Header.Set("accept", "application/json")

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}

	c.logger.Debug("backend call", "endpoint", path, "status", httpResp.StatusCode, "dur_ms", time.Since(start).Milliseconds())

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &HTTPError{
			Endpoint:   endpoint,
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(rawBody)),
		}
	}
	return rawBody, nil
}

func (b nerBody) toResponse() NERResponse {
	switch {
	case b.Fields != nil:
		scores := make(map[string]float64, len(b.Scores))
		for k, v := range b.Scores {
			if v != nil {
				scores[k] = *v
			}
		}
		return NERResponse{Shape: ShapeFieldMap, Fields: b.Fields, Scores: scores}
	case b.Spans != nil:
		spans := make([]Span, 0, len(b.Spans))
		for _, sp := range b.Spans {
			spans = append(spans, sp.toSpan())
		}
		return NERResponse{Shape: ShapeSpans, Spans: spans}
	default:
		return NERResponse{Shape: ShapeNone}
	}
}

func (s spanBody) toSpan() Span {
	out := Span{Label: looseString(s.Label), Text: looseString(s.Text)}
	if score, ok := s.Score.(float64); ok {
		out.Score = &score
	}
	return out
}

func looseString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func (b generateBody) toImage() (Image, error) {
	b64 := b.ImageBase64
	if b64 == "" && len(b.Images) > 0 {
		if first, ok := b.Images[0].(string); ok {
			b64 = first
		}
	}
	if b64 != "" {
		return Image{Kind: ImageEmbedded, Source: DataURI(b64)}, nil
	}

	url := b.ImageURL
	if url == "" {
		url = b.URL
	}
	if url != "" {
		return Image{Kind: ImageURL, Source: url}, nil
	}
	return Image{}, ErrNoImage
}

// DataURI prefixes bare base64 image data with a PNG data-URI header.
func DataURI(b64 string) string {
	if strings.HasPrefix(b64, "data:image") {
		return b64
	}
	return "data:image/png;base64," + b64
}
