package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/gateway"
	"github.com/crypto-trading/perpvenue/internal/monitor"
	"github.com/crypto-trading/perpvenue/internal/signer"
)

const (
	infoPath     = "/info"
	exchangePath = "/exchange"

	DefaultRequestTimeout = 15 * time.Second
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// Client talks to the venue's info and exchange endpoints. A nil signer
// leaves the client query-only.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	signer      *signer.Signer
	rateLimiter *gateway.RateLimiter
	metrics     *monitor.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

var _ gateway.Transport = (*Client)(nil)

func NewClient(cfg Config, s *signer.Signer, rl *gateway.RateLimiter, metrics *monitor.Metrics, logger *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if rl == nil {
		rl = gateway.NewRateLimiter()
	}
	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		},
		signer:      s,
		rateLimiter: rl,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

// query posts an unsigned info request and decodes the result into out.
func (c *Client) query(ctx context.Context, kind string, payload map[string]any, out any) error {
	body := map[string]any{"type": kind}
	for k, v := range payload {
		body[k] = v
	}
	data, err := c.doRequest(ctx, infoPath, kind, body, domain.EndpointInfo, false)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &domain.ProtocolError{Op: "decode " + kind, Err: err}
	}
	return nil
}

// action posts a signed exchange request and returns the ok payload.
func (c *Client) action(ctx context.Context, kind string, act any, category domain.EndpointCategory) (json.RawMessage, error) {
	if c.signer == nil {
		return nil, domain.ErrUnauthenticated
	}
	req := exchangeRequest{Action: act, Nonce: c.now().UnixMilli()}
	data, err := c.doRequest(ctx, exchangePath, kind, req, category, true)
	if err != nil {
		return nil, err
	}

	var resp exchangeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &domain.ProtocolError{Op: "decode " + kind, Err: err}
	}
	if resp.Status != "ok" {
		return nil, &domain.VenueError{Message: venueMessage(resp.Response), Code: resp.Status}
	}
	return resp.Response, nil
}

func (c *Client) doRequest(ctx context.Context, path, kind string, body any, category domain.EndpointCategory, signed bool) ([]byte, error) {
	ctx, span := monitor.Tracer().Start(ctx, "venue."+kind)
	defer span.End()
	span.SetAttributes(attribute.String("venue.path", path), attribute.Bool("venue.signed", signed))

	start := time.Now()
	data, err := c.send(ctx, path, kind, body, category, signed)
	class := errorClass(err)
	c.metrics.ObserveVenueCall(path, kind, start, class)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
		c.logger.Debug("venue call failed", "kind", kind, "class", class, "error", err)
	}
	return data, err
}

func (c *Client) send(ctx context.Context, path, kind string, body any, category domain.EndpointCategory, signed bool) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, category, 1); err != nil {
		return nil, domain.NewNetworkError("rate limit "+kind, err, errors.Is(err, context.DeadlineExceeded))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		sr, err := c.signer.Sign(signer.Request{Method: http.MethodPost, Path: path, Body: payload})
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", kind, err)
		}
		for k, v := range sr.Headers {
			req.Header[k] = v
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("post "+path, err, isTimeout(err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNetworkError("read "+path, err, isTimeout(err))
	}

	if resp.StatusCode >= 400 {
		return nil, &domain.VenueError{
			Message: venueMessage(respBody),
			Code:    strconv.Itoa(resp.StatusCode),
			Err:     fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	return respBody, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errorClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		ne *domain.NetworkError
		ve *domain.VenueError
		pe *domain.ProtocolError
	)
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "unauthenticated"
	case errors.As(err, &ne):
		if ne.Timeout() {
			return "timeout"
		}
		return "network"
	case errors.As(err, &ve):
		return "venue"
	case errors.As(err, &pe):
		return "protocol"
	default:
		return "internal"
	}
}

// venueMessage extracts a readable message from an error payload, which
// the venue sends either as a bare JSON string or as plain text.
func venueMessage(raw []byte) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Error != "" {
			return obj.Error
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	return string(bytes.TrimSpace(raw))
}
