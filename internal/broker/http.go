package broker

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/blake2b"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// HTTPOptions configures HTTPClient
type HTTPOptions struct {
	BaseURL    string
	Token      string
	Client     *http.Client
	MaxRetries uint64
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// HTTPClient talks to the studio API
type HTTPClient struct {
	base       *url.URL
	token      string
	client     *http.Client
	maxRetries uint64
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

// NewHTTPClient creates a client for the API rooted at opts.BaseURL
func NewHTTPClient(opts HTTPOptions, log *slog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", opts.BaseURL)
	}
	if log == nil {
		log = slog.Default()
	}
	c := &HTTPClient{
		base:       base,
		token:      opts.Token,
		client:     opts.Client,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		maxBackoff: opts.MaxBackoff,
		log:        log.With("component", "broker", "api", base.Host),
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.maxRetries == 0 {
		c.maxRetries = 4
	}
	if c.backoff <= 0 {
		c.backoff = 250 * time.Millisecond
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 5 * time.Second
	}
	return c, nil
}

type destinationsResponse struct {
	Destinations []models.Destination `json:"destinations"`
}

// RequestDestinations asks the API for one upload target per file
func (c *HTTPClient) RequestDestinations(ctx context.Context, req DestinationRequest) ([]models.Destination, error) {
	var resp destinationsResponse
	endpoint := c.base.JoinPath("targets", req.TargetID, "upload-destinations")
	if err := c.post(ctx, endpoint.String(), req, &resp, callOptions{retryable: idempotentRetry}); err != nil {
		return nil, opErr("request destinations", errs.ErrDestinationDenied, err)
	}
	c.log.Debug("destinations issued", "requested", len(req.Files), "issued", len(resp.Destinations))
	return resp.Destinations, nil
}

// ConfirmUploads confirms one batch
func (c *HTTPClient) ConfirmUploads(ctx context.Context, req ConfirmRequest) error {
	endpoint := c.base.JoinPath("targets", req.TargetID, "uploads", "confirm")
	opts := callOptions{retryable: confirmRetry, idempotencyKey: confirmKey(req)}
	if err := c.post(ctx, endpoint.String(), req, nil, opts); err != nil {
		return opErr("confirm uploads", errs.ErrConfirmationFailed, err)
	}
	c.log.Debug("uploads confirmed", "count", len(req.Uploads))
	return nil
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	if e.msg == "" {
		return http.StatusText(e.code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.code), e.msg)
}

func opErr(op string, category, err error) error {
	if errors.Is(err, context.Canceled) {
		category = errs.ErrCanceled
	}
	e := errs.New(op, errs.Wrap(category, err))
	var se *statusError
	if errors.As(err, &se) {
		e = e.WithStatus(se.code)
	}
	return e
}

type callOptions struct {
	retryable      func(err error) bool
	idempotencyKey string
}

// idempotentRetry retries network errors, 5xx and 429
func idempotentRetry(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// confirmRetry only retries answers that say the confirmation was not
// applied. A lost response may hide a committed batch whose tokens are
// already spent.
func confirmRetry(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.code == http.StatusTooManyRequests || se.code == http.StatusServiceUnavailable
}

// confirmKey identifies a confirmation batch by its target and tokens
func confirmKey(req ConfirmRequest) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(req.TargetID))
	for _, u := range req.Uploads {
		h.Write([]byte{0})
		h.Write([]byte(u.ConfirmationToken))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, in, out any, opts callOptions) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	b := retry.NewExponential(c.backoff)
	b = retry.WithCappedDuration(c.maxBackoff, b)
	b = retry.WithMaxRetries(c.maxRetries, b)

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, endpoint, body, out, opts.idempotencyKey)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case !opts.retryable(err):
			return err
		}
		c.log.Warn("api call failed, retrying", "endpoint", endpoint, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (c *HTTPClient) do(ctx context.Context, endpoint string, body []byte, out any, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, msg: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
