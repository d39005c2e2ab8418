// Package transfer moves file bytes to single-use upload targets.
package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chmdznr/gallery-uploader/internal/errs"
	"github.com/chmdznr/gallery-uploader/pkg/models"
)

// Kind classifies how a transfer ended
type Kind string

const (
	KindSuccess    Kind = "success"
	KindHTTPStatus Kind = "http_status"
	KindNetwork    Kind = "network"
	KindCanceled   Kind = "canceled"
)

// Request is a single PUT of a file body to its upload target
type Request struct {
	LocalID  string
	URL      string
	MimeType string
	Body     models.Source
}

// Outcome is the result of one transfer
type Outcome struct {
	LocalID    string
	Kind       Kind
	StatusCode int
	Err        error
	Bytes      int64
	Duration   time.Duration
}

// OK reports whether the transfer succeeded
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// Transport performs transfers. progress receives the cumulative number
// of bytes sent and may be nil.
type Transport interface {
	Put(ctx context.Context, req Request, progress func(sent int64)) Outcome
}

// HTTPOptions configures HTTPTransport
type HTTPOptions struct {
	// Timeout bounds a single transfer, including the response
	Timeout time.Duration
	Client  *http.Client
}

// HTTPTransport uploads with a plain HTTP PUT
type HTTPTransport struct {
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// NewTunedTransport returns the connection settings used for uploads
func NewTunedTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPTransport creates a transport
func NewHTTPTransport(opts HTTPOptions, log *slog.Logger) *HTTPTransport {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: NewTunedTransport()}
	}
	return &HTTPTransport{
		client:  client,
		timeout: opts.Timeout,
		log:     log.With("component", "transfer"),
	}
}

// Put uploads req.Body to req.URL
func (t *HTTPTransport) Put(ctx context.Context, req Request, progress func(sent int64)) Outcome {
	start := time.Now()
	out := t.put(ctx, req, progress)
	out.LocalID = req.LocalID
	out.Duration = time.Since(start)

	if out.OK() {
		t.log.Debug("transfer done", "id", req.LocalID, "bytes", out.Bytes, "duration", out.Duration)
	} else {
		t.log.Warn("transfer failed", "id", req.LocalID, "kind", out.Kind, "status", out.StatusCode, "error", out.Err)
	}
	return out
}

func (t *HTTPTransport) put(ctx context.Context, req Request, progress func(sent int64)) Outcome {
	f, err := req.Body.Open()
	if err != nil {
		return Outcome{Kind: KindNetwork, Err: transferErr(req.LocalID, 0, err)}
	}
	defer f.Close()

	tctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	size := req.Body.Size()
	body := &progressReader{r: f, fn: progress}
	hreq, err := http.NewRequestWithContext(tctx, http.MethodPut, req.URL, body)
	if err != nil {
		return Outcome{Kind: KindNetwork, Err: transferErr(req.LocalID, 0, err)}
	}
	hreq.ContentLength = size
	if req.MimeType != "" {
		hreq.Header.Set("Content-Type", req.MimeType)
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{Kind: KindCanceled, Err: errs.Wrap(errs.ErrCanceled, ctx.Err())}
		}
		return Outcome{Kind: KindNetwork, Err: transferErr(req.LocalID, 0, err)}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := errors.New(resp.Status)
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			cause = fmt.Errorf("%s: %s", resp.Status, msg)
		}
		return Outcome{
			Kind:       KindHTTPStatus,
			StatusCode: resp.StatusCode,
			Err:        transferErr(req.LocalID, resp.StatusCode, cause),
		}
	}
	return Outcome{Kind: KindSuccess, StatusCode: resp.StatusCode, Bytes: size}
}

func transferErr(id string, status int, cause error) error {
	return errs.New("put", errs.Wrap(errs.ErrTransferFailed, cause)).WithID(id).WithStatus(status)
}

type progressReader struct {
	r    io.Reader
	sent int64
	fn   func(int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent)
		}
	}
	return n, err
}
