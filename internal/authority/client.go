// Package authority talks to the external system of record that decides
// refund status transitions.
package authority

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/refunds"
	"github.com/jcfernandezgithub/backoffice-tedevuelvo-sub000/internal/security"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 64 << 10
	maxEntityBody  = 4 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	TLS     *tls.Config
	Logger  *slog.Logger
}

// Client submits transitions over HTTP. Each Transition call makes exactly
// one request; failures are never retried here.
type Client struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *slog.Logger
}

func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid authority URL %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLS != nil {
		transport.TLSClientConfig = cfg.TLS
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL: u,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout, Transport: transport},
		logger:  logger,
	}, nil
}

type transitionBody struct {
	Status     refunds.Status `json:"status"`
	Note       string         `json:"note,omitempty"`
	By         string         `json:"by,omitempty"`
	Force      bool           `json:"force"`
	RealAmount *float64       `json:"realAmount,omitempty"`
}

type rejectionBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Transition implements refunds.Authority.
func (c *Client) Transition(ctx context.Context, refundID string, req *refunds.TransitionRequest) (*refunds.Refund, error) {
	payload, err := json.Marshal(transitionBody{
		Status:     req.TargetStatus,
		Note:       req.Note,
		By:         req.Actor,
		Force:      req.Force,
		RealAmount: req.RealAmount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode transition: %w", err)
	}

	endpoint := c.baseURL.JoinPath("refunds", url.PathEscape(refundID), "status")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build authority request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if cid := security.CorrelationIDFromContext(ctx); cid != "" {
		httpReq.Header.Set(security.CorrelationIDHeader, cid)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("authority request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.DebugContext(ctx, "authority responded",
		"refund_id", refundID,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejection(resp)
	}

	var refund refunds.Refund
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxEntityBody)).Decode(&refund); err != nil {
		return nil, fmt.Errorf("failed to decode authority response: %w", err)
	}
	if refund.ID == "" {
		refund.ID = refundID
	}
	if !refund.CurrentStatus.Valid() {
		return nil, fmt.Errorf("authority returned unknown status %q", refund.CurrentStatus)
	}
	return &refund, nil
}

// rejection classifies a non-2xx answer. Only the structured kind field is
// consulted; message text is carried for display.
func rejection(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body rejectionBody
	_ = json.Unmarshal(raw, &body)

	rej := &refunds.TransitionRejectedError{
		Kind:       refunds.RejectionOther,
		Message:    body.Message,
		StatusCode: resp.StatusCode,
	}
	if rej.Message == "" {
		rej.Message = body.Error
	}
	if rej.Message == "" {
		rej.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusConflict, http.StatusUnprocessableEntity:
		if refunds.RejectionKind(body.Kind) == refunds.RejectionInvalidTransition {
			rej.Kind = refunds.RejectionInvalidTransition
		}
	}
	return rej
}

var _ refunds.Authority = (*Client)(nil)
