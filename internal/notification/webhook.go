// Package notification delivers Critical audit events to operators.
package notification

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
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/toolgate/internal/audit"
)

// ErrURLRejected is returned for webhook URLs that fail validation.
var ErrURLRejected = errors.New("webhook URL rejected")

// WebhookAlerter POSTs Critical audit events as JSON to a fixed URL.
// Includes SSRF protection: private and loopback hosts are refused unless
// explicitly allowed.
type WebhookAlerter struct {
	url          string
	allowPrivate bool
	httpClient   *http.Client
	logger       *slog.Logger
	lookup       func(host string) ([]string, error)
}

var _ audit.Alerter = (*WebhookAlerter)(nil)

// WebhookOption configures a WebhookAlerter.
type WebhookOption func(*WebhookAlerter)

// AllowPrivateHosts disables the private address check, for alert
// receivers inside the same network.
func AllowPrivateHosts() WebhookOption {
	return func(w *WebhookAlerter) { w.allowPrivate = true }
}

// WithHTTPClient replaces the HTTP client. Redirects stay disabled.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookAlerter) { w.httpClient = c }
}

// NewWebhookAlerter validates rawURL and returns an alerter for it.
func NewWebhookAlerter(rawURL string, logger *slog.Logger, opts ...WebhookOption) (*WebhookAlerter, error) {
	w := &WebhookAlerter{
		url: rawURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
		lookup: net.LookupHost,
	}
	for _, opt := range opts {
		opt(w)
	}
	// Do not follow redirects: a redirect to an internal host would bypass validation.
	w.httpClient.CheckRedirect = func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Payload is the JSON body sent for every alert. Text is a one-line
// summary so chat webhooks render something useful.
type Payload struct {
	Text  string      `json:"text"`
	Event audit.Event `json:"event"`
}

// Alert delivers ev. The URL is re-validated on every call so DNS changes
// after startup cannot redirect alerts to internal hosts.
func (w *WebhookAlerter) Alert(ctx context.Context, ev audit.Event) error {
	if err := w.validate(); err != nil {
		return err
	}

	body, err := json.Marshal(Payload{Text: Summary(ev), Event: ev})
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "toolgate-alert/1.0")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if w.logger != nil {
		w.logger.DebugContext(ctx, "alert delivered",
			slog.String("event_id", ev.ID),
			slog.String("tool_id", ev.ToolID),
		)
	}
	return nil
}

// Summary renders ev as a single line.
func Summary(ev audit.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s on %s", strings.ToUpper(ev.Risk.String()), ev.Type, ev.ToolID)
	if ev.Context.UserID != "" {
		fmt.Fprintf(&b, " by %s", ev.Context.UserID)
	}
	if code, ok := ev.Details["code"].(string); ok && code != "" {
		fmt.Fprintf(&b, " (%s)", code)
	}
	return b.String()
}

func (w *WebhookAlerter) validate() error {
	if err := validateWebhookURL(w.url, w.allowPrivate, w.lookup); err != nil {
		return fmt.Errorf("%w: %w", ErrURLRejected, err)
	}
	return nil
}

// validateWebhookURL checks that the URL points to a public host.
// Blocks private IPs, loopback, link-local, and non-HTTP schemes.
func validateWebhookURL(rawURL string, allowPrivate bool, lookup func(string) ([]string, error)) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("missing host")
	}
	if allowPrivate {
		return nil
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "127.0.0.1" || lower == "::1" || lower == "0.0.0.0" {
		return fmt.Errorf("loopback addresses not allowed")
	}

	ips, err := lookup(hostname)
	if err != nil {
		return fmt.Errorf("DNS lookup failed for %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP %s not allowed", ipStr)
		}
	}
	return nil
}
