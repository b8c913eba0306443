package budget

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/Egham-7/adaptive-governor/internal/models"
	"github.com/Egham-7/adaptive-governor/internal/services/telemetry"
	"github.com/Egham-7/adaptive-governor/internal/utils"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	svix "github.com/svix/svix-webhooks/go"
	"github.com/valyala/fasthttp"
)

// Channel delivers one encoded alert to a single destination.
type Channel interface {
	Kind() models.AlertChannel
	Deliver(ctx context.Context, alertID string, payload *models.AlertPayload, body []byte) error
}

// RetryPolicy is exponential backoff between delivery attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is 3 attempts, 1s base, doubling, capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Dispatcher fans an alert out to its configured channels.
type Dispatcher struct {
	channels    map[models.AlertChannel]Channel
	order       []models.AlertChannel
	retry       RetryPolicy
	environment string
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithDispatcherMetrics(m *telemetry.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

// WithChannel registers ch, replacing any channel of the same kind.
func WithChannel(ch Channel) DispatcherOption {
	return func(d *Dispatcher) { d.register(ch) }
}

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher builds the webhook and email channels that cfg has a
// destination for.
func NewDispatcher(cfg models.AlertsConfig, environment string, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		channels:    make(map[models.AlertChannel]Channel),
		retry:       retryPolicyFromConfig(cfg),
		environment: environment,
		now:         time.Now,
	}

	for _, kind := range cfg.Channels() {
		switch kind {
		case models.ChannelWebhook:
			wh, err := NewWebhookChannel(cfg.WebhookURL, cfg.SigningSecret, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond)
			if err != nil {
				return nil, err
			}
			d.register(wh)
		case models.ChannelEmail:
			d.register(NewEmailChannel(cfg.Email, cfg.SMTP))
		}
	}

	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func retryPolicyFromConfig(cfg models.AlertsConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.BaseDelayMs > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelayMs) * time.Millisecond
	}
	if cfg.MaxDelayMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMs) * time.Millisecond
	}
	return p
}

func (d *Dispatcher) register(ch Channel) {
	if _, exists := d.channels[ch.Kind()]; !exists {
		d.order = append(d.order, ch.Kind())
	}
	d.channels[ch.Kind()] = ch
}

// Channels lists the registered channel kinds in registration order.
func (d *Dispatcher) Channels() []models.AlertChannel {
	return append([]models.AlertChannel(nil), d.order...)
}

// Send builds the alert payload and delivers it to each requested channel,
// or to every registered channel when channels is empty. Each failed channel
// contributes an error wrapping models.ErrAlertDeliveryFailed.
func (d *Dispatcher) Send(ctx context.Context, alertType models.AlertType, status models.BudgetStatus, strategy *models.RoutingStrategy, channels []models.AlertChannel) error {
	if len(channels) == 0 {
		channels = d.order
	}
	if len(channels) == 0 {
		fiberlog.Debugf("[alerts] no channels configured, dropping %s alert", alertType)
		return nil
	}

	payload := &models.AlertPayload{
		AlertType:         alertType,
		Timestamp:         d.now().UTC().Format(time.RFC3339),
		BudgetStatus:      status,
		RecommendedAction: status.RecommendedAction,
		CurrentStrategy:   strategy,
		Environment:       d.environment,
	}
	alertID := "alert_" + uuid.NewString()

	buf, err := utils.EncodeJSON(payload)
	if err != nil {
		return fmt.Errorf("failed to encode alert payload: %w", err)
	}
	defer utils.PutBuffer(buf)

	var errs []error
	for _, kind := range channels {
		ch, ok := d.channels[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s: channel not configured", models.ErrAlertDeliveryFailed, kind))
			continue
		}

		if err := d.deliver(ctx, ch, alertID, payload, buf.B); err != nil {
			fiberlog.Errorf("[alerts] %s alert %s via %s failed: %v", alertType, alertID, kind, err)
			d.metrics.RecordAlert(string(alertType), string(kind), false)
			errs = append(errs, fmt.Errorf("%w: %s: %w", models.ErrAlertDeliveryFailed, kind, err))
			continue
		}

		fiberlog.Infof("[alerts] %s alert %s delivered via %s (%s %.1f%%)",
			alertType, alertID, kind, status.Period, status.UtilizationPercent)
		d.metrics.RecordAlert(string(alertType), string(kind), true)
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, alertID string, payload *models.AlertPayload, body []byte) error {
	attempts := max(1, d.retry.MaxAttempts)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ch.Deliver(ctx, alertID, payload, body); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		delay := d.retry.Delay(attempt)
		fiberlog.Debugf("[alerts] %s attempt %d/%d failed: %v, retrying in %v", ch.Kind(), attempt, attempts, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("gave up after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

// WebhookChannel POSTs the JSON payload. When a signing secret is configured
// each request carries svix-id, svix-timestamp and svix-signature headers.
type WebhookChannel struct {
	url     string
	client  *fasthttp.Client
	signer  *svix.Webhook
	timeout time.Duration
}

func NewWebhookChannel(url, signingSecret string, timeout time.Duration) (*WebhookChannel, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var signer *svix.Webhook
	if signingSecret != "" {
		var err error
		if signer, err = svix.NewWebhook(signingSecret); err != nil {
			return nil, fmt.Errorf("invalid alert signing secret: %w", err)
		}
	}

	return &WebhookChannel{
		url: url,
		client: &fasthttp.Client{
			Name:                "adaptive-governor",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
		signer:  signer,
		timeout: timeout,
	}, nil
}

func (w *WebhookChannel) Kind() models.AlertChannel {
	return models.ChannelWebhook
}

func (w *WebhookChannel) Deliver(ctx context.Context, alertID string, _ *models.AlertPayload, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if w.signer != nil {
		ts := time.Now()
		signature, err := w.signer.Sign(alertID, ts, body)
		if err != nil {
			return fmt.Errorf("failed to sign alert: %w", err)
		}
		req.Header.Set("svix-id", alertID)
		req.Header.Set("svix-timestamp", strconv.FormatInt(ts.Unix(), 10))
		req.Header.Set("svix-signature", signature)
	}

	timeout := w.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if err := w.client.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}

	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("webhook returned status %d", code)
	}
	return nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends a plain-text summary with the JSON payload attached inline.
type EmailChannel struct {
	to       string
	cfg      models.SMTPConfig
	sendMail sendMailFunc
}

func NewEmailChannel(to string, cfg models.SMTPConfig) *EmailChannel {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailChannel{to: to, cfg: cfg, sendMail: smtp.SendMail}
}

func (e *EmailChannel) Kind() models.AlertChannel {
	return models.ChannelEmail
}

func (e *EmailChannel) Deliver(ctx context.Context, _ string, payload *models.AlertPayload, body []byte) error {
	from := e.cfg.From
	if from == "" {
		from = e.cfg.Username
	}

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	msg := buildEmail(from, e.to, payload, body)
	addr := e.cfg.Host + ":" + strconv.Itoa(e.cfg.Port)

	// net/smtp has no context support
	done := make(chan error, 1)
	go func() {
		done <- e.sendMail(addr, auth, from, []string{e.to}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildEmail(from, to string, payload *models.AlertPayload, body []byte) []byte {
	status := payload.BudgetStatus
	subject := fmt.Sprintf("[%s] LLM budget %s: %.1f%% of %s limit used",
		payload.Environment, payload.AlertType, status.UtilizationPercent, status.Period)

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Spend: $%.2f of $%.2f (%s)\r\n", status.CurrentSpendUSD, status.BudgetLimitUSD, status.ThresholdStatus)
	fmt.Fprintf(&b, "Action: %s\r\n", payload.RecommendedAction)
	if payload.CurrentStrategy != nil {
		fmt.Fprintf(&b, "Routing strategy: %s\r\n", *payload.CurrentStrategy)
	}
	b.WriteString("\r\n")
	b.Write(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
