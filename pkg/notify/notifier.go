package notify

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/poncho/poncho/pkg/engine"
	"github.com/poncho/poncho/pkg/telemetry"
)

// Config controls notification delivery.
type Config struct {
	EnableMail     bool          `yaml:"enable_mail" json:"enable_mail"`
	FromAddr       string        `yaml:"from_addr" json:"from_addr" validate:"omitempty,email"`
	ReplyTo        string        `yaml:"reply_to" json:"reply_to" validate:"omitempty,email"`
	Subject        string        `yaml:"subject" json:"subject"`
	SMTPServer     string        `yaml:"smtp_server" json:"smtp_server" validate:"omitempty,hostname_port"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout" json:"webhook_timeout" validate:"gte=0"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" validate:"gte=0,lte=20"`
}

// DefaultConfig returns mail enabled with a 10s webhook timeout and three
// retries.
func DefaultConfig() Config {
	return Config{
		EnableMail:     true,
		Subject:        DefaultSubject,
		WebhookTimeout: 10 * time.Second,
		MaxRetries:     3,
	}
}

// Metrics receives delivery outcomes.
type Metrics interface {
	RecordNotification(kind, channel string, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordNotification(_, _ string, _ error) {}

// Notifier routes notifications to webhooks or mail. It implements
// engine.Notifier.
type Notifier struct {
	cfg     Config
	webhook *WebhookSender
	mailer  *Mailer
	metrics Metrics
	logger  zerolog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient sets the client used for webhooks.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) {
		n.webhook.client = c
	}
}

// WithRetryInterval sets the initial and maximum webhook retry intervals.
func WithRetryInterval(initial, max time.Duration) Option {
	return func(n *Notifier) {
		n.webhook.initialInterval = initial
		n.webhook.maxInterval = max
	}
}

// WithRetryBudget caps the total time a webhook delivery spends retrying.
// Deliveries run inside a step transaction, so the budget should stay below
// the poll interval.
func WithRetryBudget(d time.Duration) Option {
	return func(n *Notifier) {
		n.webhook.budget = d
	}
}

// WithSendMail replaces smtp.SendMail.
func WithSendMail(fn SendMailFunc) Option {
	return func(n *Notifier) {
		n.mailer.sendMail = fn
	}
}

// WithMailClock sets the clock used for the Date header.
func WithMailClock(now func() time.Time) Option {
	return func(n *Notifier) {
		n.mailer.now = now
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(n *Notifier) {
		n.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(n *Notifier) {
		n.logger = l
		n.webhook.logger = l
	}
}

// New creates a notifier.
func New(cfg Config, opts ...Option) *Notifier {
	timeout := cfg.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	n := &Notifier{
		cfg:     cfg,
		webhook: NewWebhookSender(&http.Client{Timeout: timeout}, cfg.MaxRetries, zerolog.Nop()),
		mailer:  NewMailer(cfg),
		metrics: nopMetrics{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send builds a notification of kind and delivers it.
func (n *Notifier) Send(ctx context.Context, kind engine.NotificationKind, subject string, recipients engine.Recipients, fields map[string]string) (err error) {
	op := telemetry.StartOperation(ctx, "notify."+string(kind), telemetry.AttrNotice.String(string(kind)))
	defer func() { op.End(err) }()

	note, err := NewNotification(kind, fields)
	if err != nil {
		return err
	}
	note.Subject = subject
	return n.Deliver(op.Ctx, note, recipients)
}

// Deliver sends note to every webhook URL. Without URLs it falls back to
// mail when mail is enabled. All targets are attempted; failures are joined.
func (n *Notifier) Deliver(ctx context.Context, note *Notification, r engine.Recipients) error {
	logger := n.logger.With().Str("kind", string(note.Kind)).Str("notification_id", note.ID).Logger()

	if len(r.URLs) > 0 {
		var errs []error
		for _, url := range r.URLs {
			err := n.webhook.Post(ctx, url, note)
			n.metrics.RecordNotification(string(note.Kind), ChannelWebhook, err)
			if err != nil {
				logger.Warn().Err(err).Str("url", url).Msg("Webhook notification failed")
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if len(r.Emails) == 0 {
		return nil
	}
	if !n.cfg.EnableMail {
		logger.Debug().Strs("emails", r.Emails).Msg("Mail notifications disabled, dropping")
		return nil
	}

	err := n.mailer.Send(ctx, note, r.Emails)
	n.metrics.RecordNotification(string(note.Kind), ChannelMail, err)
	if err != nil {
		logger.Warn().Err(err).Strs("emails", r.Emails).Msg("Mail notification failed")
		return err
	}
	logger.Debug().Strs("emails", r.Emails).Msg("Mail notification sent")
	return nil
}

var _ engine.Notifier = (*Notifier)(nil)
