package alert

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"

	"securepad/cfg"
	"securepad/metrics"
	"securepad/pkg/domain"
	"securepad/svc/util"
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

// Mailer sends alerts synchronously over SMTP. A Mailer built from an
// SMTP configuration without host or credentials is disabled and reports
// every alert as not delivered.
type Mailer struct {
	client  sender
	from    string
	appURL  string
	timeout time.Duration
	now     func() time.Time
}

func NewMailer(c cfg.SMTPCfg, appURL string) (*Mailer, error) {
	m := &Mailer{from: c.From, appURL: appURL, timeout: c.SendTimeout, now: time.Now}
	if !c.Enabled() {
		util.Warn().Msg("email alerts disabled - SMTP configuration missing")
		return m, nil
	}
	opts := []mail.Option{
		mail.WithPort(c.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(c.Username),
		mail.WithPassword(c.Password.Value()),
		mail.WithTimeout(c.SendTimeout),
	}
	if c.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	client, err := mail.NewClient(c.Host, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "smtp client")
	}
	m.client = client
	util.Info().Str("host", c.Host).Int("port", c.Port).Msg("email alert service initialized")
	return m, nil
}

func (m *Mailer) Enabled() bool {
	return m.client != nil
}

// Notify renders and sends one alert. It returns whether the SMTP server
// accepted the message.
func (m *Mailer) Notify(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) bool {
	if m.client == nil || email == "" {
		return false
	}
	if err := m.send(ctx, email, slug, event, detail); err != nil {
		metrics.Alerts.WithLabelValues("failed").Inc()
		util.Error().Err(err).
			Str("to", util.RedactEmail(email)).
			Str("event", string(event)).
			Msg("alert email failed")
		return false
	}
	metrics.Alerts.WithLabelValues("sent").Inc()
	util.Info().Str("to", util.RedactEmail(email)).Str("event", string(event)).Msg("alert email sent")
	return true
}

func (m *Mailer) send(ctx context.Context, email, slug string, event domain.EventType, detail domain.AlertDetail) error {
	rendered, err := Render(m.appURL, slug, event, detail, m.now())
	if err != nil {
		return errors.Wrap(err, "render alert")
	}
	msg := mail.NewMsg()
	if err := msg.FromFormat("SecurePad Alerts", m.from); err != nil {
		return errors.Wrap(err, "from address")
	}
	if err := msg.To(email); err != nil {
		return errors.Wrap(err, "to address")
	}
	msg.Subject(rendered.Subject)
	msg.SetBodyString(mail.TypeTextPlain, rendered.Text)
	msg.AddAlternativeString(mail.TypeTextHTML, rendered.HTML)
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return domain.Upstream(m.client.DialAndSendWithContext(ctx, msg), "smtp send")
}
