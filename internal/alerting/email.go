package alerting

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type EmailConfig struct {
	SMTPServer string        `mapstructure:"smtp_server"`
	SMTPPort   int           `mapstructure:"smtp_port"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	Sender     string        `mapstructure:"sender"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// Configured reports whether the fields needed to submit mail are present.
func (c EmailConfig) Configured() bool {
	return c.SMTPServer != "" && c.Sender != ""
}

func (c EmailConfig) addr() string {
	port := c.SMTPPort
	if port == 0 {
		port = 587
	}
	return net.JoinHostPort(c.SMTPServer, strconv.Itoa(port))
}

// deadline bounds the whole SMTP session by Timeout or the context
// deadline, whichever comes first.
func (c EmailConfig) deadline(ctx context.Context) time.Time {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// mailer submits one message. It is swapped out in tests.
type mailer func(ctx context.Context, cfg EmailConfig, to []string, msg []byte) error

type EmailChannel struct {
	cfg  EmailConfig
	send mailer
}

func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	return &EmailChannel{cfg: cfg, send: submitSMTP}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Enabled() bool { return e.cfg.Configured() }

// Send reports ErrSkipped when there are no recipients.
func (e *EmailChannel) Send(ctx context.Context, n Notification) error {
	if len(n.Recipients) == 0 {
		return ErrSkipped
	}
	return e.send(ctx, e.cfg, n.Recipients, buildMessage(e.cfg.Sender, n))
}

func buildMessage(from string, n Notification) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(strings.Join(n.Recipients, ", ")))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(n.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))
	return b.Bytes()
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// headerValue folds line breaks so a value cannot start a new header.
func headerValue(v string) string {
	return headerBreaks.Replace(v)
}

// submitSMTP upgrades the session with STARTTLS when offered and
// authenticates when a username is configured.
func submitSMTP(ctx context.Context, cfg EmailConfig, to []string, msg []byte) error {
	deadline := cfg.deadline(ctx)
	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return errors.Wrapf(err, "dialing %s", cfg.addr())
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return errors.WithStack(err)
	}
	c, err := smtp.NewClient(conn, cfg.SMTPServer)
	if err != nil {
		conn.Close()
		return errors.WithStack(err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: cfg.SMTPServer}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.SMTPServer)); err != nil {
			return errors.Wrap(err, "authenticating")
		}
	}
	if err := c.Mail(cfg.Sender); err != nil {
		return errors.WithStack(err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "recipient %s", rcpt)
		}
	}
	w, err := c.Data()
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := w.Write(msg); err != nil {
		return errors.WithStack(err)
	}
	if err := w.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.Quit())
}
