package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"
)

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SendFunc hands a finished message to the relay
type SendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// SMTPNotifier mails the stack's contact address
type SMTPNotifier struct {
	cfg    SMTPConfig
	send   SendFunc
	logger *zap.Logger
}

var (
	welcomeTemplate = template.Must(template.New("welcome").Parse(`Hello,

Your forum "{{.StackName}}" has been set up and is ready to use.

You can reach it at {{.URL}}

Enjoy your new community!
`))

	failureTemplate = template.Must(template.New("failure").Parse(`Hello,

Setting up your forum "{{.StackName}}" did not succeed.

Reason: {{.Reason}}

No resources were left running. You can try again, or contact support if the problem persists.
`))
)

// NewSMTPNotifier creates a notifier that delivers through the relay in cfg
func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	n := &SMTPNotifier{cfg: cfg, logger: logger}
	n.send = n.dial
	return n
}

// NewSMTPNotifierWithSender creates a notifier with a custom delivery function
func NewSMTPNotifierWithSender(cfg SMTPConfig, send SendFunc, logger *zap.Logger) *SMTPNotifier {
	n := NewSMTPNotifier(cfg, logger)
	n.send = send
	return n
}

func (s *SMTPNotifier) Kind() string { return "smtp" }

func (s *SMTPNotifier) DeploySucceeded(ctx context.Context, n Notification) error {
	return s.deliver(ctx, n, fmt.Sprintf("Welcome - your forum %s is ready", n.StackName), welcomeTemplate)
}

func (s *SMTPNotifier) DeployFailed(ctx context.Context, n Notification) error {
	return s.deliver(ctx, n, fmt.Sprintf("Forum setup failed - %s", n.StackName), failureTemplate)
}

func (s *SMTPNotifier) deliver(ctx context.Context, n Notification, subject string, tmpl *template.Template) error {
	if n.Email == "" {
		s.logger.Debug("No contact address, skipping mail", zap.String("stack", n.StackName))
		return nil
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, n); err != nil {
		return fmt.Errorf("failed to render %s mail: %w", tmpl.Name(), err)
	}

	msg := buildMessage(s.cfg.From, n.Email, subject, body.String())
	if err := s.send(ctx, s.cfg.From, []string{n.Email}, msg); err != nil {
		return fmt.Errorf("failed to send %s mail to %s: %w", tmpl.Name(), n.Email, err)
	}

	s.logger.Info("Mail sent",
		zap.String("stack", n.StackName),
		zap.String("template", tmpl.Name()))
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + sanitizeHeader(from) + "\r\n")
	b.WriteString("To: " + sanitizeHeader(to) + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	b.WriteString("Date: " + time.Now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// sanitizeHeader drops line breaks so values cannot inject headers
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}

// dial delivers through the relay. Port 465 speaks TLS from the first byte,
// other ports upgrade with STARTTLS when the relay offers it.
func (s *SMTPNotifier) dial(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	dialer := &net.Dialer{Timeout: 30 * time.Second}

	var conn net.Conn
	var err error
	if s.cfg.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if s.cfg.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return err
			}
		}
	}
	if s.cfg.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
