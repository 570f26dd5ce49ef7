// Package notify delivers operator email alerts over SMTP.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/famcall/famcall/internal/queue"
)

// SMTPConfig holds the SMTP server configuration.
type SMTPConfig struct {
	Host     string // SMTP server hostname
	Port     string // SMTP port (25, 587, 465)
	From     string // From email address
	Username string // SMTP auth username
	Password string // SMTP auth password
	TLS      string // "none", "starttls", "tls"
}

// Valid returns true if the minimum required fields are set.
func (c SMTPConfig) Valid() bool {
	return c.Host != "" && c.Port != "" && c.From != ""
}

// smtpClient abstracts the methods used from *smtp.Client for testing.
type smtpClient interface {
	Hello(localName string) error
	Extension(ext string) (bool, string)
	StartTLS(config *tls.Config) error
	Auth(a smtp.Auth) error
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Sender emails recording queue capacity alerts to the operator. It
// implements queue.Notifier.
type Sender struct {
	cfg    SMTPConfig
	logger *slog.Logger
	// dialFunc allows injecting a custom dialer for testing.
	dialFunc func(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error)
}

// NewSender creates an alert Sender bound to the given SMTP configuration.
func NewSender(cfg SMTPConfig, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:      cfg,
		logger:   logger.With("subsystem", "notify"),
		dialFunc: defaultDial,
	}
}

// CapacityAlert emails the operator that the recorder fleet is saturated
// and a user has been queued.
func (s *Sender) CapacityAlert(ctx context.Context, alert queue.Alert) error {
	if !s.cfg.Valid() {
		return fmt.Errorf("smtp not configured")
	}
	if alert.Recipient == "" {
		return fmt.Errorf("no alert recipient configured")
	}

	msg := buildAlertMessage(s.cfg.From, alert)

	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	client, err := s.dialFunc(addr, tlsConfig, s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("connecting to smtp server: %w", err)
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return fmt.Errorf("smtp hello: %w", err)
	}

	// STARTTLS upgrade if requested and supported.
	if strings.EqualFold(s.cfg.TLS, "starttls") {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	// Authenticate if credentials are provided.
	if s.cfg.Username != "" && s.cfg.Password != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(alert.Recipient); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	if err := client.Quit(); err != nil {
		s.logger.Warn("smtp quit error (non-fatal)", "error", err)
	}

	s.logger.Info("capacity alert email sent",
		"to", alert.Recipient,
		"kind", alert.Kind,
		"position", alert.Position,
		"active", alert.Active,
	)

	return nil
}

// defaultDial connects to the SMTP server using either plain TCP or implicit TLS.
func defaultDial(addr string, tlsConfig *tls.Config, tlsMode string) (smtpClient, error) {
	if strings.EqualFold(tlsMode, "tls") {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, err
		}
		return smtp.NewClient(conn, tlsConfig.ServerName)
	}

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	host, _, _ := net.SplitHostPort(addr)
	return smtp.NewClient(conn, host)
}

// buildAlertMessage constructs the plain text alert email bytes.
func buildAlertMessage(from string, alert queue.Alert) []byte {
	var buf bytes.Buffer

	who := alert.DisplayName
	if alert.Email != "" {
		who = fmt.Sprintf("%s <%s>", alert.DisplayName, alert.Email)
	}

	subject := fmt.Sprintf("Recording capacity reached (%d/%d)", alert.Active, alert.Max)
	body := fmt.Sprintf(
		"All recorder slots are in use and a new recording request was queued.\n\n"+
			"User: %s\n"+
			"Kind: %s\n"+
			"Queue position: %d of %d\n"+
			"Active recordings: %d of %d\n\n"+
			"The request will start automatically when a slot frees up.\n",
		who,
		alert.Kind,
		alert.Position,
		alert.QueueLength,
		alert.Active,
		alert.Max,
	)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", alert.Recipient)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&buf, "\r\n")
	buf.WriteString(body)

	return buf.Bytes()
}
