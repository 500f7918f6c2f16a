package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Mailer submits a complete RFC 5322 message
type Mailer interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPMailer submits mail to a relay
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
	Hostname string
	Timeout  time.Duration

	// StartTLS makes the session upgrade before EHLO with Hostname; a relay
	// that does not offer STARTTLS is then an error.
	StartTLS bool

	// TLSConfig overrides the STARTTLS configuration
	TLSConfig *tls.Config
}

// Send delivers msg to all recipients in one transaction
func (m *SMTPMailer) Send(ctx context.Context, from string, to []string, msg []byte) error {
	timeout := m.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", m.Addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	conn.SetDeadline(deadline)

	var c *smtp.Client
	if m.StartTLS {
		c, err = smtp.NewClientStartTLS(conn, m.tlsConfig())
		if err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	hostname := m.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if m.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", m.Username, m.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return c.Quit()
}

func (m *SMTPMailer) tlsConfig() *tls.Config {
	if m.TLSConfig != nil {
		return m.TLSConfig
	}
	host, _, _ := net.SplitHostPort(m.Addr)
	return &tls.Config{ServerName: host}
}
