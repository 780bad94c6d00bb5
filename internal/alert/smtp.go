package alert

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

const (
	mailSubject = "Occupancy Alert: Maximum Limit Reached"
	mailBody    = "The store has reached its maximum occupancy limit. Please take necessary action."
)

// sendFunc delivers one encoded message.
type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Addr     string // host:port, e.g. smtp.gmail.com:587
	Username string
	Password string
	From     string
	To       []string
}

// SMTPNotifier sends a plain-text alert mail. STARTTLS is negotiated
// whenever the server offers it. Every network step is bounded by the
// context passed to Notify.
type SMTPNotifier struct {
	cfg  SMTPConfig
	host string
	auth smtp.Auth
	send sendFunc
}

// NewSMTPNotifier validates cfg and returns a notifier.
func NewSMTPNotifier(cfg SMTPConfig) (*SMTPNotifier, error) {
	host, _, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid address %q: %w", cfg.Addr, err)
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp: sender and at least one recipient are required")
	}

	n := &SMTPNotifier{cfg: cfg, host: host}
	if cfg.Username != "" {
		n.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	n.send = n.sendMail
	return n, nil
}

// Notify sends the alert mail.
func (n *SMTPNotifier) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.send(ctx, n.cfg.From, n.cfg.To, n.message(ev)); err != nil {
		return fmt.Errorf("smtp: send alert: %w", err)
	}
	return nil
}

// sendMail runs one SMTP session. The connection deadline follows ctx and
// cancelling ctx unblocks any pending read or write.
func (n *SMTPNotifier) sendMail(ctx context.Context, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", n.cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	c, err := smtp.NewClient(conn, n.host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: n.host}); err != nil {
			return err
		}
	}
	if n.auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(n.auth); err != nil {
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

func (n *SMTPNotifier) message(ev Event) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mailSubject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(mailBody)
	fmt.Fprintf(&b, "\r\n\r\nOccupancy: %d / %d\r\nTime: %s\r\nEvent: %s\r\n",
		ev.Occupancy, ev.MaxOccupancy, ev.Timestamp.Format("2006-01-02 15:04:05 MST"), ev.ID)
	return []byte(b.String())
}
