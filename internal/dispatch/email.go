package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// sendFunc delivers a fully rendered message.
type sendFunc func(ctx context.Context, from string, to []string, msg []byte) error

// Email sends alerts to every enabled recipient through one SMTP session.
type Email struct {
	cfg     domain.EmailConfig
	company string
	send    sendFunc
	now     func() time.Time
}

// NewEmail creates an email channel. Configuration has already been
// validated, so missing credentials never reach this point.
func NewEmail(cfg domain.EmailConfig, company string) *Email {
	e := &Email{cfg: cfg, company: company, now: time.Now}
	e.send = e.smtpSend
	return e
}

// Name returns "email".
func (e *Email) Name() string { return "email" }

// Send renders and sends one alert email.
func (e *Email) Send(ctx context.Context, p domain.AlertPayload) domain.Delivery {
	body := p.Message + "\n\n---\nAnomaly Detection System\nAutomatically generated\n"
	msg, err := e.message(e.subject("Anomaly Alert - Account "+p.AlertData[domain.AlertKeyAccountNumber]), []mimePart{{
		header: textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"8bit"},
		},
		data: []byte(strings.ReplaceAll(body, "\n", "\r\n")),
	}})
	return e.deliver(ctx, e.Name(), msg, err)
}

// SendSummary sends the run digest: an HTML table of every anomaly and,
// when enabled, the CSV export as an attachment.
func (e *Email) SendSummary(ctx context.Context, r domain.RunReport) domain.Delivery {
	var html bytes.Buffer
	err := summaryTemplate.Execute(&html, summaryView(e.company, r))
	if err != nil {
		return domain.Delivery{Channel: SummaryChannelName, Err: err}
	}

	parts := []mimePart{{
		header: textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"8bit"},
		},
		data: bytes.ReplaceAll(html.Bytes(), []byte("\n"), []byte("\r\n")),
	}}
	if e.cfg.AttachReport && r.Attachment != nil {
		ct := r.Attachment.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		parts = append(parts, mimePart{
			header: textproto.MIMEHeader{
				"Content-Type":              {ct},
				"Content-Transfer-Encoding": {"base64"},
				"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", r.Attachment.Filename)},
			},
			data: wrapBase64(r.Attachment.Data),
		})
	}

	subject := fmt.Sprintf("Anomaly Detection Summary - %d anomalies", len(r.Anomalies))
	msg, err := e.message(e.subject(subject), parts)
	return e.deliver(ctx, SummaryChannelName, msg, err)
}

func (e *Email) deliver(ctx context.Context, channel string, msg []byte, err error) domain.Delivery {
	if err == nil {
		err = e.send(ctx, e.cfg.FromEmail, e.cfg.Recipients, msg)
	}
	return domain.Delivery{Channel: channel, OK: err == nil, Err: err}
}

func (e *Email) subject(s string) string {
	if e.company != "" {
		s = "[" + e.company + "] " + s
	}
	return s
}

type mimePart struct {
	header textproto.MIMEHeader
	data   []byte
}

// message renders a multipart/mixed message with the configured sender and
// recipients.
func (e *Email) message(subject string, parts []mimePart) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := e.cfg.FromEmail
	if e.cfg.FromName != "" {
		from = mime.QEncoding.Encode("utf-8", e.cfg.FromName) + " <" + e.cfg.FromEmail + ">"
	}

	header := []string{
		"From: " + from,
		"To: " + strings.Join(e.cfg.Recipients, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", subject),
		"Date: " + e.now().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: multipart/mixed; boundary=" + strconv.Quote(mw.Boundary()),
	}
	head := strings.Join(header, "\r\n") + "\r\n\r\n"

	for _, p := range parts {
		w, err := mw.CreatePart(p.header)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(p.data); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(head), buf.Bytes()...), nil
}

// wrapBase64 encodes data in 76-column lines.
func wrapBase64(data []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(data)
	var out bytes.Buffer
	for len(enc) > 76 {
		out.WriteString(enc[:76])
		out.WriteString("\r\n")
		enc = enc[76:]
	}
	out.WriteString(enc)
	out.WriteString("\r\n")
	return out.Bytes()
}

func (e *Email) smtpSend(ctx context.Context, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(e.cfg.SMTPHost, strconv.Itoa(e.cfg.SMTPPort))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if e.cfg.UseTLS {
		if err := c.StartTLS(&tls.Config{ServerName: e.cfg.SMTPHost}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if e.cfg.UseAuth {
		auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
