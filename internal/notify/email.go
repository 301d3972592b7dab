package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"inventory_engine/internal/model"
)

// Mailer 发信接口，SMTPMailer 是默认实现。
type Mailer interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// SMTPMailer 经由 SMTP 中继发信。5xx 回复视为永久失败，4xx 与网络错误可重试。
type SMTPMailer struct {
	Addr     string
	Username string
	Password string
}

func (m *SMTPMailer) Send(ctx context.Context, from, to, subject, body string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.Addr)
	if err != nil {
		return Transient(fmt.Errorf("dial smtp %s: %w", m.Addr, err))
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	host, _, _ := net.SplitHostPort(m.Addr)
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return classifySMTP(err)
	}
	defer c.Close()

	if m.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, host)); err != nil {
			return classifySMTP(err)
		}
	}
	if err := c.Mail(from); err != nil {
		return classifySMTP(err)
	}
	if err := c.Rcpt(to); err != nil {
		return classifySMTP(err)
	}
	w, err := c.Data()
	if err != nil {
		return classifySMTP(err)
	}
	if _, err := w.Write(buildMessage(from, to, subject, body)); err != nil {
		return classifySMTP(err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP(err)
	}
	return classifySMTP(c.Quit())
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func classifySMTP(err error) error {
	if err == nil {
		return nil
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return Permanent(err)
		}
		return Transient(err)
	}
	return Transient(err)
}

// EmailChannel 邮件渠道。
type EmailChannel struct {
	mailer Mailer
	from   string
}

func NewEmailChannel(mailer Mailer, from string) *EmailChannel {
	return &EmailChannel{mailer: mailer, from: from}
}

func (c *EmailChannel) Kind() model.Channel { return model.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, n model.Notification) error {
	if n.Address == "" || !strings.Contains(n.Address, "@") {
		return Permanentf("user %s has no usable email address", n.UserID)
	}
	return c.mailer.Send(ctx, c.from, n.Address, n.Subject, n.Body)
}
