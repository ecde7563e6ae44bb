package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"
	"time"
)

// DefaultSubject is used when neither the notification nor the config
// sets one.
const DefaultSubject = "OpenStack Notification"

// SendMailFunc matches smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends notifications as plain-text email.
type Mailer struct {
	from     string
	replyTo  string
	subject  string
	server   string
	sendMail SendMailFunc
	now      func() time.Time
}

// NewMailer creates a mailer from the notify config.
func NewMailer(cfg Config) *Mailer {
	return &Mailer{
		from:     cfg.FromAddr,
		replyTo:  cfg.ReplyTo,
		subject:  cfg.Subject,
		server:   cfg.SMTPServer,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// Send mails n to the given addresses.
func (m *Mailer) Send(ctx context.Context, n *Notification, to []string) error {
	if m.from == "" || m.server == "" {
		return &DeliveryError{
			Channel: ChannelMail,
			Target:  strings.Join(to, ","),
			Err:     fmt.Errorf("mail is not configured: from_addr and smtp_server are required"),
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := m.Message(n, to)
	if err != nil {
		return err
	}
	if err := m.sendMail(m.server, nil, m.from, to, msg); err != nil {
		return &DeliveryError{Channel: ChannelMail, Target: strings.Join(to, ","), Err: err}
	}
	return nil
}

// Message renders the RFC 5322 message for n.
func (m *Mailer) Message(n *Notification, to []string) ([]byte, error) {
	if _, err := mail.ParseAddress(m.from); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", m.from, err)
	}
	for _, addr := range to {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("invalid recipient %q: %w", addr, err)
		}
	}

	body, err := m.Body(n)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	if m.replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", m.replyTo)
	}
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Subject: %s\r\n", m.subjectFor(n))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return b.Bytes(), nil
}

// Body renders the mail text: the message, the operator's reason and a
// pointer to whom to ask.
func (m *Mailer) Body(n *Notification) (string, error) {
	text, err := n.Text()
	if err != nil {
		return "", err
	}
	reply := m.replyTo
	if reply == "" {
		reply = m.from
	}
	return fmt.Sprintf("%s\n\nThe reason given for this event was:\n%s\n\n"+
		"This notification is automatically generated.\nPlease direct any questions to %s.\n",
		text, n.Description(), reply), nil
}

func (m *Mailer) subjectFor(n *Notification) string {
	switch {
	case n.Subject != "":
		return n.Subject
	case m.subject != "":
		return m.subject
	default:
		return DefaultSubject
	}
}
