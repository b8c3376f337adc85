package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"duewatch/internal/domain"
)

// EmailLookup finds a user's address.
type EmailLookup interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

// SMTP delivers email notifications through a relay.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Users    EmailLookup
	// SendMail defaults to smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func (s SMTP) Send(ctx context.Context, msg Message) error {
	if s.Host == "" {
		return Permanent(errors.New("smtp host not configured"))
	}
	if s.Users == nil {
		return Permanent(errors.New("smtp transport has no user directory"))
	}
	to, err := s.Users.UserEmail(ctx, msg.UserID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && to == "") {
		return Permanent(fmt.Errorf("no email address for user %s", msg.UserID))
	}
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	port := s.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(s.Host, fmt.Sprint(port))
	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	send := s.SendMail
	if send == nil {
		send = smtp.SendMail
	}
	return send(addr, auth, s.From, []string{to}, buildMail(s.From, to, msg))
}

func buildMail(from, to string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Title))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "X-Duewatch-Delivery: %s\r\n", msg.NotificationID)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	if msg.ActionURL != "" {
		b.WriteString("\r\n\r\n")
		b.WriteString(msg.ActionURL)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
