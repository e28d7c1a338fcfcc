package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/xxuejie/go-delta-docs/errs"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

type Notifier interface {
	Send(ctx context.Context, m Message) error
}

// ShareInvite is the mail a new collaborator gets.
func ShareInvite(to, appURL, documentID string) Message {
	link := strings.TrimRight(appURL, "/") + "/editor/" + documentID
	return Message{
		To:      to,
		Subject: "A document was shared with you",
		Body:    fmt.Sprintf("You have been given access to a document.\r\n\r\nOpen it here: %s\r\n", link),
	}
}

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type SMTPNotifier struct {
	config SMTPConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPNotifier(config SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{config: config, send: smtp.SendMail}
}

func (n *SMTPNotifier) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(m.To, "\r\n") || strings.ContainsAny(m.Subject, "\r\n") {
		return fmt.Errorf("%w: header contains a line break", errs.ErrValidation)
	}
	var auth smtp.Auth
	if n.config.Username != "" {
		auth = smtp.PlainAuth("", n.config.Username, n.config.Password, n.config.Host)
	}
	body := "From: " + n.config.From + "\r\n" +
		"To: " + m.To + "\r\n" +
		"Subject: " + m.Subject + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n" +
		"\r\n" + m.Body
	addr := net.JoinHostPort(n.config.Host, n.config.Port)
	if err := n.send(addr, auth, n.config.From, []string{m.To}, []byte(body)); err != nil {
		return fmt.Errorf("%w: send mail via %s: %v", errs.ErrTransientIO, addr, err)
	}
	return nil
}

// LogNotifier writes mail to the log instead of sending it, for
// development setups without a mail server.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Send(ctx context.Context, m Message) error {
	n.log.Info().Str("to", m.To).Str("subject", m.Subject).Msg(m.Body)
	return nil
}
