// Package mailer sends the end-of-pipeline notification mails. The report is
// authored as markdown and rendered to HTML for the message body.
package mailer

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"git.home.luguber.info/inful/cifixer/internal/taskerr"
)

// Message is one notification mail ready to send.
type Message struct {
	To       []string
	Subject  string
	Markdown string
}

// Sender is the collaborator contract the notify stage depends on.
type Sender interface {
	Send(msg Message) error
}

// SMTPSender delivers over plain SMTP with optional STARTTLS and auth.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	useTLS   bool
	md       goldmark.Markdown
}

func NewSMTPSender(host string, port int, username, password, from string, useTLS bool) *SMTPSender {
	return &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		useTLS:   useTLS,
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Table)),
	}
}

// Send renders the markdown body and delivers the message.
func (s *SMTPSender) Send(msg Message) error {
	if len(msg.To) == 0 {
		return taskerr.Input("mailer.send", "no recipients")
	}

	html, err := s.renderHTML(msg.Markdown)
	if err != nil {
		return taskerr.Internal("mailer.send", err)
	}
	raw := s.assemble(msg, html)

	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	var auth smtp.Auth
	if s.username != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}

	if err := s.deliver(addr, auth, msg.To, raw); err != nil {
		// SMTP failures are almost always the relay being briefly unhappy.
		return taskerr.Collaborator("mailer.send", "smtp delivery failed: "+err.Error(), true, err)
	}
	return nil
}

func (s *SMTPSender) renderHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := s.md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *SMTPSender) assemble(msg Message, html string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(html)
	return b.Bytes()
}

func (s *SMTPSender) deliver(addr string, auth smtp.Auth, to []string, raw []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if s.useTLS {
		if err := c.StartTLS(&tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.from); err != nil {
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
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
