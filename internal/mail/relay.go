// Package mail relays booking confirmation emails for the backend.
//
// The Apps Script backend cannot send from the shop's own domain, so it
// posts the message here and the relay delivers it over the shop's SMTP
// account. Bodies are authored in markdown and rendered to an HTML
// alternative part; a PDF job card may ride along as an attachment.
package mail

import (
	"bytes"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"mime"
	"net/smtp"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/grannygear/workshop/internal/config"
	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/logging"
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Attachment is a base64-encoded PDF rider (the job card). The content is
// passed through opaquely; nothing here parses PDFs.
type Attachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Request is the relay payload posted by the backend.
type Request struct {
	APIKey     string      `json:"apiKey"`
	To         string      `json:"to"`
	Subject    string      `json:"subject"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Relay validates and delivers relay requests over SMTP.
type Relay struct {
	cfg config.MailConfig
	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewRelay creates a Relay from mail configuration.
func NewRelay(cfg config.MailConfig) *Relay {
	return &Relay{cfg: cfg, send: smtp.SendMail}
}

// Authorize checks the shared API key. Constant-time compare; the key is
// the only thing standing between the internet and the shop's mailbox.
func (r *Relay) Authorize(apiKey string) error {
	if r.cfg.APIKey == "" {
		return apperrors.New(apperrors.ErrMailForbidden, "mail relay is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(r.cfg.APIKey)) != 1 {
		return apperrors.New(apperrors.ErrMailForbidden, "invalid API key")
	}
	return nil
}

// Validate checks required fields and the recipient address.
func (r *Relay) Validate(req *Request) error {
	if req.To == "" || req.Subject == "" || req.Body == "" {
		return apperrors.New(apperrors.ErrMailInvalid, "missing required field: to, subject and body are required")
	}
	if !emailPattern.MatchString(req.To) {
		return apperrors.New(apperrors.ErrMailInvalid, "invalid recipient address")
	}
	if req.Attachment != nil {
		if req.Attachment.Filename == "" {
			return apperrors.New(apperrors.ErrMailInvalid, "attachment filename is required")
		}
		if _, err := base64.StdEncoding.DecodeString(req.Attachment.Content); err != nil {
			return apperrors.Wrap(apperrors.ErrMailInvalid, "attachment content is not valid base64", err)
		}
	}
	return nil
}

// Send validates and delivers the message.
func (r *Relay) Send(req *Request) error {
	if err := r.Validate(req); err != nil {
		return err
	}

	msg, err := r.BuildMessage(req)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.SMTPHost, r.cfg.SMTPPort)
	var auth smtp.Auth
	if r.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", r.cfg.SMTPUser, r.cfg.SMTPPass, r.cfg.SMTPHost)
	}

	if err := r.send(addr, auth, r.cfg.FromEmail, []string{req.To}, msg); err != nil {
		logging.Error("failed to send mail", err, map[string]interface{}{"to": req.To})
		return apperrors.Wrap(apperrors.ErrMailFailed, "failed to send email", err)
	}

	logging.Info("mail relayed", map[string]interface{}{"to": req.To, "subject": req.Subject})
	return nil
}

// BuildMessage assembles the MIME message: a text/plain + text/html
// alternative pair, wrapped in multipart/mixed when an attachment rides
// along.
func (r *Relay) BuildMessage(req *Request) ([]byte, error) {
	html, err := renderHTML(req.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMailFailed, "failed to render message body", err)
	}

	var buf bytes.Buffer

	from := r.cfg.FromEmail
	if r.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", r.cfg.FromName), r.cfg.FromEmail)
	}

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", req.To)
	if r.cfg.ReplyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", r.cfg.ReplyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(req.Subject)))
	buf.WriteString("MIME-Version: 1.0\r\n")

	const altBoundary = "gg-alt-boundary"
	const mixBoundary = "gg-mix-boundary"

	if req.Attachment != nil {
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mixBoundary)
		fmt.Fprintf(&buf, "--%s\r\n", mixBoundary)
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", altBoundary)

	fmt.Fprintf(&buf, "--%s\r\n", altBoundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(req.Body)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", altBoundary)
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	buf.WriteString(html)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s--\r\n", altBoundary)

	if req.Attachment != nil {
		fmt.Fprintf(&buf, "--%s\r\n", mixBoundary)
		buf.WriteString("Content-Type: application/pdf\r\n")
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n\r\n",
			sanitizeHeader(req.Attachment.Filename))
		writeWrapped(&buf, req.Attachment.Content)
		fmt.Fprintf(&buf, "\r\n--%s--\r\n", mixBoundary)
	}

	return buf.Bytes(), nil
}

// renderHTML converts the markdown body to HTML.
func renderHTML(body string) (string, error) {
	var out bytes.Buffer
	if err := goldmark.Convert([]byte(body), &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

// sanitizeHeader strips newlines so payload fields cannot inject headers.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// writeWrapped emits base64 content at the RFC 2045 line width.
func writeWrapped(buf *bytes.Buffer, content string) {
	const width = 76
	for len(content) > width {
		buf.WriteString(content[:width])
		buf.WriteString("\r\n")
		content = content[width:]
	}
	buf.WriteString(content)
}
