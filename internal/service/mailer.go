package service

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"enroltoken/internal/config"
)

var ErrMailQueueFull = errors.New("mail queue full")

type Message struct {
	To       string
	ReplyTo  string
	FromName string
	Subject  string
	Text     string
	HTML     string
}

// Mailer delivers one message. Callers treat delivery as best effort.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// NewMailer picks the transport named by MAIL_DRIVER.
func NewMailer(cfg *config.Config) Mailer {
	switch cfg.MailDriver {
	case "smtp":
		return &SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			FromName: cfg.MailFromName,
		}
	case "sendgrid":
		return NewSendGridMailer(cfg.SendGridURL, cfg.SendGridAPIKey, cfg.MailFrom, cfg.MailFromName)
	default:
		return LogMailer{}
	}
}

type SMTPMailer struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fromName := msg.FromName
	if fromName == "" {
		fromName = m.FromName
	}
	body := msg.HTML
	contentType := "text/html"
	if body == "" {
		body = msg.Text
		contentType = "text/plain"
	}

	var b strings.Builder
	b.WriteString("MIME-version: 1.0;\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=\"UTF-8\";\r\n", contentType)
	fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, m.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n\r\n", msg.Subject)
	b.WriteString(body)

	var auth smtp.Auth
	if m.User != "" {
		auth = smtp.PlainAuth("", m.User, m.Password, m.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	if err := smtp.SendMail(addr, auth, m.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// SendGridMailer posts to the SendGrid v3 mail/send endpoint.
type SendGridMailer struct {
	client   *resty.Client
	url      string
	from     string
	fromName string
}

func NewSendGridMailer(url, apiKey, from, fromName string) *SendGridMailer {
	client := resty.New().
		SetTimeout(10*time.Second).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &SendGridMailer{client: client, url: url, from: from, fromName: fromName}
}

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgPersonalization struct {
	To []sgAddress `json:"to"`
}

type sgRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	ReplyTo          *sgAddress          `json:"reply_to,omitempty"`
	Subject          string              `json:"subject"`
	Content          []sgContent         `json:"content"`
}

func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	fromName := msg.FromName
	if fromName == "" {
		fromName = m.fromName
	}
	req := sgRequest{
		Personalizations: []sgPersonalization{{To: []sgAddress{{Email: msg.To}}}},
		From:             sgAddress{Email: m.from, Name: fromName},
		Subject:          msg.Subject,
	}
	if msg.ReplyTo != "" {
		req.ReplyTo = &sgAddress{Email: msg.ReplyTo}
	}
	if msg.Text != "" {
		req.Content = append(req.Content, sgContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		req.Content = append(req.Content, sgContent{Type: "text/html", Value: msg.HTML})
	}

	resp, err := m.client.R().SetContext(ctx).SetBody(req).Post(m.url)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sendgrid rejected message to %s: status %d: %s", msg.To, resp.StatusCode(), resp.String())
	}
	return nil
}

// LogMailer only writes the message to the log. Used when no transport is set.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, msg Message) error {
	zap.L().Info("mail (log driver)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("text_len", len(msg.Text)),
		zap.Int("html_len", len(msg.HTML)),
	)
	return nil
}

// MailQueue hands messages to a background worker so request paths never
// wait on the mail transport. Send fails fast with ErrMailQueueFull rather
// than blocking.
type MailQueue struct {
	next Mailer
	ch   chan Message
	done chan struct{}
}

func NewMailQueue(next Mailer, size int) *MailQueue {
	if size <= 0 {
		size = 256
	}
	return &MailQueue{next: next, ch: make(chan Message, size), done: make(chan struct{})}
}

func (q *MailQueue) Send(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrMailQueueFull
	}
}

// Start runs the worker until ctx is cancelled, then drains what is queued.
func (q *MailQueue) Start(ctx context.Context) {
	go func() {
		defer close(q.done)
		for {
			select {
			case msg := <-q.ch:
				q.deliver(msg)
			case <-ctx.Done():
				for {
					select {
					case msg := <-q.ch:
						q.deliver(msg)
					default:
						return
					}
				}
			}
		}
	}()
}

// Wait blocks until the worker has stopped.
func (q *MailQueue) Wait() { <-q.done }

func (q *MailQueue) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.next.Send(ctx, msg); err != nil {
		zap.L().Warn("queued mail delivery failed", zap.String("to", msg.To), zap.String("subject", msg.Subject), zap.Error(err))
	}
}
