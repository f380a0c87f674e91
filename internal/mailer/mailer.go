// Package mailer は確認メール・パスワードリセットメールの送信を提供する。
package mailer

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"time"
)

//go:embed templates/*.html
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.html"))

const (
	subjectVerify = "Verify your email for Kokoro"
	subjectReset  = "Reset your Kokoro password"
)

// Message は送信する1通のメール。
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender はメール送信の実装を抽象化するインターフェース。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer はテンプレートからメール本文を組み立ててSenderに渡す。
type Mailer struct {
	sender Sender
}

// New はMailerを生成する。
func New(sender Sender) *Mailer {
	return &Mailer{sender: sender}
}

// SendVerification はメールアドレス確認リンクを送信する。
func (m *Mailer) SendVerification(ctx context.Context, to, link string) error {
	return m.send(ctx, to, subjectVerify, "verify_email.html", link)
}

// SendPasswordReset はパスワードリセットリンクを送信する。
func (m *Mailer) SendPasswordReset(ctx context.Context, to, link string) error {
	return m.send(ctx, to, subjectReset, "reset_password.html", link)
}

func (m *Mailer) send(ctx context.Context, to, subject, tmpl, link string) error {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, tmpl, struct{ Link string }{link}); err != nil {
		return fmt.Errorf("failed to render %s: %w", tmpl, err)
	}
	return m.sender.Send(ctx, Message{To: to, Subject: subject, HTML: buf.String()})
}

// HTTPSenderConfig はトランザクションメールAPIの設定。
type HTTPSenderConfig struct {
	APIURL      string
	APIKey      string
	SenderEmail string
	SenderName  string
}

// HTTPSender はBrevo互換のHTTP APIでメールを送信する。
type HTTPSender struct {
	config HTTPSenderConfig
	client *http.Client
}

// NewHTTPSender はHTTPSenderを生成する。
func NewHTTPSender(config HTTPSenderConfig) *HTTPSender {
	return &HTTPSender{
		config: config,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type sendEmailRequest struct {
	Sender      map[string]string   `json:"sender"`
	To          []map[string]string `json:"to"`
	Subject     string              `json:"subject"`
	HTMLContent string              `json:"htmlContent"`
}

// Send はメールを1通送信する。2xx以外のレスポンスはエラーとする。
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendEmailRequest{
		Sender:      map[string]string{"email": s.config.SenderEmail, "name": s.config.SenderName},
		To:          []map[string]string{{"email": msg.To}},
		Subject:     msg.Subject,
		HTMLContent: msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", s.config.APIKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("email request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("email API returned status %d: %s", resp.StatusCode, string(detail))
	}

	slog.Info("email sent", slog.String("subject", msg.Subject))
	return nil
}

// LogSender はメールを送信せずログに出力する。開発環境用。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send はメール内容をログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.Info("email delivery disabled, logging message",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("html", msg.HTML),
	)
	return nil
}

// compile-time interface check
var (
	_ Sender = (*HTTPSender)(nil)
	_ Sender = (*LogSender)(nil)
)
