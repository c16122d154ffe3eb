package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"sessiontrust/internal/entity"

	"github.com/resend/resend-go/v2"
)

// ResendMailer delivers challenge codes to users and high severity alerts to
// the operator addresses through Resend.
type ResendMailer struct {
	client  *resend.Client
	from    string
	alertTo []string
}

func NewResendMailer(apiKey string, from string, alertTo []string) *ResendMailer {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(from) == "" {
		return &ResendMailer{}
	}
	return &ResendMailer{
		client:  resend.NewClient(apiKey),
		from:    from,
		alertTo: alertTo,
	}
}

func (m *ResendMailer) Configured() bool {
	return m.client != nil
}

func (m *ResendMailer) Name() string {
	return "email"
}

func (m *ResendMailer) SendChallengeCode(ctx context.Context, email string, code string, expiresAt time.Time) error {
	subject := "Your sign-in verification code"
	expires := expiresAt.UTC().Format(time.RFC1123)
	htmlBody := fmt.Sprintf("<p>Your verification code is <strong>%s</strong>.</p><p>It expires at %s.</p>", html.EscapeString(code), expires)
	text := fmt.Sprintf("Your verification code is %s. It expires at %s.", code, expires)
	return m.send(ctx, []string{email}, subject, htmlBody, text)
}

func (m *ResendMailer) Send(ctx context.Context, event *entity.SecurityEvent) error {
	if len(m.alertTo) == 0 {
		return nil
	}
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Severity)), event.Type)
	htmlBody := fmt.Sprintf("<p>%s</p><p>Event %s at %s</p>", html.EscapeString(event.Description), event.ID, event.CreatedAt.Format(time.RFC3339))
	text := fmt.Sprintf("%s\nEvent %s at %s", event.Description, event.ID, event.CreatedAt.Format(time.RFC3339))
	return m.send(ctx, m.alertTo, subject, htmlBody, text)
}

func (m *ResendMailer) send(ctx context.Context, to []string, subject string, htmlBody string, text string) error {
	if m.client == nil {
		return errors.New("email sender not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := m.client.Emails.Send(&resend.SendEmailRequest{
		From:    m.from,
		To:      to,
		Subject: subject,
		Html:    htmlBody,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("resend email: %w", err)
	}
	return nil
}
