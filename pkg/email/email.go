// Package email abstracts outbound email behind EmailSender.
//
// The only implementation talks to the Resend API. Services depend on the
// interface; main wires NewResendSender when an API key is configured.
package email

import (
	"context"
	"fmt"
	"html"

	"github.com/resend/resend-go/v3"
)

// MissedCall describes a call the recipient never answered.
type MissedCall struct {
	CallerName string
	MediaKind  string // "audio" or "video"
	Reason     string
}

// EmailSender sends transactional email.
type EmailSender interface {
	// SendMissedCall tells toEmail that a call from mc.CallerName went unanswered.
	SendMissedCall(ctx context.Context, toEmail string, mc MissedCall) error
}

type resendSender struct {
	client    *resend.Client
	fromEmail string
	appURL    string
}

// NewResendSender creates an EmailSender backed by Resend.
//
// fromEmail must belong to a domain verified in Resend. appURL is the public
// URL the email links back to.
func NewResendSender(apiKey, fromEmail, appURL string) EmailSender {
	return &resendSender{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		appURL:    appURL,
	}
}

func (s *resendSender) SendMissedCall(ctx context.Context, toEmail string, mc MissedCall) error {
	kind := "voice"
	if mc.MediaKind == "video" {
		kind = "video"
	}
	caller := html.EscapeString(mc.CallerName)
	link := s.appURL + "/messages"

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="margin:0;padding:0;background-color:#f4f7fb;font-family:Arial,Helvetica,sans-serif;">
  <table width="100%%" cellpadding="0" cellspacing="0" style="padding:40px 0;">
    <tr>
      <td align="center">
        <table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;padding:32px;">
          <tr>
            <td>
              <h2 style="color:#1e293b;font-size:18px;margin:0 0 16px 0;">Missed %s call</h2>
              <p style="color:#475569;font-size:15px;line-height:1.6;margin:0 0 24px 0;">
                %s tried to reach you while you were away.
              </p>
              <a href="%s" style="background-color:#0ea5e9;border-radius:6px;padding:12px 24px;color:#ffffff;text-decoration:none;font-size:15px;">
                Open conversation
              </a>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>`, kind, caller, link)

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("medicall <%s>", s.fromEmail),
		To:      []string{toEmail},
		Subject: fmt.Sprintf("Missed %s call from %s", kind, mc.CallerName),
		Html:    body,
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send missed call email: %w", err)
	}
	return nil
}
