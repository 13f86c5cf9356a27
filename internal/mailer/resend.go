package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/resend/resend-go/v3"
)

type resendMailer struct {
	client *resend.Client
	from   string
}

// NewResend returns a Mailer backed by the Resend API.
// from must be an address under a domain verified on the Resend account.
func NewResend(apiKey, from string) Mailer {
	return &resendMailer{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

func (m *resendMailer) SendAccessLink(ctx context.Context, toEmail, redemptionURL string, expiresAt time.Time) error {
	html := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;font-family:Arial,Helvetica,sans-serif;">
  <h2 style="margin:0 0 16px 0;">Your session is ready</h2>
  <p style="margin:0 0 16px 0;">
    Use the button below to join your session. The link works exactly once
    and expires on %s.
  </p>
  <p style="margin:0 0 24px 0;">
    <a href="%s" style="background-color:#2563eb;border-radius:6px;color:#ffffff;
       display:inline-block;padding:12px 32px;text-decoration:none;">Join session</a>
  </p>
  <p style="color:#64748b;font-size:13px;margin:0;word-break:break-all;">
    If the button doesn't work, copy and paste this link:<br>
    <a href="%s">%s</a>
  </p>
</body>
</html>`, expiresAt.UTC().Format(time.RFC1123), redemptionURL, redemptionURL, redemptionURL)

	params := &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{toEmail},
		Subject: "Your session access link",
		Html:    html,
	}

	_, err := m.client.Emails.SendWithContext(ctx, params)
	return errors.Wrap(err, "could not send access link")
}
