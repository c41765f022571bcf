package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Gmail sends plain-text mail through the Gmail API as the authorised user.
type Gmail struct {
	svc    *gmail.UsersService
	sender string
}

// NewGmail builds a Gmail mailer. opts typically carry option.WithHTTPClient
// with an OAuth2 client; tests pass option.WithEndpoint as well.
func NewGmail(ctx context.Context, sender string, opts ...option.ClientOption) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Gmail{svc: svc.Users, sender: sender}, nil
}

func (g *Gmail) Email(ctx context.Context, m Message) error {
	if len(m.To) == 0 {
		return fmt.Errorf("gmail: no recipients")
	}
	raw := base64.URLEncoding.EncodeToString([]byte(buildRFC2822(g.sender, m)))
	if _, err := g.svc.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	return nil
}

func buildRFC2822(from string, m Message) string {
	var b strings.Builder
	if from != "" {
		b.WriteString("From: " + from + "\r\n")
	}
	b.WriteString("To: " + strings.Join(m.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", m.Subject) + "\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("\r\n")
	b.WriteString(m.Body)
	return b.String()
}
