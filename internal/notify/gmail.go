package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	goption "google.golang.org/api/option"
)

// GmailConfig points at the OAuth client and the token produced by cmd/oauth-init.
// Inline JSON wins over the file path.
type GmailConfig struct {
	From       string
	ClientJSON string
	ClientFile string
	TokenJSON  string
	TokenFile  string
}

// GmailSender sends mail through the Gmail API as the authorized user.
type GmailSender struct {
	svc  *gmail.Service
	from string
}

var _ Sender = (*GmailSender)(nil)

// indirection for tests
var jsonUnmarshal = json.Unmarshal

func NewGmailSender(ctx context.Context, cfg GmailConfig) (*GmailSender, error) {
	ts, err := tokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	svc, err := gmail.NewService(ctx, goption.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}

	slog.InfoContext(ctx, "Gmail sender initialized", "from", cfg.From)
	return &GmailSender{svc: svc, from: cfg.From}, nil
}

func readSecret(inline, file string) ([]byte, error) {
	if s := strings.TrimSpace(inline); s != "" {
		return []byte(s), nil
	}
	if f := strings.TrimSpace(file); f != "" {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		return data, nil
	}
	return nil, nil
}

func tokenSource(ctx context.Context, cfg GmailConfig) (oauth2.TokenSource, error) {
	clientJSON, err := readSecret(cfg.ClientJSON, cfg.ClientFile)
	if err != nil {
		return nil, err
	}
	if clientJSON == nil {
		return nil, errors.New("missing oauth client (set GMAIL_OAUTH_CLIENT_JSON or GMAIL_OAUTH_CLIENT_FILE)")
	}

	oauthCfg, err := google.ConfigFromJSON(clientJSON, gmail.GmailSendScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client: %w", err)
	}

	tokenJSON, err := readSecret(cfg.TokenJSON, cfg.TokenFile)
	if err != nil {
		return nil, err
	}
	if tokenJSON == nil {
		return nil, errors.New("missing oauth token (set GMAIL_OAUTH_TOKEN_JSON or GMAIL_OAUTH_TOKEN_FILE)")
	}

	var tok oauth2.Token
	if err := jsonUnmarshal(tokenJSON, &tok); err != nil {
		return nil, fmt.Errorf("parse oauth token: %w", err)
	}

	return oauthCfg.TokenSource(ctx, &tok), nil
}

func (s *GmailSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	raw := buildRaw(s.from, msg, time.Now())
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sent, err := s.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("gmail send to %s: %w", msg.To, err)
	}

	slog.InfoContext(ctx, "Notification sent",
		"to", msg.To,
		"subject", msg.Subject,
		"gmail_id", sent.Id)
	return nil
}

// buildRaw renders an RFC 2822 message encoded as base64url, the form the Gmail API expects.
func buildRaw(from string, msg Message, at time.Time) string {
	var b strings.Builder
	if from != "" {
		b.WriteString("From: " + from + "\r\n")
	}
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}
