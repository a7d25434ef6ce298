package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stratplan/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// sendGridRetry keeps mail retries short; a welcome email that cannot be
// sent is logged by the reconciler and never blocks provisioning.
var sendGridRetry = RetryPolicy{MaxRetries: 2, MinWait: 500 * time.Millisecond, MaxWait: 5 * time.Second}

// SendGridClientConfig configures SendGridClient.
type SendGridClientConfig struct {
	APIKey string
	// BaseURL overrides the API host (tests).
	BaseURL string
	// Categories tag every message for SendGrid's stats. Defaults to
	// ["billing"].
	Categories []string
	Logger     *slog.Logger
}

// SendGridClient sends billing mail through the v3 Mail Send API.
type SendGridClient struct {
	base       *BaseClient
	apiKey     string
	baseURL    string
	categories []string
	logger     *slog.Logger
}

// NewSendGridClient builds a client over base. Use NewBaseClient with
// sendGridRetry for production wiring.
func NewSendGridClient(base *BaseClient, cfg SendGridClientConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = []string{"billing"}
	}
	return &SendGridClient{
		base:       base,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		categories: categories,
		logger:     logger,
	}
}

// Send posts one message and returns the X-Message-Id header. A 403 means
// the recipient is suppressed and maps to email_blocked; 429 and 5xx have
// already been retried by BaseClient.
func (s *SendGridClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	body, err := json.Marshal(s.mailPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "encoding SendGrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "building SendGrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return "", err
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SendGrid request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		msgID := resp.Header.Get("X-Message-Id")
		s.logger.DebugContext(ctx, "mail accepted", "message_id", msgID, "reference_id", input.ReferenceID)
		return msgID, nil
	}
	return "", sendGridError(resp)
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	TemplateID       string                    `json:"template_id,omitempty"`
	Subject          string                    `json:"subject,omitempty"`
	Content          []sendGridContent         `json:"content,omitempty"`
	Categories       []string                  `json:"categories,omitempty"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridPersonalization struct {
	To          []sendGridAddress `json:"to"`
	DynamicData map[string]any    `json:"dynamic_template_data,omitempty"`
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (s *SendGridClient) mailPayload(input types.SendInput) sendGridMailPayload {
	p := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{
			To:          []sendGridAddress{{Email: input.To}},
			DynamicData: input.TemplateData,
		}},
		From:       sendGridAddress{Email: input.From.Address, Name: input.From.Name},
		TemplateID: input.TemplateID,
		Categories: s.categories,
	}

	if input.TemplateID == "" {
		p.Subject = input.Subject
		// text/plain must precede text/html.
		if input.BodyText != "" {
			p.Content = append(p.Content, sendGridContent{Type: "text/plain", Value: input.BodyText})
		}
		if input.BodyHTML != "" {
			p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: input.BodyHTML})
		}
	}

	// The provider event id travels back on SendGrid's event webhook, which
	// ties a bounce to the checkout that triggered the mail.
	if input.ReferenceID != "" {
		p.CustomArgs = map[string]string{"reference_id": input.ReferenceID}
	}
	return p
}

// sendGridError maps a non-202 response to an AppError, keeping the first
// message from SendGrid's {"errors":[...]} body.
func sendGridError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	msg := strings.TrimSpace(string(raw))
	var body struct {
		Errors []struct {
			Message string `json:"message"`
			Field   string `json:"field"`
		} `json:"errors"`
	}
	if json.Unmarshal(raw, &body) == nil && len(body.Errors) > 0 {
		msg = body.Errors[0].Message
		if f := body.Errors[0].Field; f != "" {
			msg = f + ": " + msg
		}
	}

	code := types.ErrCodeUpstreamEmailProvider
	switch {
	case resp.StatusCode == http.StatusForbidden:
		code = types.ErrCodeEmailBlocked
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	}
	return types.NewAppError(code, fmt.Sprintf("SendGrid returned %d: %s", resp.StatusCode, msg), nil)
}

var _ EmailProvider = (*SendGridClient)(nil)
