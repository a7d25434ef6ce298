package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"stratplan/internal/types"
)

// SESAPI is the subset of the SES v2 client used by SESClient.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESClientConfig holds the configuration for creating an SESClient.
type SESClientConfig struct {
	// ConfigSetName is the SES configuration set used for delivery tracking.
	ConfigSetName string
	Logger        *slog.Logger
}

// SESClient implements EmailProvider using AWS SES v2. Credentials come
// from the execution role and the SDK retries throttled calls itself.
type SESClient struct {
	api           SESAPI
	configSetName string
	logger        *slog.Logger
}

// NewSESClient creates an SESClient from an AWS config.
func NewSESClient(awsCfg aws.Config, cfg SESClientConfig) *SESClient {
	return NewSESClientWithAPI(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewSESClientWithAPI creates an SESClient over a caller-supplied API.
func NewSESClientWithAPI(api SESAPI, cfg SESClientConfig) *SESClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SESClient{
		api:           api,
		configSetName: cfg.ConfigSetName,
		logger:        logger,
	}
}

// Send transmits one message. A TemplateID selects a stored SES template
// rendered with TemplateData; otherwise the pre-rendered subject and bodies
// are sent as simple content.
//
// Error mapping:
//   - MessageRejected -> ErrCodeEmailBlocked
//   - TooManyRequestsException -> ErrCodeUpstreamRateLimited
//   - SendingPausedException -> ErrCodeUpstreamUnavailable
//   - Other -> ErrCodeUpstreamEmailProvider
func (s *SESClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	fromAddr := input.From.Address
	if input.From.Name != "" {
		fromAddr = fmt.Sprintf("%s <%s>", input.From.Name, input.From.Address)
	}

	emailInput := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fromAddr),
		Destination: &sestypes.Destination{
			ToAddresses: []string{input.To},
		},
	}

	if input.TemplateID != "" {
		data, err := json.Marshal(input.TemplateData)
		if err != nil {
			return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode template data", err)
		}
		emailInput.Content = &sestypes.EmailContent{
			Template: &sestypes.Template{
				TemplateName: aws.String(input.TemplateID),
				TemplateData: aws.String(string(data)),
			},
		}
	} else {
		body := &sestypes.Body{}
		if input.BodyHTML != "" {
			body.Html = &sestypes.Content{Data: aws.String(input.BodyHTML), Charset: aws.String("UTF-8")}
		}
		if input.BodyText != "" {
			body.Text = &sestypes.Content{Data: aws.String(input.BodyText), Charset: aws.String("UTF-8")}
		}
		emailInput.Content = &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(input.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		}
	}

	if s.configSetName != "" {
		emailInput.ConfigurationSetName = aws.String(s.configSetName)
	}
	if input.ReferenceID != "" {
		emailInput.EmailTags = []sestypes.MessageTag{
			{Name: aws.String("ReferenceID"), Value: aws.String(input.ReferenceID)},
		}
	}

	result, err := s.api.SendEmail(ctx, emailInput)
	if err != nil {
		return "", mapSESError(err)
	}
	return aws.ToString(result.MessageId), nil
}

// mapSESError translates AWS SES errors into domain AppErrors.
func mapSESError(err error) error {
	var msgRejected *sestypes.MessageRejected
	if errors.As(err, &msgRejected) {
		return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SES rejected message: %v", err), err)
	}
	var tooManyReqs *sestypes.TooManyRequestsException
	if errors.As(err, &tooManyReqs) {
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SES rate limit exceeded: %v", err), err)
	}
	var sendingPaused *sestypes.SendingPausedException
	if errors.As(err, &sendingPaused) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SES account sending paused: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SES error: %v", err), err)
}

var _ EmailProvider = (*SESClient)(nil)
