package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"stratplan/internal/types"
)

type mockSESAPI struct {
	input *sesv2.SendEmailInput
	err   error
}

func (m *mockSESAPI) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-msg-1")}, nil
}

func TestSESSend_SimpleContent(t *testing.T) {
	mock := &mockSESAPI{}
	client := NewSESClientWithAPI(mock, SESClientConfig{ConfigSetName: "billing-tracking"})

	msgID, err := client.Send(context.Background(), types.SendInput{
		To:          "owner@acme.test",
		From:        types.SenderIdentity{Name: "StratPlan", Address: "billing@stratplan.app"},
		Subject:     "Payment failed",
		BodyText:    "We could not charge your card.",
		ReferenceID: "evt_1",
	})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if msgID != "ses-msg-1" {
		t.Errorf("message id = %q", msgID)
	}

	in := mock.input
	if got := aws.ToString(in.FromEmailAddress); got != "StratPlan <billing@stratplan.app>" {
		t.Errorf("from = %q", got)
	}
	if in.Content.Simple == nil || in.Content.Template != nil {
		t.Fatalf("expected simple content only")
	}
	if in.Content.Simple.Body.Html != nil {
		t.Errorf("html body should be unset")
	}
	if aws.ToString(in.ConfigurationSetName) != "billing-tracking" {
		t.Errorf("configuration set = %q", aws.ToString(in.ConfigurationSetName))
	}
	if len(in.EmailTags) != 1 || aws.ToString(in.EmailTags[0].Value) != "evt_1" {
		t.Errorf("unexpected tags: %+v", in.EmailTags)
	}
}

func TestSESSend_Template(t *testing.T) {
	mock := &mockSESAPI{}
	client := NewSESClientWithAPI(mock, SESClientConfig{})

	_, err := client.Send(context.Background(), types.SendInput{
		To:           "owner@acme.test",
		From:         types.SenderIdentity{Address: "billing@stratplan.app"},
		TemplateID:   "welcome-v2",
		TemplateData: map[string]any{"login_url": "https://app.stratplan.test/login"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tpl := mock.input.Content.Template
	if tpl == nil || aws.ToString(tpl.TemplateName) != "welcome-v2" {
		t.Fatalf("expected welcome-v2 template, got %+v", tpl)
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(aws.ToString(tpl.TemplateData)), &data); err != nil {
		t.Fatalf("template data is not JSON: %v", err)
	}
	if data["login_url"] != "https://app.stratplan.test/login" {
		t.Errorf("template data = %v", data)
	}
	if got := aws.ToString(mock.input.FromEmailAddress); got != "billing@stratplan.app" {
		t.Errorf("from = %q", got)
	}
}

func TestSESSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{&sestypes.MessageRejected{Message: aws.String("address blacklisted")}, types.ErrCodeEmailBlocked},
		{&sestypes.TooManyRequestsException{Message: aws.String("slow down")}, types.ErrCodeUpstreamRateLimited},
		{&sestypes.SendingPausedException{Message: aws.String("paused")}, types.ErrCodeUpstreamUnavailable},
		{fmt.Errorf("wrapped: %w", errors.New("network down")), types.ErrCodeUpstreamEmailProvider},
	}
	for _, tc := range tests {
		t.Run(string(tc.want), func(t *testing.T) {
			client := NewSESClientWithAPI(&mockSESAPI{err: tc.err}, SESClientConfig{})
			_, err := client.Send(context.Background(), types.SendInput{To: "x@y.z"})
			if got := types.CodeOf(err); got != tc.want {
				t.Errorf("code = %q, want %q", got, tc.want)
			}
		})
	}
}
