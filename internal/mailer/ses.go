package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/mailforge/platform/internal/pkg/logger"
)

const sesSendTimeout = 15 * time.Second

// SESMailer sends through AWS SES using the SDK v2.
type SESMailer struct {
	client *sesv2.Client
}

// NewSESMailer creates an SES mailer from static credentials. An empty
// access key falls back to the default AWS credential chain.
func NewSESMailer(ctx context.Context, accessKey, secretKey, region string) (*SESMailer, error) {
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SESMailer{client: sesv2.NewFromConfig(cfg)}, nil
}

// Send delivers one email through SES. SES rejections caused by the
// recipient address itself come back wrapped in ErrPermanent.
func (m *SESMailer) Send(ctx context.Context, msg *Message) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, sesSendTimeout)
	defer cancel()

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
			{Name: aws.String("contact_id"), Value: aws.String(msg.ContactID)},
		},
	}
	if msg.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	out, err := m.client.SendEmail(ctx, input)
	if err != nil {
		logger.Error("ses send failed", "recipient", msg.To, "error", err)
		if isRecipientError(err) {
			return nil, Permanent(err)
		}
		return nil, fmt.Errorf("ses send: %w", err)
	}

	return &Result{MessageID: aws.ToString(out.MessageId), Provider: "ses"}, nil
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(h))
	for k, v := range h {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}

// isRecipientError classifies SES failures that no retry can fix.
func isRecipientError(err error) bool {
	var bad *types.BadRequestException
	if errors.As(err, &bad) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid") && strings.Contains(msg, "address")
}
