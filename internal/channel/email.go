package channel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
)

// sesAPI is the slice of the SES client the email channel uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailConfig holds the SES settings for the email channel.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// Email delivers alerts via AWS SES. Deliverable only for active users
// with an email address on file.
type Email struct {
	client sesAPI
	from   string
	config Configuration
	logger *zap.Logger
}

// NewEmail creates the email channel using the default AWS credential chain.
func NewEmail(ctx context.Context, sesCfg EmailConfig, cfg Configuration, logger *zap.Logger) (*Email, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(sesCfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Email{
		client: ses.NewFromConfig(awsCfg),
		from:   sesCfg.FromEmail,
		config: cfg,
		logger: logger,
	}, nil
}

// newEmailWithClient wires a fake SES client in tests.
func newEmailWithClient(client sesAPI, from string, cfg Configuration, logger *zap.Logger) *Email {
	return &Email{client: client, from: from, config: cfg, logger: logger}
}

func (c *Email) Type() alert.DeliveryType { return alert.DeliveryEmail }

func (c *Email) Configuration() Configuration { return c.config }

func (c *Email) CanDeliver(_ context.Context, user alert.User) bool {
	return user.ID != "" && user.Active && user.Email != ""
}

func (c *Email) Validate(n Notification, user alert.User) ValidationReport {
	report := newValidationReport()
	validateRecipient(&report, user)
	validateNotification(&report, n)

	if user.Email == "" {
		report.addError("user has no email address")
	} else if !strings.Contains(user.Email, "@") {
		report.addError("email address is malformed")
	}
	return report
}

func (c *Email) Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error) {
	if user.Email == "" || !strings.Contains(user.Email, "@") {
		err := &DeliveryError{Channel: c.Type(), Err: ErrInvalidRecipient}
		return failedResult(err), err
	}

	input := &ses.SendEmailInput{
		Source: aws.String(c.from),
		Destination: &types.Destination{
			ToAddresses: []string{user.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subjectLine(n)),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	out, err := c.client.SendEmail(ctx, input)
	if err != nil {
		werr := &DeliveryError{Channel: c.Type(), Err: fmt.Errorf("ses send failed: %w", err)}
		return failedResult(werr), werr
	}

	c.logger.Info("alert email sent",
		zap.String("alert_id", n.AlertID),
		zap.String("to", user.Email),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)

	return DeliveryResult{
		Success:    true,
		DeliveryID: aws.ToString(out.MessageId),
		Timestamp:  time.Now(),
	}, nil
}
