package channel

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/alert"
)

// snsAPI is the slice of the SNS client the SMS channel uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SMSConfig holds the SNS settings for the SMS channel.
type SMSConfig struct {
	Region string
}

// smsBodyLimit is where we start warning about carrier-side truncation.
const smsBodyLimit = 160

// SMS delivers alerts via AWS SNS. Deliverable only for active users with
// a phone number on file.
type SMS struct {
	client snsAPI
	config Configuration
	logger *zap.Logger
}

// NewSMS creates the SMS channel using the default AWS credential chain.
func NewSMS(ctx context.Context, smsCfg SMSConfig, cfg Configuration, logger *zap.Logger) (*SMS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(smsCfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SMS{
		client: sns.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger,
	}, nil
}

// newSMSWithClient wires a fake SNS client in tests.
func newSMSWithClient(client snsAPI, cfg Configuration, logger *zap.Logger) *SMS {
	return &SMS{client: client, config: cfg, logger: logger}
}

func (c *SMS) Type() alert.DeliveryType { return alert.DeliverySMS }

func (c *SMS) Configuration() Configuration { return c.config }

func (c *SMS) CanDeliver(_ context.Context, user alert.User) bool {
	return user.ID != "" && user.Active && user.PhoneNumber != ""
}

func (c *SMS) Validate(n Notification, user alert.User) ValidationReport {
	report := newValidationReport()
	validateRecipient(&report, user)
	validateNotification(&report, n)

	if user.PhoneNumber == "" {
		report.addError("user has no phone number")
	} else if !validPhoneNumber(user.PhoneNumber) {
		report.addError("phone number is malformed")
	}
	if len(n.Message) > smsBodyLimit {
		report.addWarning("message exceeds one SMS segment and may be truncated")
	}
	return report
}

func (c *SMS) Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error) {
	if !validPhoneNumber(user.PhoneNumber) {
		err := &DeliveryError{Channel: c.Type(), Err: ErrInvalidRecipient}
		return failedResult(err), err
	}

	body := n.Title + ": " + n.Message
	out, err := c.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(user.PhoneNumber),
		Message:     aws.String(body),
	})
	if err != nil {
		werr := &DeliveryError{Channel: c.Type(), Err: fmt.Errorf("sns publish failed: %w", err)}
		return failedResult(werr), werr
	}

	c.logger.Info("alert SMS sent",
		zap.String("alert_id", n.AlertID),
		zap.String("phone_number", user.PhoneNumber),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)

	return DeliveryResult{
		Success:    true,
		DeliveryID: aws.ToString(out.MessageId),
		Timestamp:  time.Now(),
	}, nil
}

// validPhoneNumber accepts E.164-style numbers: optional leading +, digits
// only, at least 7 of them.
func validPhoneNumber(s string) bool {
	s = strings.TrimPrefix(s, "+")
	if len(s) < 7 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
