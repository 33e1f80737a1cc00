// Package channel implements the pluggable delivery channels used to bring
// alerts to their recipients, plus the retry/rate-limit dispatch engine on
// top of them.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/alert"
	"github.com/beaconhq/beacon/internal/ratelimit"
)

// Notification is the channel-independent payload derived from an alert.
type Notification struct {
	AlertID  string         `json:"alert_id"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Severity alert.Severity `json:"severity"`
}

// FromAlert builds the notification payload delivered for an alert.
func FromAlert(a *alert.Alert) Notification {
	return Notification{
		AlertID:  a.ID.String(),
		Title:    a.Title,
		Message:  a.Message,
		Severity: a.Severity,
	}
}

// DeliveryResult reports the outcome of a single delivery attempt.
type DeliveryResult struct {
	Success      bool      `json:"success"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// ValidationReport collects the problems found before attempting delivery.
// Any entry in Errors makes the delivery invalid; Warnings do not.
type ValidationReport struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *ValidationReport) addError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.IsValid = false
}

func (r *ValidationReport) addWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

func newValidationReport() ValidationReport {
	return ValidationReport{IsValid: true}
}

// Configuration describes one channel's operational settings.
type Configuration struct {
	Enabled        bool
	MaxConcurrency int
	Timeout        time.Duration
	RetryPolicy    RetryPolicy
	RateLimit      ratelimit.Config
}

// DefaultConfiguration returns the settings channels start from.
func DefaultConfiguration() Configuration {
	return Configuration{
		Enabled:        true,
		MaxConcurrency: 8,
		Timeout:        10 * time.Second,
		RetryPolicy:    DefaultRetryPolicy(),
		RateLimit: ratelimit.Config{
			Limit:  10,
			Window: time.Hour,
		},
	}
}

// Channel is a delivery mechanism for one delivery type. Implementations
// must be safe for concurrent use; the scheduler invokes them from a worker
// pool.
type Channel interface {
	// Deliver attempts one delivery. The result carries the outcome even
	// when err is non-nil; err classifies the failure for retry purposes.
	Deliver(ctx context.Context, n Notification, user alert.User) (DeliveryResult, error)

	// Type is the delivery type this channel serves.
	Type() alert.DeliveryType

	// CanDeliver reports whether the user is reachable on this channel at
	// all (active account, address or number present).
	CanDeliver(ctx context.Context, user alert.User) bool

	// Configuration returns the channel's operational settings.
	Configuration() Configuration

	// Validate checks the notification and recipient without performing
	// any delivery or consuming any rate-limit slot.
	Validate(n Notification, user alert.User) ValidationReport
}

// failedResult is the shared shape for attempts that went nowhere.
func failedResult(err error) DeliveryResult {
	return DeliveryResult{
		Success:      false,
		Timestamp:    time.Now(),
		ErrorMessage: err.Error(),
	}
}

// validateRecipient applies the checks every channel shares.
func validateRecipient(report *ValidationReport, user alert.User) {
	if user.ID == "" {
		report.addError("user not found")
	}
	if !user.Active {
		report.addError("user is inactive")
	}
}

func validateNotification(report *ValidationReport, n Notification) {
	if n.Title == "" {
		report.addError("notification has no title")
	}
	if n.Message == "" {
		report.addError("notification has no message")
	}
}

// subjectLine renders the email subject / in-app headline for an alert.
func subjectLine(n Notification) string {
	return fmt.Sprintf("[%s] %s", n.Severity, n.Title)
}
