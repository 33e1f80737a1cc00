package alert

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Severity levels, lowest to highest.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank maps severity to a sortable weight. Higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// DeliveryType selects the channel used to deliver reminders for an alert.
type DeliveryType string

const (
	DeliveryInApp DeliveryType = "in_app"
	DeliveryEmail DeliveryType = "email"
	DeliverySMS   DeliveryType = "sms"
)

func (d DeliveryType) Valid() bool {
	return d == DeliveryInApp || d == DeliveryEmail || d == DeliverySMS
}

// Status is the alert lifecycle state. Transitions are monotonic:
// active -> expired and active -> archived, both terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusExpired  Status = "expired"
	StatusArchived Status = "archived"
)

const (
	maxTitleLen   = 255
	maxMessageLen = 5000

	defaultReminderFrequencyHours = 2
)

// Alert is a time-bounded message published to a visibility scope.
type Alert struct {
	ID                     uuid.UUID    `json:"id"`
	Title                  string       `json:"title"`
	Message                string       `json:"message"`
	Severity               Severity     `json:"severity"`
	DeliveryType           DeliveryType `json:"delivery_type"`
	Visibility             Visibility   `json:"visibility"`
	StartTime              time.Time    `json:"start_time"`
	ExpiryTime             time.Time    `json:"expiry_time"`
	ReminderEnabled        bool         `json:"reminder_enabled"`
	ReminderFrequencyHours int          `json:"reminder_frequency_hours"`
	CreatedBy              string       `json:"created_by"`
	Status                 Status       `json:"status"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// Params carries the input for New. Optional fields use pointers so the
// zero value can be told apart from "not provided".
type Params struct {
	Title                  string
	Message                string
	Severity               Severity
	DeliveryType           DeliveryType
	Visibility             Visibility
	StartTime              time.Time
	ExpiryTime             time.Time
	ReminderEnabled        *bool
	ReminderFrequencyHours *int
	CreatedBy              string
}

// New validates params and returns a new active alert. The returned error
// is a *ValidationError naming the violated rule.
func New(p Params) (*Alert, error) {
	return newAt(p, time.Now())
}

func newAt(p Params, now time.Time) (*Alert, error) {
	a := &Alert{
		ID:                     uuid.New(),
		Title:                  strings.TrimSpace(p.Title),
		Message:                strings.TrimSpace(p.Message),
		Severity:               p.Severity,
		DeliveryType:           p.DeliveryType,
		Visibility:             p.Visibility.normalized(),
		StartTime:              p.StartTime,
		ExpiryTime:             p.ExpiryTime,
		ReminderEnabled:        true,
		ReminderFrequencyHours: defaultReminderFrequencyHours,
		CreatedBy:              p.CreatedBy,
		Status:                 StatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if p.ReminderEnabled != nil {
		a.ReminderEnabled = *p.ReminderEnabled
	}
	if p.ReminderFrequencyHours != nil {
		a.ReminderFrequencyHours = *p.ReminderFrequencyHours
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	if !a.ExpiryTime.After(now) {
		return nil, &ValidationError{Field: "expiry_time", Rule: "must be in the future"}
	}
	return a, nil
}

func (a *Alert) validate() error {
	if a.Title == "" {
		return &ValidationError{Field: "title", Rule: "must not be empty"}
	}
	if utf8.RuneCountInString(a.Title) > maxTitleLen {
		return &ValidationError{Field: "title", Rule: "must be at most 255 characters"}
	}
	if a.Message == "" {
		return &ValidationError{Field: "message", Rule: "must not be empty"}
	}
	if utf8.RuneCountInString(a.Message) > maxMessageLen {
		return &ValidationError{Field: "message", Rule: "must be at most 5000 characters"}
	}
	if !a.Severity.Valid() {
		return &ValidationError{Field: "severity", Rule: "must be one of info, warning, critical"}
	}
	if !a.DeliveryType.Valid() {
		return &ValidationError{Field: "delivery_type", Rule: "must be one of in_app, email, sms"}
	}
	if err := a.Visibility.validate(); err != nil {
		return err
	}
	if !a.StartTime.Before(a.ExpiryTime) {
		return &ValidationError{Field: "start_time", Rule: "must be before expiry_time"}
	}
	if a.ReminderFrequencyHours <= 0 {
		return &ValidationError{Field: "reminder_frequency_hours", Rule: "must be positive"}
	}
	return nil
}

// UpdatePatch holds the fields an update may change. Nil means "keep".
type UpdatePatch struct {
	Title                  *string       `json:"title,omitempty"`
	Message                *string       `json:"message,omitempty"`
	Severity               *Severity     `json:"severity,omitempty"`
	DeliveryType           *DeliveryType `json:"delivery_type,omitempty"`
	Visibility             *Visibility   `json:"visibility,omitempty"`
	StartTime              *time.Time    `json:"start_time,omitempty"`
	ExpiryTime             *time.Time    `json:"expiry_time,omitempty"`
	ReminderEnabled        *bool         `json:"reminder_enabled,omitempty"`
	ReminderFrequencyHours *int          `json:"reminder_frequency_hours,omitempty"`
}

// ApplyUpdate merges the patch into the alert and re-validates the result
// against the merged old/new values. On any validation failure the alert is
// left unchanged. A patched expiry time must itself be in the future.
func (a *Alert) ApplyUpdate(p UpdatePatch) error {
	return a.applyUpdateAt(p, time.Now())
}

func (a *Alert) applyUpdateAt(p UpdatePatch, now time.Time) error {
	merged := *a
	if p.Title != nil {
		merged.Title = strings.TrimSpace(*p.Title)
	}
	if p.Message != nil {
		merged.Message = strings.TrimSpace(*p.Message)
	}
	if p.Severity != nil {
		merged.Severity = *p.Severity
	}
	if p.DeliveryType != nil {
		merged.DeliveryType = *p.DeliveryType
	}
	if p.Visibility != nil {
		merged.Visibility = p.Visibility.normalized()
	}
	if p.StartTime != nil {
		merged.StartTime = *p.StartTime
	}
	if p.ExpiryTime != nil {
		merged.ExpiryTime = *p.ExpiryTime
	}
	if p.ReminderEnabled != nil {
		merged.ReminderEnabled = *p.ReminderEnabled
	}
	if p.ReminderFrequencyHours != nil {
		merged.ReminderFrequencyHours = *p.ReminderFrequencyHours
	}

	if err := merged.validate(); err != nil {
		return err
	}
	if p.ExpiryTime != nil && !merged.ExpiryTime.After(now) {
		return &ValidationError{Field: "expiry_time", Rule: "must be in the future"}
	}

	merged.UpdatedAt = now
	*a = merged
	return nil
}

// Archive moves an active alert to the terminal archived state.
// Idempotent; an alert already in a terminal state is left untouched.
func (a *Alert) Archive() {
	a.archiveAt(time.Now())
}

func (a *Alert) archiveAt(now time.Time) {
	if a.Status != StatusActive {
		return
	}
	a.Status = StatusArchived
	a.UpdatedAt = now
}

// MarkExpired moves an active alert to the terminal expired state.
// Idempotent and intended for the periodic expiry sweep; an alert already
// in a terminal state is left untouched.
func (a *Alert) MarkExpired() {
	a.markExpiredAt(time.Now())
}

func (a *Alert) markExpiredAt(now time.Time) {
	if a.Status != StatusActive {
		return
	}
	a.Status = StatusExpired
	a.UpdatedAt = now
}

// IsActiveAt reports whether the alert is live at the given instant:
// status active and now within [StartTime, ExpiryTime].
func (a *Alert) IsActiveAt(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	return !now.Before(a.StartTime) && !now.After(a.ExpiryTime)
}

// IsExpiredAt reports whether the alert is past its expiry or explicitly
// marked expired.
func (a *Alert) IsExpiredAt(now time.Time) bool {
	return a.Status == StatusExpired || now.After(a.ExpiryTime)
}

func (a *Alert) IsActive() bool  { return a.IsActiveAt(time.Now()) }
func (a *Alert) IsExpired() bool { return a.IsExpiredAt(time.Now()) }
