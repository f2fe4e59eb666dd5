// Package email provides transactional email sending for the Castellan
// application.
//
// All sends here are best-effort side effects fired by the webhook
// reconciler (or the contact handler); failures are logged by callers and
// never escalate into the financial record.
package email

import (
	"context"

	"github.com/castellan-sec/castellan/internal/domain"
)

// Attachment is a file attached to an outgoing email, typically a
// generated PDF invoice.
type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// Service defines the interface for sending transactional emails.
//
// All methods are context-aware for timeout and cancellation support.
type Service interface {
	// SendConfirmation sends a purchase confirmation for a new one-time
	// bundle, or a renewal-flavored confirmation when isRenewal is set.
	SendConfirmation(ctx context.Context, sub *domain.Subscription, isRenewal bool) error

	// SendWelcome sends the first-time welcome for a newly created
	// recurring subscription. Its wording differs from the ordinary
	// confirmation.
	SendWelcome(ctx context.Context, sub *domain.Subscription) error

	// SendInvoice delivers the generated invoice document for a purchase.
	SendInvoice(ctx context.Context, sub *domain.Subscription, invoice Attachment) error

	// SendAlreadySubscribed tells a customer that they already hold an
	// active recurring subscription, instead of silently double-charging.
	SendAlreadySubscribed(ctx context.Context, customer domain.CustomerSnapshot, existing *domain.Subscription) error

	// SendInquiryNotification forwards a contact form submission to the
	// operations inbox.
	SendInquiryNotification(ctx context.Context, inquiry *domain.ContactInquiry) error
}

// Email represents a single email message.
type Email struct {
	To          string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []Attachment
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Host     string // SMTP server hostname (e.g., "localhost" for Mailhog)
	Port     int    // SMTP server port (e.g., 1025 for Mailhog)
	Username string // SMTP authentication username (empty for Mailhog)
	Password string // SMTP authentication password (empty for Mailhog)
	From     string // Default sender email address
	FromName string // Default sender display name
}

const (
	// DefaultFromEmail is the default sender email for transactional emails.
	DefaultFromEmail = "noreply@castellan.io"

	// DefaultFromName is the default sender display name.
	DefaultFromName = "Castellan Security"
)
