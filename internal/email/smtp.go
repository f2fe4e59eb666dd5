package email

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/castellan-sec/castellan/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

// sendTimeout bounds a single SMTP delivery. A slow relay must not hold a
// webhook handler open.
const sendTimeout = 15 * time.Second

// SMTPService sends emails via SMTP.
//
// Works with Mailhog in development (no auth) and any authenticated SMTP
// relay in production. Templates are embedded in the binary.
type SMTPService struct {
	config    SMTPConfig
	opsInbox  string // recipient for contact inquiry notifications
	templates *template.Template
	logger    *slog.Logger
}

// NewSMTPService creates a new SMTP-based email service.
// opsInbox is where contact inquiry notifications are delivered.
func NewSMTPService(config SMTPConfig, opsInbox string, logger *slog.Logger) (*SMTPService, error) {
	if config.From == "" {
		config.From = DefaultFromEmail
	}
	if config.FromName == "" {
		config.FromName = DefaultFromName
	}

	templates, err := template.New("email").ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	return &SMTPService{
		config:    config,
		opsInbox:  opsInbox,
		templates: templates,
		logger:    logger,
	}, nil
}

// purchaseData is the template payload shared by the purchase-related emails.
type purchaseData struct {
	Name        string
	PlanTitles  string
	PlanCount   int
	TotalPrice  float64
	NextBilling string
	Year        int
}

func newPurchaseData(sub *domain.Subscription) purchaseData {
	data := purchaseData{
		Name:       sub.Customer.DisplayName(),
		PlanTitles: sub.PlanTitles(),
		PlanCount:  sub.PlanCount(),
		TotalPrice: sub.TotalPrice,
		Year:       time.Now().Year(),
	}
	if sub.NextBillingDate != nil {
		data.NextBilling = sub.NextBillingDate.Format("January 2, 2006")
	}
	return data
}

// SendConfirmation sends a purchase confirmation, with renewal wording when
// isRenewal is set.
func (s *SMTPService) SendConfirmation(ctx context.Context, sub *domain.Subscription, isRenewal bool) error {
	data := newPurchaseData(sub)

	templateName := "confirmation.html"
	subject := "Your Castellan purchase is confirmed"
	textBody := fmt.Sprintf(`Hi %s,

Thank you for your purchase. Your order is confirmed:

  %s
  Total: $%.2f

Our team will reach out shortly to schedule your engagement.

The Castellan Security Team
`, data.Name, data.PlanTitles, data.TotalPrice)

	if isRenewal {
		templateName = "renewal.html"
		subject = "Your vCISO On-Demand subscription has renewed"
		textBody = fmt.Sprintf(`Hi %s,

Your %s subscription has renewed successfully.

  Amount: $%.2f
  Next billing date: %s

The Castellan Security Team
`, data.Name, data.PlanTitles, data.TotalPrice, data.NextBilling)
	}

	htmlBody, err := s.renderTemplate(templateName, data)
	if err != nil {
		return fmt.Errorf("failed to render confirmation template: %w", err)
	}

	return s.send(ctx, Email{
		To:       sub.Customer.Email,
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// SendWelcome sends the first-time welcome for a new recurring subscription.
func (s *SMTPService) SendWelcome(ctx context.Context, sub *domain.Subscription) error {
	data := newPurchaseData(sub)

	htmlBody, err := s.renderTemplate("welcome.html", data)
	if err != nil {
		return fmt.Errorf("failed to render welcome template: %w", err)
	}

	textBody := fmt.Sprintf(`Hi %s,

Welcome aboard! Your %s subscription is now active.

  Monthly amount: $%.2f
  Next billing date: %s

Your virtual CISO will contact you within one business day to kick things off.

The Castellan Security Team
`, data.Name, data.PlanTitles, data.TotalPrice, data.NextBilling)

	return s.send(ctx, Email{
		To:       sub.Customer.Email,
		Subject:  "Welcome to vCISO On-Demand",
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// SendInvoice delivers the generated invoice PDF for a purchase.
func (s *SMTPService) SendInvoice(ctx context.Context, sub *domain.Subscription, invoice Attachment) error {
	data := newPurchaseData(sub)

	htmlBody, err := s.renderTemplate("invoice.html", data)
	if err != nil {
		return fmt.Errorf("failed to render invoice template: %w", err)
	}

	textBody := fmt.Sprintf(`Hi %s,

Your invoice for the following purchase is attached:

  %s
  Total: $%.2f

The Castellan Security Team
`, data.Name, data.PlanTitles, data.TotalPrice)

	return s.send(ctx, Email{
		To:          sub.Customer.Email,
		Subject:     "Your Castellan invoice",
		HTMLBody:    htmlBody,
		TextBody:    textBody,
		Attachments: []Attachment{invoice},
	})
}

// SendAlreadySubscribed tells a customer an active recurring subscription
// already exists for their email.
func (s *SMTPService) SendAlreadySubscribed(ctx context.Context, customer domain.CustomerSnapshot, existing *domain.Subscription) error {
	data := newPurchaseData(existing)
	data.Name = customer.DisplayName()

	htmlBody, err := s.renderTemplate("already_subscribed.html", data)
	if err != nil {
		return fmt.Errorf("failed to render already-subscribed template: %w", err)
	}

	textBody := fmt.Sprintf(`Hi %s,

You already have an active %s subscription with us, so we didn't start a
second one. Your next billing date is %s.

If you'd like to change your plan, just reply to this email.

The Castellan Security Team
`, data.Name, data.PlanTitles, data.NextBilling)

	return s.send(ctx, Email{
		To:       customer.Email,
		Subject:  "You're already subscribed",
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// SendInquiryNotification forwards a contact submission to the ops inbox.
func (s *SMTPService) SendInquiryNotification(ctx context.Context, inquiry *domain.ContactInquiry) error {
	if s.opsInbox == "" {
		s.logger.Debug("no ops inbox configured, skipping inquiry notification")
		return nil
	}

	data := map[string]interface{}{
		"Name":    inquiry.Name,
		"Email":   inquiry.Email,
		"Company": inquiry.Company,
		"Message": inquiry.Message,
		"Year":    time.Now().Year(),
	}

	htmlBody, err := s.renderTemplate("inquiry.html", data)
	if err != nil {
		return fmt.Errorf("failed to render inquiry template: %w", err)
	}

	textBody := fmt.Sprintf(`New contact inquiry:

Name: %s
Email: %s
Company: %s

%s
`, inquiry.Name, inquiry.Email, inquiry.Company, inquiry.Message)

	return s.send(ctx, Email{
		To:       s.opsInbox,
		Subject:  fmt.Sprintf("Contact inquiry from %s", inquiry.Name),
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
}

// send sends an email via SMTP, respecting context cancellation and the
// package send timeout.
func (s *SMTPService) send(ctx context.Context, email Email) error {
	msg := s.buildMessage(email)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var auth smtp.Auth
	if s.config.Username != "" && s.config.Password != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	// net/smtp has no context support; run the send in a goroutine and
	// abandon it if the context expires first.
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, s.config.From, []string{email.To}, msg)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		s.logger.Error("failed to send email",
			"to", email.To,
			"subject", email.Subject,
			"error", err,
		)
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("email sent",
		"to", email.To,
		"subject", email.Subject,
	)
	return nil
}

// buildMessage constructs the raw email message with headers, a
// multipart/alternative text+HTML body, and optional attachments.
func (s *SMTPService) buildMessage(email Email) []byte {
	var buf bytes.Buffer

	fromHeader := fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	buf.WriteString(fmt.Sprintf("From: %s\r\n", fromHeader))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", email.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")

	mixedBoundary := "===============CASTELLAN_MIXED==============="
	altBoundary := "===============CASTELLAN_ALT==============="

	buf.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=\"%s\"\r\n", mixedBoundary))
	buf.WriteString("\r\n")

	// Body: multipart/alternative with text and HTML parts
	buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n", altBoundary))
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.TextBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s\r\n", altBoundary))
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.HTMLBody)
	buf.WriteString("\r\n")

	buf.WriteString(fmt.Sprintf("--%s--\r\n", altBoundary))

	// Attachments, base64-encoded
	for _, att := range email.Attachments {
		buf.WriteString(fmt.Sprintf("--%s\r\n", mixedBoundary))
		buf.WriteString(fmt.Sprintf("Content-Type: %s\r\n", att.MIMEType))
		buf.WriteString("Content-Transfer-Encoding: base64\r\n")
		buf.WriteString(fmt.Sprintf("Content-Disposition: attachment; filename=\"%s\"\r\n", att.Filename))
		buf.WriteString("\r\n")

		encoded := base64.StdEncoding.EncodeToString(att.Content)
		// RFC 2045 line length limit
		for len(encoded) > 76 {
			buf.WriteString(encoded[:76])
			buf.WriteString("\r\n")
			encoded = encoded[76:]
		}
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}

	buf.WriteString(fmt.Sprintf("--%s--\r\n", mixedBoundary))

	return buf.Bytes()
}

// renderTemplate renders an email template with the given data.
func (s *SMTPService) renderTemplate(name string, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Compile-time interface check
var _ Service = (*SMTPService)(nil)
