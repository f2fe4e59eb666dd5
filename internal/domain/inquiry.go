package domain

import (
	"time"

	"github.com/google/uuid"
)

// InquiryStatus is the triage status of a contact inquiry.
type InquiryStatus string

const (
	InquiryStatusNew       InquiryStatus = "new"
	InquiryStatusResponded InquiryStatus = "responded"
	InquiryStatusArchived  InquiryStatus = "archived"
)

// ContactInquiry is a message submitted through the public contact form,
// triaged by the admin panel.
type ContactInquiry struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Company   string
	Message   string
	Status    InquiryStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}
