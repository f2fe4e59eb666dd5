package service

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/castellan-sec/castellan/internal/domain"
)

func TestInquiryService_Create(t *testing.T) {
	store := &fakeInquiryStore{}
	emails := &fakeEmail{}
	svc := NewInquiryService(store, emails, testLogger())

	inquiry, err := svc.Create(context.Background(), CreateInquiryParams{
		Name:    "Grace Hopper",
		Email:   "grace@example.com",
		Company: "Navy",
		Message: "We need a compliance assessment before Q4.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inquiry.Status != domain.InquiryStatusNew {
		t.Errorf("status = %q, want new", inquiry.Status)
	}
	if kinds := emails.kinds(); len(kinds) != 1 || kinds[0] != "inquiry" {
		t.Errorf("notifications = %v, want [inquiry]", kinds)
	}
}

func TestInquiryService_Create_RejectsIncompleteSubmission(t *testing.T) {
	store := &fakeInquiryStore{}
	svc := NewInquiryService(store, &fakeEmail{}, testLogger())

	tests := []struct {
		name   string
		params CreateInquiryParams
	}{
		{"missing name", CreateInquiryParams{Email: "a@b.com", Message: "hi"}},
		{"missing email", CreateInquiryParams{Name: "A", Message: "hi"}},
		{"bad email", CreateInquiryParams{Name: "A", Email: "nope", Message: "hi"}},
		{"missing message", CreateInquiryParams{Name: "A", Email: "a@b.com"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.params)
			requireErrorCode(t, err, domain.EINVALID)
		})
	}
	if len(store.rows) != 0 {
		t.Error("invalid submissions were persisted")
	}
}

func TestInquiryService_Create_NotificationFailureTolerated(t *testing.T) {
	store := &fakeInquiryStore{}
	emails := &fakeEmail{failKinds: map[string]bool{"inquiry": true}}
	svc := NewInquiryService(store, emails, testLogger())

	inquiry, err := svc.Create(context.Background(), CreateInquiryParams{
		Name:    "Grace Hopper",
		Email:   "grace@example.com",
		Message: "Hello",
	})
	if err != nil {
		t.Fatalf("persisted inquiry must not fail on notification: %v", err)
	}
	if inquiry == nil || len(store.rows) != 1 {
		t.Fatal("inquiry not persisted")
	}
}

func TestInquiryService_UpdateStatus(t *testing.T) {
	store := &fakeInquiryStore{}
	svc := NewInquiryService(store, &fakeEmail{}, testLogger())

	created, err := svc.Create(context.Background(), CreateInquiryParams{
		Name:    "Grace Hopper",
		Email:   "grace@example.com",
		Message: "Hello",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.UpdateStatus(context.Background(), created.ID, domain.InquiryStatusResponded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Status != domain.InquiryStatusResponded {
		t.Errorf("status = %q, want responded", updated.Status)
	}

	_, err = svc.UpdateStatus(context.Background(), created.ID, domain.InquiryStatus("spam"))
	requireErrorCode(t, err, domain.EINVALID)

	_, err = svc.UpdateStatus(context.Background(), uuid.New(), domain.InquiryStatusArchived)
	requireErrorCode(t, err, domain.ENOTFOUND)
}

func TestInquiryService_List(t *testing.T) {
	store := &fakeInquiryStore{}
	svc := NewInquiryService(store, &fakeEmail{}, testLogger())

	for _, msg := range []string{"one", "two", "three"} {
		if _, err := svc.Create(context.Background(), CreateInquiryParams{
			Name:    "A",
			Email:   "a@b.com",
			Message: msg,
		}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	inquiries, total, err := svc.List(context.Background(), "", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 3 || len(inquiries) != 3 {
		t.Errorf("total/len = %d/%d, want 3/3", total, len(inquiries))
	}

	_, total, err = svc.List(context.Background(), domain.InquiryStatusResponded, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 {
		t.Errorf("responded total = %d, want 0", total)
	}
}
