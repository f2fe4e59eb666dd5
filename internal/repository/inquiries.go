package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

const inquiryColumns = `id, name, email, company, message, status, created_at, updated_at`

func scanInquiry(row interface{ Scan(...interface{}) error }) (ContactInquiry, error) {
	var i ContactInquiry
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Email,
		&i.Company,
		&i.Message,
		&i.Status,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

// CreateContactInquiryParams are the fields captured from the contact form.
type CreateContactInquiryParams struct {
	Name    string
	Email   string
	Company sql.NullString
	Message string
}

// CreateContactInquiry inserts a new contact inquiry with status 'new'.
func (q *Queries) CreateContactInquiry(ctx context.Context, arg CreateContactInquiryParams) (ContactInquiry, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO contact_inquiries (name, email, company, message)
		VALUES ($1, $2, $3, $4)
		RETURNING `+inquiryColumns,
		arg.Name, arg.Email, arg.Company, arg.Message)
	return scanInquiry(row)
}

// GetContactInquiryByID retrieves an inquiry by primary key.
func (q *Queries) GetContactInquiryByID(ctx context.Context, id uuid.UUID) (ContactInquiry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+inquiryColumns+` FROM contact_inquiries WHERE id = $1`, id)
	return scanInquiry(row)
}

// ListContactInquiriesParams filters and pages the admin inquiry list.
type ListContactInquiriesParams struct {
	Status string // empty means all statuses
	Limit  int32
	Offset int32
}

// ListContactInquiries returns one page of inquiries, newest first.
func (q *Queries) ListContactInquiries(ctx context.Context, arg ListContactInquiriesParams) ([]ContactInquiry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+inquiryColumns+` FROM contact_inquiries
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		arg.Status, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inquiries []ContactInquiry
	for rows.Next() {
		i, err := scanInquiry(rows)
		if err != nil {
			return nil, err
		}
		inquiries = append(inquiries, i)
	}
	return inquiries, rows.Err()
}

// CountContactInquiries returns the unpaged total for the same filter.
func (q *Queries) CountContactInquiries(ctx context.Context, status string) (int64, error) {
	var total int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contact_inquiries WHERE ($1 = '' OR status = $1)`,
		status).Scan(&total)
	return total, err
}

// UpdateContactInquiryStatusParams applies an admin triage update.
type UpdateContactInquiryStatusParams struct {
	ID     uuid.UUID
	Status string
}

// UpdateContactInquiryStatus updates an inquiry's triage status.
func (q *Queries) UpdateContactInquiryStatus(ctx context.Context, arg UpdateContactInquiryStatusParams) (ContactInquiry, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE contact_inquiries
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+inquiryColumns,
		arg.ID, arg.Status)
	return scanInquiry(row)
}
