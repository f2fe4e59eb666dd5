// Package invoice generates PDF invoices for paid purchases.
//
// Generation is a pure function of a Subscription snapshot: no I/O, no
// persistence. The resulting document is handed to the email service as an
// attachment and never stored.
package invoice

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/castellan-sec/castellan/internal/domain"
)

// Document is a generated invoice ready to be attached to an email.
type Document struct {
	Content  []byte
	Filename string
	MIMEType string
}

// Generator renders invoices as PDF documents.
type Generator struct {
	companyName    string
	companyAddress string

	// Page dimensions (A4 in mm)
	margin       float64
	contentWidth float64
}

// NewGenerator creates an invoice generator branded with the given company
// details.
func NewGenerator(companyName, companyAddress string) *Generator {
	margin := 15.0
	pageWidth := 210.0 // A4 width in mm
	return &Generator{
		companyName:    companyName,
		companyAddress: companyAddress,
		margin:         margin,
		contentWidth:   pageWidth - (2 * margin),
	}
}

// Generate renders an invoice PDF for the given subscription.
func (g *Generator) Generate(sub *domain.Subscription) (*Document, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Invoice "+invoiceNumber(sub), true)
	pdf.SetAuthor(g.companyName, true)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	g.addHeader(pdf, sub)
	g.addBillTo(pdf, sub)
	g.addLineItems(pdf, sub)
	g.addTotals(pdf, sub)
	g.addFooter(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render invoice pdf: %w", err)
	}

	return &Document{
		Content:  buf.Bytes(),
		Filename: fmt.Sprintf("invoice-%s.pdf", invoiceNumber(sub)),
		MIMEType: "application/pdf",
	}, nil
}

// invoiceNumber derives a short human-readable invoice reference from the
// subscription id.
func invoiceNumber(sub *domain.Subscription) string {
	id := strings.ReplaceAll(sub.ID.String(), "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return strings.ToUpper(id)
}

func (g *Generator) addHeader(pdf *fpdf.Fpdf, sub *domain.Subscription) {
	pdf.SetFont("Helvetica", "B", 20)
	pdf.CellFormat(g.contentWidth/2, 10, g.companyName, "", 0, "L", false, 0, "")

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(g.contentWidth/2, 10, "INVOICE", "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(g.contentWidth/2, 5, g.companyAddress, "", 0, "L", false, 0, "")
	pdf.CellFormat(g.contentWidth/2, 5, "Invoice #: "+invoiceNumber(sub), "", 1, "R", false, 0, "")
	pdf.CellFormat(g.contentWidth/2, 5, "", "", 0, "L", false, 0, "")
	pdf.CellFormat(g.contentWidth/2, 5, "Date: "+time.Now().Format("January 2, 2006"), "", 1, "R", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(8)
}

func (g *Generator) addBillTo(pdf *fpdf.Fpdf, sub *domain.Subscription) {
	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(g.contentWidth, 6, "BILL TO", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(g.contentWidth, 5, sub.Customer.DisplayName(), "", 1, "L", false, 0, "")
	if sub.Customer.Company != "" {
		pdf.CellFormat(g.contentWidth, 5, sub.Customer.Company, "", 1, "L", false, 0, "")
	}
	pdf.CellFormat(g.contentWidth, 5, sub.Customer.Email, "", 1, "L", false, 0, "")
	pdf.Ln(8)
}

func (g *Generator) addLineItems(pdf *fpdf.Fpdf, sub *domain.Subscription) {
	// Column widths: description, employees, amount
	descW := g.contentWidth * 0.55
	empW := g.contentWidth * 0.20
	amtW := g.contentWidth * 0.25

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetFillColor(240, 240, 240)
	pdf.CellFormat(descW, 8, "Description", "1", 0, "L", true, 0, "")
	pdf.CellFormat(empW, 8, "Employees", "1", 0, "C", true, 0, "")
	pdf.CellFormat(amtW, 8, "Amount", "1", 1, "R", true, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, line := range sub.Plans {
		desc := line.Title
		if sub.PlanType == domain.PlanTypeOngoing {
			desc += " (monthly)"
		}
		pdf.CellFormat(descW, 8, desc, "1", 0, "L", false, 0, "")
		pdf.CellFormat(empW, 8, fmt.Sprintf("%d", line.EmployeeCount), "1", 0, "C", false, 0, "")
		pdf.CellFormat(amtW, 8, fmt.Sprintf("$%.2f", line.Price), "1", 1, "R", false, 0, "")
	}
	pdf.Ln(4)
}

func (g *Generator) addTotals(pdf *fpdf.Fpdf, sub *domain.Subscription) {
	labelW := g.contentWidth * 0.75
	valueW := g.contentWidth * 0.25

	pdf.SetFont("Helvetica", "", 10)
	pdf.CellFormat(labelW, 6, "Subtotal", "", 0, "R", false, 0, "")
	pdf.CellFormat(valueW, 6, fmt.Sprintf("$%.2f", sub.TotalPrice), "", 1, "R", false, 0, "")

	// Tax is not calculated by this system.
	pdf.CellFormat(labelW, 6, "Tax", "", 0, "R", false, 0, "")
	pdf.CellFormat(valueW, 6, "$0.00", "", 1, "R", false, 0, "")

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(labelW, 8, "Total", "", 0, "R", false, 0, "")
	pdf.CellFormat(valueW, 8, fmt.Sprintf("$%.2f", sub.TotalPrice), "", 1, "R", false, 0, "")
}

func (g *Generator) addFooter(pdf *fpdf.Fpdf) {
	pdf.Ln(12)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.SetTextColor(100, 100, 100)
	pdf.CellFormat(g.contentWidth, 5, "Thank you for your business.", "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
}
