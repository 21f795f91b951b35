// Package export renders a session transcript as a PDF document.
package export

import (
	"bytes"
	"fmt"
	"time"

	"multichat_go_backend/internal/models"

	"github.com/jung-kurt/gofpdf"
)

// Transcript renders the session title and its ordered messages into a
// PDF and returns the raw bytes.
func Transcript(session *models.ChatSession, messages []models.Message) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(session.Title, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.MultiCell(0, 8, session.Title, "", "L", false)

	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(120, 120, 120)
	pdf.MultiCell(0, 5, fmt.Sprintf("Exported %s - %d messages", time.Now().Format("2006-01-02 15:04"), len(messages)), "", "L", false)
	pdf.Ln(4)

	for _, message := range messages {
		pdf.SetFont("Helvetica", "B", 10)
		pdf.SetTextColor(0, 0, 0)
		header := message.Role
		if message.ModelUsed != "" {
			header = fmt.Sprintf("%s (%s)", message.Role, message.ModelUsed)
		}
		pdf.MultiCell(0, 6, header, "", "L", false)

		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(40, 40, 40)
		pdf.MultiCell(0, 5, message.Content, "", "L", false)
		pdf.Ln(3)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render transcript: %w", err)
	}
	return buf.Bytes(), nil
}
