package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"ledgercal/internal/database"
)

const auditSheet = "Audit Trail"

// Exporter writes audit trail snapshots as xlsx files for compliance
// reviews. Files land in the configured export directory.
type Exporter struct {
	db     *database.DB
	path   string
	logger zerolog.Logger
}

func NewExporter(db *database.DB, path string, logger *zerolog.Logger) *Exporter {
	return &Exporter{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "export").Logger(),
	}
}

// AuditTrail exports up to limit newest audit records for a user and
// returns the written file path.
func (e *Exporter) AuditTrail(ctx context.Context, userID int64, limit int) (string, error) {
	if limit <= 0 {
		limit = 1000
	}
	records, err := e.db.ListAuditRecords(ctx, userID, limit)
	if err != nil {
		return "", fmt.Errorf("load audit records: %w", err)
	}

	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(auditSheet)
	if err != nil {
		return "", fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{"ID", "Time", "Action", "Internal ID", "External ID", "Success", "Error", "Details"}
	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(auditSheet, cell, header)
		_ = f.SetCellStyle(auditSheet, cell, cell, headerStyle)
	}

	for i, rec := range records {
		row := i + 2
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("A%d", row), rec.ID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("B%d", row), rec.CreatedAt.Format("2006-01-02 15:04:05"))
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("C%d", row), rec.Action)
		if rec.InternalID != nil {
			_ = f.SetCellValue(auditSheet, fmt.Sprintf("D%d", row), *rec.InternalID)
		}
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("E%d", row), rec.ExternalID)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("F%d", row), boolToYesNo(rec.Success))
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("G%d", row), rec.Error)
		_ = f.SetCellValue(auditSheet, fmt.Sprintf("H%d", row), rec.Details)
	}

	_ = f.SetColWidth(auditSheet, "A", "A", 8)
	_ = f.SetColWidth(auditSheet, "B", "B", 20)
	_ = f.SetColWidth(auditSheet, "C", "C", 18)
	_ = f.SetColWidth(auditSheet, "D", "E", 16)
	_ = f.SetColWidth(auditSheet, "F", "F", 8)
	_ = f.SetColWidth(auditSheet, "G", "H", 40)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("audit_%d_%s.xlsx", userID, time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("save export file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("records", len(records)).Msg("audit export written")
	return filePath, nil
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
