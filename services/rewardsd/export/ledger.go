package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"rewardledger/services/rewardsd/models"
)

// ErrInvalidWindow is returned when the export window is empty or inverted.
var ErrInvalidWindow = errors.New("export: window end must be after start")

const fileTimeLayout = "20060102T150405Z"

// Config controls where and how ledger exports are written.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	DryRun    bool
	Logger    *slog.Logger
}

// Window bounds the rows exported, start inclusive and end exclusive.
type Window struct {
	Start time.Time
	End   time.Time
}

// Files reports the rows exported and the paths written. Paths are empty in
// dry-run mode.
type Files struct {
	Dir               string
	CommissionRows    int
	ExpiryRows        int
	CommissionCSV     string
	CommissionParquet string
	ExpiryCSV         string
	ExpiryParquet     string
}

// Exporter writes commission and expiry ledgers for external reporting.
type Exporter struct {
	db        *gorm.DB
	outputDir string
	dryRun    bool
	logger    *slog.Logger
}

// NewExporter validates the config and constructs an exporter.
func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("export: database handle required")
	}
	if cfg.OutputDir == "" && !cfg.DryRun {
		return nil, fmt.Errorf("export: output directory required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{db: cfg.DB, outputDir: cfg.OutputDir, dryRun: cfg.DryRun, logger: logger}, nil
}

// Run exports every commission entry and expiry log entry recorded inside the window.
func (e *Exporter) Run(ctx context.Context, window Window) (*Files, error) {
	start, end := window.Start.UTC(), window.End.UTC()
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	db := e.db.WithContext(ctx)

	var commissions []models.CommissionEntry
	if err := db.Where("created_at >= ? AND created_at < ?", start, end).
		Order("created_at ASC, tier ASC").
		Find(&commissions).Error; err != nil {
		return nil, fmt.Errorf("export: load commissions: %w", err)
	}
	var expiries []models.ExpiryLogEntry
	if err := db.Where("timestamp >= ? AND timestamp < ?", start, end).
		Order("timestamp ASC").
		Find(&expiries).Error; err != nil {
		return nil, fmt.Errorf("export: load expiry log: %w", err)
	}

	files := &Files{CommissionRows: len(commissions), ExpiryRows: len(expiries)}
	if e.dryRun {
		e.logger.InfoContext(ctx, "ledger export dry run",
			slog.Time("start", start),
			slog.Time("end", end),
			slog.Int("commission_rows", files.CommissionRows),
			slog.Int("expiry_rows", files.ExpiryRows))
		return files, nil
	}

	files.Dir = filepath.Join(e.outputDir, fmt.Sprintf("%s_%s", start.Format(fileTimeLayout), end.Format(fileTimeLayout)))
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("export: create output dir: %w", err)
	}
	// Only a complete set is renamed into place.
	staging, err := os.MkdirTemp(e.outputDir, ".export-")
	if err != nil {
		return nil, fmt.Errorf("export: create staging dir: %w", err)
	}
	if err := writeLedgerFiles(staging, commissions, expiries); err != nil {
		os.RemoveAll(staging)
		return nil, err
	}
	if err := os.RemoveAll(files.Dir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("export: replace previous export: %w", err)
	}
	if err := os.Rename(staging, files.Dir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("export: publish export: %w", err)
	}
	files.CommissionCSV = filepath.Join(files.Dir, commissionCSVName)
	files.CommissionParquet = filepath.Join(files.Dir, commissionParquetName)
	files.ExpiryCSV = filepath.Join(files.Dir, expiryCSVName)
	files.ExpiryParquet = filepath.Join(files.Dir, expiryParquetName)

	e.logger.InfoContext(ctx, "ledger export written",
		slog.String("dir", files.Dir),
		slog.Int("commission_rows", files.CommissionRows),
		slog.Int("expiry_rows", files.ExpiryRows))
	return files, nil
}

const (
	commissionCSVName     = "commissions.csv"
	commissionParquetName = "commissions.parquet"
	expiryCSVName         = "expiries.csv"
	expiryParquetName     = "expiries.parquet"
)

func writeLedgerFiles(dir string, commissions []models.CommissionEntry, expiries []models.ExpiryLogEntry) error {
	if err := writeCSV(filepath.Join(dir, commissionCSVName), commissionHeader, commissionRecords(commissions)); err != nil {
		return err
	}
	if err := writeParquet(filepath.Join(dir, commissionParquetName), new(commissionParquetRow), commissionParquetRows(commissions)); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(dir, expiryCSVName), expiryHeader, expiryRecords(expiries)); err != nil {
		return err
	}
	return writeParquet(filepath.Join(dir, expiryParquetName), new(expiryParquetRow), expiryParquetRows(expiries))
}

var commissionHeader = []string{"entry_id", "purchase_id", "tier", "payer_id", "receiver_id", "amount", "created_at"}

var expiryHeader = []string{"entry_id", "batch_id", "owner_id", "timestamp", "reason"}

func commissionRecords(entries []models.CommissionEntry) [][]string {
	records := make([][]string, 0, len(entries))
	for _, entry := range entries {
		records = append(records, []string{
			entry.ID.String(),
			entry.PurchaseID.String(),
			fmt.Sprintf("%d", entry.Tier),
			entry.PayerID,
			entry.ReceiverID,
			entry.Amount.StringFixed(2),
			entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return records
}

func expiryRecords(entries []models.ExpiryLogEntry) [][]string {
	records := make([][]string, 0, len(entries))
	for _, entry := range entries {
		records = append(records, []string{
			entry.ID.String(),
			entry.BatchID.String(),
			entry.OwnerID,
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.Reason,
		})
	}
	return records
}

func writeCSV(path string, header []string, records [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	w := csv.NewWriter(file)
	if err := w.Write(header); err != nil {
		file.Close()
		return fmt.Errorf("export: write csv header: %w", err)
	}
	if err := w.WriteAll(records); err != nil {
		file.Close()
		return fmt.Errorf("export: write csv rows: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close csv file: %w", err)
	}
	return nil
}

type commissionParquetRow struct {
	EntryID    string `parquet:"name=entry_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	PurchaseID string `parquet:"name=purchase_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Tier       int32  `parquet:"name=tier, type=INT32"`
	PayerID    string `parquet:"name=payer_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	ReceiverID string `parquet:"name=receiver_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Amount     string `parquet:"name=amount, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

type expiryParquetRow struct {
	EntryID   string `parquet:"name=entry_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	BatchID   string `parquet:"name=batch_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	OwnerID   string `parquet:"name=owner_id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Timestamp string `parquet:"name=timestamp, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Reason    string `parquet:"name=reason, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

func commissionParquetRows(entries []models.CommissionEntry) []interface{} {
	rows := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, &commissionParquetRow{
			EntryID:    entry.ID.String(),
			PurchaseID: entry.PurchaseID.String(),
			Tier:       int32(entry.Tier),
			PayerID:    entry.PayerID,
			ReceiverID: entry.ReceiverID,
			Amount:     entry.Amount.StringFixed(2),
			CreatedAt:  entry.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

func expiryParquetRows(entries []models.ExpiryLogEntry) []interface{} {
	rows := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, &expiryParquetRow{
			EntryID:   entry.ID.String(),
			BatchID:   entry.BatchID.String(),
			OwnerID:   entry.OwnerID,
			Timestamp: entry.Timestamp.UTC().Format(time.RFC3339),
			Reason:    entry.Reason,
		})
	}
	return rows
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("export: close parquet file: %w", err)
	}
	return nil
}
