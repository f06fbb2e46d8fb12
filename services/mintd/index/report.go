package index

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"dailymint/native/subscription"
)

// ReportRow is one settled subscriber in a daily report.
type ReportRow struct {
	Day        uint64
	Seq        uint64
	Subscriber string
	Recipient  string
	Units      uint64
	Cost       string
	Fee        string
	Balance    string
}

// ReportFiles references the artefacts written for one day.
type ReportFiles struct {
	Day         uint64 `json:"day"`
	Rows        int    `json:"rows"`
	CSVPath     string `json:"csv_path"`
	ParquetPath string `json:"parquet_path"`
}

// Reporter writes daily settlement reports from the index into Dir.
type Reporter struct {
	Index *Index
	Dir   string
}

// SettlementRows returns the settled entries recorded for day in emission order.
func (ix *Index) SettlementRows(ctx context.Context, day uint64) ([]ReportRow, error) {
	var records []EventRecord
	err := ix.db.WithContext(ctx).
		Where("type = ? AND day = ?", subscription.EventTypeSettled, day).
		Order("seq ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	rows := make([]ReportRow, 0, len(records))
	for _, record := range records {
		evt, err := record.Decode()
		if err != nil {
			return nil, fmt.Errorf("index: decode event %d: %w", record.Seq, err)
		}
		units, err := parseUint(evt.Attr("units"))
		if err != nil {
			return nil, err
		}
		rows = append(rows, ReportRow{
			Day:        day,
			Seq:        record.Seq,
			Subscriber: evt.Attr("subscriber"),
			Recipient:  evt.Attr("recipient"),
			Units:      units,
			Cost:       evt.Attr("cost"),
			Fee:        evt.Attr("fee"),
			Balance:    evt.Attr("balance"),
		})
	}
	return rows, nil
}

// WriteDailyReport writes settlements-<day>.csv and .parquet. A day with no
// settled entries still produces both files with headers only.
func (r Reporter) WriteDailyReport(ctx context.Context, day uint64) (*ReportFiles, error) {
	if r.Index == nil || r.Dir == "" {
		return nil, fmt.Errorf("index: reporter not configured")
	}
	rows, err := r.Index.SettlementRows(ctx, day)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("index: create report dir: %w", err)
	}
	base := filepath.Join(r.Dir, fmt.Sprintf("settlements-%06d", day))
	files := &ReportFiles{Day: day, Rows: len(rows), CSVPath: base + ".csv", ParquetPath: base + ".parquet"}
	if err := writeCSV(files.CSVPath, rows); err != nil {
		return nil, err
	}
	if err := writeParquet(files.ParquetPath, rows); err != nil {
		return nil, err
	}
	r.Index.logger.Info("settlement report written", "day", day, "rows", len(rows), "csv", files.CSVPath, "parquet", files.ParquetPath)
	return files, nil
}

var reportHeader = []string{"day", "seq", "subscriber", "recipient", "units", "cost", "fee", "balance"}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(reportHeader); err != nil {
		return fmt.Errorf("index: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.Day, 10),
			strconv.FormatUint(row.Seq, 10),
			row.Subscriber,
			row.Recipient,
			strconv.FormatUint(row.Units, 10),
			row.Cost,
			row.Fee,
			row.Balance,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("index: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("index: flush csv: %w", err)
	}
	return nil
}

// Amounts stay decimal strings; they can exceed every native parquet numeric.
type parquetRow struct {
	Day        int64  `parquet:"name=day, type=INT64"`
	Seq        int64  `parquet:"name=seq, type=INT64"`
	Subscriber string `parquet:"name=subscriber, type=BYTE_ARRAY, convertedtype=UTF8"`
	Recipient  string `parquet:"name=recipient, type=BYTE_ARRAY, convertedtype=UTF8"`
	Units      int64  `parquet:"name=units, type=INT64"`
	Cost       string `parquet:"name=cost, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee        string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Balance    string `parquet:"name=balance, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("index: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("index: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			Day:        int64(row.Day),
			Seq:        int64(row.Seq),
			Subscriber: row.Subscriber,
			Recipient:  row.Recipient,
			Units:      int64(row.Units),
			Cost:       row.Cost,
			Fee:        row.Fee,
			Balance:    row.Balance,
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			file.Close()
			return fmt.Errorf("index: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("index: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("index: close parquet file: %w", err)
	}
	return nil
}
