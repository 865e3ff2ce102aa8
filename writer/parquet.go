package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "priceflow/config"
	"priceflow/logger"
	"priceflow/models"
)

// DailyRecord is the parquet row layout for exported daily aggregates.
// Prices travel as strings to keep decimal exactness end to end.
type DailyRecord struct {
	SkuKey   string `parquet:"name=sku_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date     string `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompP10  string `parquet:"name=comp_p10, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompP50  string `parquet:"name=comp_p50, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompP90  string `parquet:"name=comp_p90, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompMin  string `parquet:"name=comp_min, type=BYTE_ARRAY, convertedtype=UTF8"`
	CompMax  string `parquet:"name=comp_max, type=BYTE_ARRAY, convertedtype=UTF8"`
	NPriced  int32  `parquet:"name=n_priced, type=INT32"`
	Filtered int32  `parquet:"name=filtered, type=INT32"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer
// so files can be assembled in memory before hitting disk or S3.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) { return mfw.buffer.Read(b) }

func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }

func (mfw *memoryFileWriter) Close() error { return nil }

func (mfw *memoryFileWriter) Bytes() []byte { return mfw.buffer.Bytes() }

// ParquetExporter writes one parquet file per calendar day of daily
// aggregates under a date-partitioned directory layout, and mirrors each
// file to S3 when an uploader is attached.
type ParquetExporter struct {
	config   *appconfig.Config
	uploader *S3Uploader
	log      *logger.Log
}

func NewParquetExporter(cfg *appconfig.Config, uploader *S3Uploader) *ParquetExporter {
	return &ParquetExporter{
		config:   cfg,
		uploader: uploader,
		log:      logger.GetLogger(),
	}
}

// Export writes the dailies grouped by date and returns the relative keys
// written. The export is additive: existing files for other runs are left
// alone, same-day re-exports overwrite.
func (e *ParquetExporter) Export(ctx context.Context, dailies []models.DailyAggregate) ([]string, error) {
	if len(dailies) == 0 {
		return nil, nil
	}

	byDate := make(map[string][]models.DailyAggregate)
	for _, d := range dailies {
		byDate[d.Date] = append(byDate[d.Date], d)
	}

	var keys []string
	for date, rows := range byDate {
		key := e.partitionKey(date)
		data, err := e.createParquetFile(rows)
		if err != nil {
			return keys, fmt.Errorf("failed to build parquet for %s: %w", date, err)
		}

		path := filepath.Join(e.config.Storage.Parquet.Dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return keys, fmt.Errorf("failed to create export directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return keys, fmt.Errorf("failed to write parquet file: %w", err)
		}
		logger.IncrementExportWrites(int64(len(data)))

		if e.uploader != nil {
			if err := e.uploader.Upload(ctx, key, data); err != nil {
				return keys, err
			}
		}

		e.log.WithComponent("parquet_exporter").WithFields(logger.Fields{
			"date": date,
			"rows": len(rows),
			"file": path,
			"size": len(data),
		}).Info("daily aggregates exported")
		keys = append(keys, key)
	}
	return keys, nil
}

func (e *ParquetExporter) partitionKey(date string) string {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		t = time.Now().UTC()
	}

	timeFormat := e.config.Storage.Parquet.TimeFormat
	if timeFormat == "" {
		timeFormat = "date={year}-{month}-{day}"
	}
	timePath := strings.ReplaceAll(timeFormat, "{year}", fmt.Sprintf("%04d", t.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", t.Month()))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", t.Day()))

	filename := fmt.Sprintf("daily_aggregates_%s.parquet", uuid.New().String())
	return filepath.ToSlash(filepath.Join(timePath, filename))
}

func (e *ParquetExporter) createParquetFile(rows []models.DailyAggregate) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(DailyRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, d := range rows {
		record := DailyRecord{
			SkuKey:   string(d.Key),
			Date:     d.Date,
			CompP10:  d.CompP10.String(),
			CompP50:  d.CompP50.String(),
			CompP90:  d.CompP90.String(),
			CompMin:  d.CompMin.String(),
			CompMax:  d.CompMax.String(),
			NPriced:  int32(d.NPriced),
			Filtered: int32(d.Filtered),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}
