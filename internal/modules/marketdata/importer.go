package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
)

// csvHeader is the required column order of bar CSV files.
var csvHeader = []string{"symbol", "timestamp", "open", "high", "low", "close", "volume"}

// parquetBar is the Parquet row layout. Timestamp is Unix milliseconds.
type parquetBar struct {
	Symbol    string  `parquet:"symbol"`
	Timestamp int64   `parquet:"timestamp"`
	Open      float64 `parquet:"open"`
	High      float64 `parquet:"high"`
	Low       float64 `parquet:"low"`
	Close     float64 `parquet:"close"`
	Volume    float64 `parquet:"volume"`
}

// ReadCSV parses bars from CSV with a symbol,timestamp,open,high,low,close,volume header.
// Timestamps are RFC 3339, YYYY-MM-DD or Unix seconds.
func ReadCSV(r io.Reader) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, domain.NewValidationError("csv", "empty file")
		}
		return nil, domain.NewValidationError("csv", err.Error())
	}
	for i, col := range csvHeader {
		if !strings.EqualFold(strings.TrimSpace(header[i]), col) {
			return nil, domain.NewValidationError("csv", fmt.Sprintf("column %d must be %q", i+1, col))
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, domain.NewValidationError("csv", err.Error())
		}
		b, err := parseRecord(rec)
		if err != nil {
			return nil, domain.NewValidationError("csv", fmt.Sprintf("line %d: %v", line, err))
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRecord(rec []string) (domain.Bar, error) {
	ts, err := parseTimestamp(rec[1])
	if err != nil {
		return domain.Bar{}, err
	}
	var vals [5]float64
	for i := range vals {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[i+2]), 64)
		if err != nil {
			return domain.Bar{}, fmt.Errorf("column %s: %w", csvHeader[i+2], err)
		}
		vals[i] = v
	}
	return domain.Bar{
		Symbol:    strings.ToUpper(strings.TrimSpace(rec[0])),
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// WriteCSV writes bars in the format ReadCSV accepts.
func WriteCSV(w io.Writer, bars []domain.Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		rec := []string{
			b.Symbol,
			b.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(b.Open, 'f', -1, 64),
			strconv.FormatFloat(b.High, 'f', -1, 64),
			strconv.FormatFloat(b.Low, 'f', -1, 64),
			strconv.FormatFloat(b.Close, 'f', -1, 64),
			strconv.FormatFloat(b.Volume, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadParquet parses bars from a Parquet file.
func ReadParquet(r io.ReaderAt, size int64) ([]domain.Bar, error) {
	rows, err := parquet.Read[parquetBar](r, size)
	if err != nil {
		return nil, domain.NewValidationError("parquet", err.Error())
	}
	bars := make([]domain.Bar, len(rows))
	for i, row := range rows {
		bars[i] = domain.Bar{
			Symbol:    strings.ToUpper(row.Symbol),
			Timestamp: time.UnixMilli(row.Timestamp).UTC(),
			Open:      row.Open,
			High:      row.High,
			Low:       row.Low,
			Close:     row.Close,
			Volume:    row.Volume,
		}
	}
	return bars, nil
}

// WriteParquet writes bars in the layout ReadParquet accepts.
func WriteParquet(w io.Writer, bars []domain.Bar) error {
	rows := make([]parquetBar, len(bars))
	for i, b := range bars {
		rows[i] = parquetBar{
			Symbol:    b.Symbol,
			Timestamp: b.Timestamp.UnixMilli(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		}
	}
	return parquet.Write(w, rows)
}

// ImportResult describes one import.
type ImportResult struct {
	Bars    int      `json:"bars"`
	Symbols []string `json:"symbols"`
}

// Importer loads bar files into the repositories.
type Importer struct {
	bars    *BarRepository
	symbols *SymbolRepository
	log     zerolog.Logger
}

// NewImporter creates an importer.
func NewImporter(bars *BarRepository, symbols *SymbolRepository, log zerolog.Logger) *Importer {
	return &Importer{bars: bars, symbols: symbols, log: log.With().Str("component", "bar_importer").Logger()}
}

// ImportFile imports a .csv or .parquet file and tags its symbols with asset.
func (im *Importer) ImportFile(ctx context.Context, path string, asset domain.AssetClass) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var bars []domain.Bar
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		bars, err = ReadCSV(f)
	case ".parquet":
		var info os.FileInfo
		if info, err = f.Stat(); err == nil {
			bars, err = ReadParquet(f, info.Size())
		}
	default:
		return nil, domain.NewValidationError("file", fmt.Sprintf("unsupported extension %q", ext))
	}
	if err != nil {
		return nil, err
	}

	res, err := im.Import(ctx, bars, asset)
	if err != nil {
		return nil, err
	}
	im.log.Info().Str("path", path).Int("bars", res.Bars).Strs("symbols", res.Symbols).Msg("Bars imported")
	return res, nil
}

// Import stores bars and tags their symbols with asset. An empty asset leaves
// existing symbol metadata untouched.
func (im *Importer) Import(ctx context.Context, bars []domain.Bar, asset domain.AssetClass) (*ImportResult, error) {
	n, err := im.bars.Upsert(ctx, bars)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, b := range bars {
		if !seen[b.Symbol] {
			seen[b.Symbol] = true
			symbols = append(symbols, b.Symbol)
		}
	}
	if asset != "" {
		for _, s := range symbols {
			if err := im.symbols.Upsert(ctx, s, asset, ""); err != nil {
				return nil, err
			}
		}
	}
	return &ImportResult{Bars: n, Symbols: symbols}, nil
}
