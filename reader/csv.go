package reader

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"priceflow/models"
)

// headerAliases maps the column names seen across marketplace exports,
// including the Portuguese variants, onto canonical field names.
var headerAliases = map[string]string{
	"marketplace":     "marketplace",
	"loja":            "marketplace",
	"title":           "title",
	"titulo":          "title",
	"nome":            "title",
	"url":             "url",
	"link":            "url",
	"seller":          "seller",
	"vendedor":        "seller",
	"price":           "raw_price",
	"raw_price":       "raw_price",
	"preco":           "raw_price",
	"valor":           "raw_price",
	"collected_at":    "collected_at",
	"data_coleta":     "collected_at",
	"coletado_em":     "collected_at",
	"availability":    "availability",
	"disponibilidade": "availability",
	"freight":         "freight",
	"frete":           "freight",
	"delivery_days":   "delivery_days",
	"prazo_entrega":   "delivery_days",
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// ParseCSV reads one marketplace CSV export. Header names are matched
// case-insensitively through the alias table; unknown columns are ignored.
// Rows shorter than the header are rejected by the csv reader itself.
func ParseCSV(path, marketplace string, data []byte) ([]models.RawListing, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read csv header: %w", path, err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canon, ok := headerAliases[name]; ok {
			cols[canon] = i
		}
	}
	if _, ok := cols["title"]; !ok {
		return nil, fmt.Errorf("%s: csv has no recognizable title column", path)
	}

	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var listings []models.RawListing
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read csv row: %w", path, err)
		}

		l := models.RawListing{
			Marketplace:  field(row, "marketplace"),
			Title:        field(row, "title"),
			URL:          field(row, "url"),
			Seller:       field(row, "seller"),
			RawPrice:     field(row, "raw_price"),
			Availability: field(row, "availability"),
			SourceFile:   path,
		}
		if l.Marketplace == "" {
			l.Marketplace = marketplace
		}
		if v := field(row, "collected_at"); v != "" {
			if t, ok := parseTime(v); ok {
				l.CollectedAt = t
			}
		}
		if v := field(row, "freight"); v != "" {
			if f, err := decimal.NewFromString(normalizeNumber(v)); err == nil {
				l.Freight = decimal.NewNullDecimal(f)
			}
		}
		if v := field(row, "delivery_days"); v != "" {
			if d, err := strconv.Atoi(v); err == nil {
				l.DeliveryDays = d
			}
		}
		listings = append(listings, l)
	}
	return listings, nil
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// normalizeNumber converts a BR-formatted number ("1.234,56") to the form
// the decimal parser accepts. Plain US numbers pass through.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}
	return s
}
