package reader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"priceflow/models"
)

// flexString absorbs fields that some exports write as JSON numbers and
// others as strings.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

type jsonListing struct {
	Marketplace  string     `json:"marketplace"`
	Title        string     `json:"title"`
	URL          string     `json:"url"`
	Seller       string     `json:"seller"`
	Price        flexString `json:"price"`
	RawPrice     flexString `json:"raw_price"`
	CollectedAt  string     `json:"collected_at"`
	Availability string     `json:"availability"`
	Freight      flexString `json:"freight"`
	DeliveryDays int        `json:"delivery_days"`
}

// ParseJSON reads a listing artifact that is either a single JSON array or
// one JSON object per line. The two forms are distinguished by the first
// non-space byte.
func ParseJSON(path, marketplace string, data []byte) ([]models.RawListing, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var rows []jsonListing
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &rows); err != nil {
			return nil, fmt.Errorf("%s: failed to parse json array: %w", path, err)
		}
	} else {
		sc := bufio.NewScanner(bytes.NewReader(trimmed))
		sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := strings.TrimSpace(sc.Text())
			if text == "" {
				continue
			}
			var row jsonListing
			if err := json.Unmarshal([]byte(text), &row); err != nil {
				return nil, fmt.Errorf("%s:%d: failed to parse json line: %w", path, line, err)
			}
			rows = append(rows, row)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("%s: failed to scan json lines: %w", path, err)
		}
	}

	listings := make([]models.RawListing, 0, len(rows))
	for _, row := range rows {
		l := models.RawListing{
			Marketplace:  row.Marketplace,
			Title:        row.Title,
			URL:          row.URL,
			Seller:       row.Seller,
			RawPrice:     string(row.RawPrice),
			Availability: row.Availability,
			DeliveryDays: row.DeliveryDays,
			SourceFile:   path,
		}
		if l.RawPrice == "" {
			l.RawPrice = string(row.Price)
		}
		if l.Marketplace == "" {
			l.Marketplace = marketplace
		}
		if row.CollectedAt != "" {
			if t, ok := parseTime(row.CollectedAt); ok {
				l.CollectedAt = t
			}
		}
		if row.Freight != "" {
			if f, err := decimal.NewFromString(normalizeNumber(string(row.Freight))); err == nil {
				l.Freight = decimal.NewNullDecimal(f)
			}
		}
		listings = append(listings, l)
	}
	return listings, nil
}
