package reader

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"priceflow/logger"
	"priceflow/models"
)

var internalAliases = map[string]string{
	"sku_key":     "sku_key",
	"key":         "sku_key",
	"date":        "date",
	"data":        "date",
	"cost_price":  "cost_price",
	"custo":       "cost_price",
	"sale_price":  "sale_price",
	"preco_venda": "sale_price",
	"stock":       "stock",
	"estoque":     "stock",
}

// LoadInternalCSV reads the internal cost/stock export. An empty path is
// valid: suggestions then run without cost verification.
func LoadInternalCSV(path string) ([]models.InternalRecord, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open internal data: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read header: %w", path, err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canon, ok := internalAliases[name]; ok {
			cols[canon] = i
		}
	}
	if _, ok := cols["sku_key"]; !ok {
		return nil, fmt.Errorf("%s: no sku_key column", path)
	}

	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	var records []models.InternalRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read row: %w", path, err)
		}
		rec := models.InternalRecord{
			Key:  models.CanonicalKey(field(row, "sku_key")),
			Date: field(row, "date"),
		}
		if v := field(row, "cost_price"); v != "" {
			if d, err := decimal.NewFromString(normalizeNumber(v)); err == nil {
				rec.CostPrice = decimal.NewNullDecimal(d)
			}
		}
		if v := field(row, "sale_price"); v != "" {
			if d, err := decimal.NewFromString(normalizeNumber(v)); err == nil {
				rec.SalePrice = decimal.NewNullDecimal(d)
			}
		}
		if v := field(row, "stock"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				rec.Stock = n
			}
		}
		records = append(records, rec)
	}

	logger.GetLogger().WithComponent("internal_loader").WithFields(logger.Fields{
		"file":    path,
		"records": len(records),
	}).Info("internal data loaded")
	return records, nil
}

// LoadDemandJSON reads the external demand/elasticity estimates, either a
// JSON array or one object per line.
func LoadDemandJSON(path string) ([]models.DemandEstimate, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read demand estimates: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	var estimates []models.DemandEstimate
	if trimmed[0] == '[' {
		if err := json.Unmarshal([]byte(trimmed), &estimates); err != nil {
			return nil, fmt.Errorf("%s: failed to parse demand estimates: %w", path, err)
		}
	} else {
		for i, line := range strings.Split(trimmed, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var d models.DemandEstimate
			if err := json.Unmarshal([]byte(line), &d); err != nil {
				return nil, fmt.Errorf("%s:%d: failed to parse demand estimate: %w", path, i+1, err)
			}
			estimates = append(estimates, d)
		}
	}

	logger.GetLogger().WithComponent("demand_loader").WithFields(logger.Fields{
		"file":      path,
		"estimates": len(estimates),
	}).Info("demand estimates loaded")
	return estimates, nil
}
