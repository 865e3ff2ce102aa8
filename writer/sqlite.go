package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"priceflow/logger"
	"priceflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	sku_key      TEXT NOT NULL,
	marketplace  TEXT NOT NULL,
	title        TEXT NOT NULL,
	url          TEXT NOT NULL,
	seller       TEXT,
	brand        TEXT,
	model        TEXT,
	size         TEXT,
	raw_price    TEXT,
	price        TEXT,
	availability TEXT,
	freight      TEXT,
	delivery_days INTEGER,
	collected_at TEXT NOT NULL,
	source_file  TEXT NOT NULL,
	UNIQUE (url, collected_at, source_file)
);
CREATE INDEX IF NOT EXISTS idx_listings_key ON listings (sku_key);

CREATE TABLE IF NOT EXISTS canonical_summaries (
	sku_key          TEXT PRIMARY KEY,
	brand            TEXT,
	model            TEXT,
	size             TEXT,
	n_listings       INTEGER NOT NULL,
	n_priced         INTEGER NOT NULL,
	marketplaces     TEXT NOT NULL,
	min_price        TEXT,
	max_price        TEXT,
	mean_price       TEXT,
	median_price     TEXT,
	p10              TEXT,
	p90              TEXT,
	media_correta    TEXT,
	trimmed          INTEGER NOT NULL,
	evidence_files   TEXT NOT NULL,
	evidence_omitted INTEGER NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_aggregates (
	sku_key  TEXT NOT NULL,
	date     TEXT NOT NULL,
	comp_p10 TEXT,
	comp_p50 TEXT,
	comp_p90 TEXT,
	comp_min TEXT,
	comp_max TEXT,
	n_priced INTEGER NOT NULL,
	filtered INTEGER NOT NULL,
	PRIMARY KEY (sku_key, date)
);

CREATE TABLE IF NOT EXISTS suggestions (
	run_id          TEXT NOT NULL,
	sku_key         TEXT NOT NULL,
	date            TEXT NOT NULL,
	suggested_price TEXT NOT NULL,
	confidence      REAL NOT NULL,
	reasons         TEXT NOT NULL,
	rationale       TEXT NOT NULL,
	evidence        TEXT NOT NULL,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_suggestions_key ON suggestions (sku_key, created_at);

CREATE TABLE IF NOT EXISTS identity_conflicts (
	run_id    TEXT NOT NULL,
	direction TEXT NOT NULL,
	sku_key   TEXT NOT NULL,
	variants  TEXT NOT NULL,
	listings  INTEGER NOT NULL,
	checked_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _ingestion_state (
	fingerprint TEXT PRIMARY KEY,
	source_file TEXT NOT NULL,
	read_at     TEXT NOT NULL
);
`

// Store persists listings, derived aggregates and suggestions in a local
// SQLite database. Summaries and dailies are derived state: a run commit
// rebuilds them inside the same transaction that lands the listings, so a
// reader never observes aggregates out of step with the rows behind them.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// OpenStore opens (and migrates) the database at path, creating parent
// directories as needed.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent commits
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("store").WithFields(logger.Fields{"path": path}).Info("sqlite store opened")
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SeenFingerprint implements reader.FingerprintStore.
func (s *Store) SeenFingerprint(fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM _ingestion_state WHERE fingerprint = ?`, fingerprint).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query ingestion state: %w", err)
	}
	return true, nil
}

// RecordFingerprint implements reader.FingerprintStore.
func (s *Store) RecordFingerprint(sourceFile, fingerprint string, readAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO _ingestion_state (fingerprint, source_file, read_at) VALUES (?, ?, ?)`,
		fingerprint, sourceFile, readAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record ingestion state: %w", err)
	}
	return nil
}

// RunResult is everything one pipeline run produced.
type RunResult struct {
	RunID       string
	Listings    []models.NormalizedListing
	Summaries   []models.CanonicalSummary
	Dailies     []models.DailyAggregate
	Suggestions []models.Suggestion
	Conflicts   models.ConflictReport
}

// CommitRun lands a run atomically: listings are upserted, summaries are
// rebuilt wholesale, dailies are upserted per (key, date), suggestions and
// conflicts are appended under the run id. Any failure rolls the whole run
// back.
func (s *Store) CommitRun(ctx context.Context, res RunResult) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin run transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertListings(tx, res.Listings); err != nil {
		return err
	}
	if err := replaceSummaries(tx, res.Summaries); err != nil {
		return err
	}
	if err := upsertDailies(tx, res.Dailies); err != nil {
		return err
	}
	if err := appendSuggestions(tx, res.Suggestions); err != nil {
		return err
	}
	if err := appendConflicts(tx, res.RunID, res.Conflicts); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	writes := len(res.Listings) + len(res.Summaries) + len(res.Dailies) + len(res.Suggestions)
	logger.IncrementStoreWrites(writes)
	logger.LogPerformanceEntry(s.log.WithComponent("store"), "store", "commit_run", time.Since(start), logger.Fields{
		"run_id":      res.RunID,
		"listings":    len(res.Listings),
		"summaries":   len(res.Summaries),
		"dailies":     len(res.Dailies),
		"suggestions": len(res.Suggestions),
	})
	return nil
}

func insertListings(tx *sql.Tx, listings []models.NormalizedListing) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO listings
		(sku_key, marketplace, title, url, seller, brand, model, size,
		 raw_price, price, availability, freight, delivery_days, collected_at, source_file)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare listing insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range listings {
		_, err := stmt.Exec(
			string(l.Key), l.Marketplace, l.Title, l.URL, l.Seller,
			l.Brand, l.Model, l.Size, l.RawPrice, nullDecimalString(l.CleanedPrice),
			l.Availability, nullDecimalString(l.Freight), l.DeliveryDays,
			l.CollectedAt.UTC().Format(time.RFC3339), l.SourceFile,
		)
		if err != nil {
			return fmt.Errorf("failed to insert listing %s: %w", l.URL, err)
		}
	}
	return nil
}

func replaceSummaries(tx *sql.Tx, summaries []models.CanonicalSummary) error {
	if _, err := tx.Exec(`DELETE FROM canonical_summaries`); err != nil {
		return fmt.Errorf("failed to clear summaries: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO canonical_summaries
		(sku_key, brand, model, size, n_listings, n_priced, marketplaces,
		 min_price, max_price, mean_price, median_price, p10, p90,
		 media_correta, trimmed, evidence_files, evidence_omitted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare summary insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, c := range summaries {
		markets, err := json.Marshal(c.Marketplaces)
		if err != nil {
			return fmt.Errorf("failed to encode marketplaces: %w", err)
		}
		evidence, err := json.Marshal(c.EvidenceFiles)
		if err != nil {
			return fmt.Errorf("failed to encode evidence files: %w", err)
		}
		_, err = stmt.Exec(
			string(c.Key), c.Brand, c.Model, c.Size, c.NListings, c.NPriced, string(markets),
			c.MinPrice.String(), c.MaxPrice.String(), c.MeanPrice.String(),
			c.MedianPrice.String(), c.P10.String(), c.P90.String(),
			c.MediaCorreta.String(), c.Trimmed, string(evidence), c.EvidenceOmitted, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert summary %s: %w", c.Key, err)
		}
	}
	return nil
}

func upsertDailies(tx *sql.Tx, dailies []models.DailyAggregate) error {
	stmt, err := tx.Prepare(`INSERT INTO daily_aggregates
		(sku_key, date, comp_p10, comp_p50, comp_p90, comp_min, comp_max, n_priced, filtered)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sku_key, date) DO UPDATE SET
			comp_p10 = excluded.comp_p10,
			comp_p50 = excluded.comp_p50,
			comp_p90 = excluded.comp_p90,
			comp_min = excluded.comp_min,
			comp_max = excluded.comp_max,
			n_priced = excluded.n_priced,
			filtered = excluded.filtered`)
	if err != nil {
		return fmt.Errorf("failed to prepare daily upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range dailies {
		_, err := stmt.Exec(
			string(d.Key), d.Date, d.CompP10.String(), d.CompP50.String(),
			d.CompP90.String(), d.CompMin.String(), d.CompMax.String(),
			d.NPriced, d.Filtered,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert daily %s/%s: %w", d.Key, d.Date, err)
		}
	}
	return nil
}

func appendSuggestions(tx *sql.Tx, suggestions []models.Suggestion) error {
	stmt, err := tx.Prepare(`INSERT INTO suggestions
		(run_id, sku_key, date, suggested_price, confidence, reasons, rationale, evidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare suggestion insert: %w", err)
	}
	defer stmt.Close()

	for _, sg := range suggestions {
		reasons, err := json.Marshal(sg.Reasons)
		if err != nil {
			return fmt.Errorf("failed to encode reasons: %w", err)
		}
		evidence, err := json.Marshal(sg.Evidence)
		if err != nil {
			return fmt.Errorf("failed to encode evidence: %w", err)
		}
		_, err = stmt.Exec(
			sg.RunID, string(sg.Key), sg.Date, sg.SuggestedPrice.String(),
			sg.Confidence, string(reasons), sg.Rationale, string(evidence),
			sg.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert suggestion %s: %w", sg.Key, err)
		}
	}
	return nil
}

func appendConflicts(tx *sql.Tx, runID string, report models.ConflictReport) error {
	if report.Clean() {
		return nil
	}
	stmt, err := tx.Prepare(`INSERT INTO identity_conflicts
		(run_id, direction, sku_key, variants, listings, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare conflict insert: %w", err)
	}
	defer stmt.Close()

	checkedAt := report.CheckedAt.UTC().Format(time.RFC3339)
	for _, c := range report.Conflicts {
		variants, err := json.Marshal(c.Variants)
		if err != nil {
			return fmt.Errorf("failed to encode conflict variants: %w", err)
		}
		if _, err := stmt.Exec(runID, c.Direction, string(c.Key), string(variants), c.Listings, checkedAt); err != nil {
			return fmt.Errorf("failed to insert conflict %s: %w", c.Key, err)
		}
	}
	return nil
}

// GetSummary fetches the current summary row for a key.
func (s *Store) GetSummary(ctx context.Context, key models.CanonicalKey) (models.CanonicalSummary, error) {
	var (
		c        models.CanonicalSummary
		markets  string
		evidence string
		minP, maxP, meanP, medianP, p10, p90, media string
	)
	err := s.db.QueryRowContext(ctx, `SELECT sku_key, brand, model, size, n_listings, n_priced,
			marketplaces, min_price, max_price, mean_price, median_price, p10, p90,
			media_correta, trimmed, evidence_files, evidence_omitted
		FROM canonical_summaries WHERE sku_key = ?`, string(key)).Scan(
		&c.Key, &c.Brand, &c.Model, &c.Size, &c.NListings, &c.NPriced,
		&markets, &minP, &maxP, &meanP, &medianP, &p10, &p90,
		&media, &c.Trimmed, &evidence, &c.EvidenceOmitted,
	)
	if err != nil {
		return models.CanonicalSummary{}, fmt.Errorf("failed to load summary %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(markets), &c.Marketplaces); err != nil {
		return models.CanonicalSummary{}, fmt.Errorf("failed to decode marketplaces: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &c.EvidenceFiles); err != nil {
		return models.CanonicalSummary{}, fmt.Errorf("failed to decode evidence files: %w", err)
	}
	for _, pair := range []struct {
		src string
		dst *decimal.Decimal
	}{
		{minP, &c.MinPrice}, {maxP, &c.MaxPrice}, {meanP, &c.MeanPrice},
		{medianP, &c.MedianPrice}, {p10, &c.P10}, {p90, &c.P90}, {media, &c.MediaCorreta},
	} {
		if pair.src == "" {
			continue
		}
		d, err := decimal.NewFromString(pair.src)
		if err != nil {
			return models.CanonicalSummary{}, fmt.Errorf("failed to decode price column: %w", err)
		}
		*pair.dst = d
	}
	return c, nil
}

// SuggestionsForRun returns the suggestions a run produced, ordered by key.
func (s *Store) SuggestionsForRun(ctx context.Context, runID string) ([]models.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, sku_key, date, suggested_price,
			confidence, reasons, rationale, evidence, created_at
		FROM suggestions WHERE run_id = ? ORDER BY sku_key`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query suggestions: %w", err)
	}
	defer rows.Close()

	var out []models.Suggestion
	for rows.Next() {
		var (
			sg        models.Suggestion
			price     string
			reasons   string
			evidence  string
			createdAt string
		)
		if err := rows.Scan(&sg.RunID, &sg.Key, &sg.Date, &price, &sg.Confidence,
			&reasons, &sg.Rationale, &evidence, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		if sg.SuggestedPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("failed to decode suggested price: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &sg.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons: %w", err)
		}
		if err := json.Unmarshal([]byte(evidence), &sg.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode evidence: %w", err)
		}
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sg.CreatedAt = t
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// CountListings reports how many listing rows the store holds.
func (s *Store) CountListings(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM listings`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count listings: %w", err)
	}
	return n, nil
}

func nullDecimalString(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}
