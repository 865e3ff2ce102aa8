package reader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/logger"
	"priceflow/models"
)

// FingerprintStore remembers which artifact contents have already been
// ingested, so unchanged files are skipped on re-runs while renamed or
// re-exported copies of the same data are still recognized.
type FingerprintStore interface {
	SeenFingerprint(fingerprint string) (bool, error)
	RecordFingerprint(sourceFile, fingerprint string, readAt time.Time) error
}

// ArtifactReader walks the configured input directories, parses every
// supported listing artifact (CSV, JSON, JSON lines) and emits one RawBatch
// per file. Files are visited in sorted path order so a run is reproducible
// from the same directory tree.
type ArtifactReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	prints   FingerprintStore
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	// Metrics
	filesRead    int64
	filesSkipped int64
	listingsRead int64
}

// NewArtifactReader creates the ingest stage. prints may be nil, which
// disables fingerprint skipping.
func NewArtifactReader(cfg *appconfig.Config, channels *channel.Channels, prints FingerprintStore) *ArtifactReader {
	return &ArtifactReader{
		config:   cfg,
		channels: channels,
		prints:   prints,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start walks the input directories in a single goroutine. The raw channel
// is closed when every artifact has been emitted, which lets the rest of
// the pipeline drain and finish.
func (r *ArtifactReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("artifact reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	files, err := r.discover()
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	r.log.WithComponent("artifact_reader").WithFields(logger.Fields{
		"dirs":  r.config.Ingest.InputDirs,
		"files": len(files),
	}).Info("starting artifact ingest")

	r.wg.Add(1)
	go r.run(files)
	return nil
}

// Stop waits for the walk to finish.
func (r *ArtifactReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("artifact_reader").WithFields(logger.Fields{
		"files_read":    r.filesRead,
		"files_skipped": r.filesSkipped,
		"listings":      r.listingsRead,
	}).Info("artifact reader stopped")
}

func (r *ArtifactReader) discover() ([]string, error) {
	var files []string
	for _, dir := range r.config.Ingest.InputDirs {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".csv", ".json", ".jsonl":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk input dir %s: %w", dir, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

func (r *ArtifactReader) run(files []string) {
	defer r.wg.Done()
	defer r.channels.CloseRaw()

	log := r.log.WithComponent("artifact_reader")

	for _, path := range files {
		select {
		case <-r.ctx.Done():
			log.Info("artifact ingest stopped by context")
			return
		default:
		}

		start := time.Now()
		batch, skipped, err := r.readFile(path)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"file": path}).Error("failed to read artifact")
			continue
		}
		if skipped {
			r.mu.Lock()
			r.filesSkipped++
			r.mu.Unlock()
			log.WithFields(logger.Fields{"file": path}).Debug("artifact already ingested, skipping")
			continue
		}

		if !r.channels.SendRaw(r.ctx, batch) {
			return
		}

		r.mu.Lock()
		r.filesRead++
		r.listingsRead += int64(len(batch.Listings))
		r.mu.Unlock()
		logger.IncrementListingsRead(len(batch.Listings))

		logger.LogPerformanceEntry(log, "artifact_reader", "read_file", time.Since(start), logger.Fields{
			"file":     path,
			"listings": len(batch.Listings),
		})
	}
}

func (r *ArtifactReader) readFile(path string) (models.RawBatch, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.RawBatch{}, false, err
	}

	readAt := time.Now().UTC()
	fingerprint := Fingerprint(data)
	if r.prints != nil && !r.config.Ingest.SkipFingerprint {
		seen, err := r.prints.SeenFingerprint(fingerprint)
		if err != nil {
			return models.RawBatch{}, false, err
		}
		if seen {
			return models.RawBatch{}, true, nil
		}
	}

	listings, err := ParseArtifact(path, data)
	if err != nil {
		return models.RawBatch{}, false, err
	}

	if r.prints != nil && !r.config.Ingest.SkipFingerprint {
		if err := r.prints.RecordFingerprint(path, fingerprint, readAt); err != nil {
			return models.RawBatch{}, false, err
		}
	}

	return models.RawBatch{SourceFile: path, Listings: listings, ReadAt: readAt}, false, nil
}

// ParseArtifact dispatches on the file extension. The parent directory name
// is used as the marketplace fallback for rows that carry none.
func ParseArtifact(path string, data []byte) ([]models.RawListing, error) {
	marketplace := strings.ToLower(filepath.Base(filepath.Dir(path)))
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ParseCSV(path, marketplace, data)
	case ".json", ".jsonl":
		return ParseJSON(path, marketplace, data)
	default:
		return nil, fmt.Errorf("unsupported artifact type: %s", path)
	}
}
