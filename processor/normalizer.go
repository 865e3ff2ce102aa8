package processor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	appconfig "priceflow/config"
	"priceflow/internal/channel"
	"priceflow/logger"
	"priceflow/models"
)

var (
	priceJunkRe = regexp.MustCompile(`[^\d,.\-]`)
	hostRe      = regexp.MustCompile(`https?://(?:www\.)?([a-z0-9\-]+)\.`)
)

// Normalizer turns raw listings into normalized ones: attribute extraction
// from the title, price cleaning, marketplace inference and canonical key
// assignment. Pure transformation, no I/O.
type Normalizer struct {
	extractor *TitleExtractor
}

func NewNormalizer(extractor *TitleExtractor) *Normalizer {
	return &Normalizer{extractor: extractor}
}

// Normalize derives a NormalizedListing from raw. A missing url, marketplace
// or collected_at yields a NormalizationFailure instead: rows without a
// stable identity or time must never enter aggregates silently. An
// unparsable price is non-fatal; the listing is kept without one and the
// parse failure is returned for reporting.
func (n *Normalizer) Normalize(raw models.RawListing) (models.NormalizedListing, *models.PriceParseFailure, *models.NormalizationFailure) {
	if strings.TrimSpace(raw.URL) == "" {
		return models.NormalizedListing{}, nil, &models.NormalizationFailure{
			Raw: raw, Field: "url", Reason: "listing has no url",
		}
	}
	if raw.CollectedAt.IsZero() {
		return models.NormalizedListing{}, nil, &models.NormalizationFailure{
			Raw: raw, Field: "collected_at", Reason: "listing has no collection timestamp",
		}
	}

	if strings.TrimSpace(raw.Marketplace) == "" {
		raw.Marketplace = marketplaceFromURL(raw.URL)
	}
	if raw.Marketplace == "" {
		return models.NormalizedListing{}, nil, &models.NormalizationFailure{
			Raw: raw, Field: "marketplace", Reason: "marketplace missing and not inferable from url",
		}
	}
	raw.Marketplace = strings.ToLower(strings.TrimSpace(raw.Marketplace))

	out := models.NormalizedListing{RawListing: raw}
	out.Size = n.extractor.ExtractSize(raw.Title)
	out.Brand = n.extractor.ExtractBrand(raw.Title)
	out.Model = n.extractor.ExtractModel(raw.Title, out.Brand)
	out.Key = ResolveKey(models.Triplet{Brand: out.Brand, Model: out.Model, Size: out.Size})

	var priceFailure *models.PriceParseFailure
	if price, ok := CleanPrice(raw.RawPrice); ok {
		out.CleanedPrice = decimal.NewNullDecimal(price)
	} else if strings.TrimSpace(raw.RawPrice) != "" {
		priceFailure = &models.PriceParseFailure{
			Marketplace: raw.Marketplace,
			URL:         raw.URL,
			RawPrice:    raw.RawPrice,
			SourceFile:  raw.SourceFile,
		}
	}

	return out, priceFailure, nil
}

// CleanPrice parses marketplace price strings in BR ("1.199,90") and US
// ("1,199.90") conventions. Values that do not parse or are not positive
// report ok=false; the caller keeps the listing without a price.
func CleanPrice(raw string) (decimal.Decimal, bool) {
	s := priceJunkRe.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return decimal.Decimal{}, false
	}

	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			// BR: dot thousands, comma decimals
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ",", ".")
	}

	price, err := decimal.NewFromString(s)
	if err != nil || !price.IsPositive() {
		return decimal.Decimal{}, false
	}
	return price, true
}

func marketplaceFromURL(url string) string {
	if m := hostRe.FindStringSubmatch(strings.ToLower(url)); m != nil {
		return m[1]
	}
	return ""
}

// Stage runs Normalizer workers over the raw batch channel, emitting one
// NormBatch per artifact with its failures attached.
type Stage struct {
	config     *appconfig.Config
	normalizer *Normalizer
	channels   *channel.Channels
	ctx        context.Context
	wg         *sync.WaitGroup
	done       chan struct{}
	mu         sync.RWMutex
	running    bool
	log        *logger.Log

	// Metrics
	batchesProcessed int64
	listingsOK       int64
	listingsFailed   int64
}

func NewStage(cfg *appconfig.Config, normalizer *Normalizer, channels *channel.Channels) *Stage {
	return &Stage{
		config:     cfg,
		normalizer: normalizer,
		channels:   channels,
		wg:         &sync.WaitGroup{},
		done:       make(chan struct{}),
		log:        logger.GetLogger(),
	}
}

func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("normalizer stage already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("normalizer").WithFields(logger.Fields{"operation": "start"})

	numWorkers := s.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting normalizer workers")

	for i := 0; i < numWorkers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	// Close the norm channel as soon as the workers drain the raw channel.
	// A collector ranging over it must be able to finish before Stop is
	// called, otherwise the pipeline deadlocks.
	go func() {
		s.wg.Wait()
		s.channels.CloseNorm()
		s.log.WithComponent("normalizer").WithFields(logger.Fields{
			"batches":  s.batchesProcessed,
			"listings": s.listingsOK,
			"failures": s.listingsFailed,
		}).Info("normalizer stage stopped")
		close(s.done)
	}()

	return nil
}

// Stop waits for the workers to finish and the norm channel to close.
func (s *Stage) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	<-s.done
}

func (s *Stage) worker(workerID int) {
	defer s.wg.Done()

	log := s.log.WithComponent("normalizer").WithFields(logger.Fields{
		"worker_id": workerID,
	})

	for {
		select {
		case <-s.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case rawBatch, ok := <-s.channels.Raw:
			if !ok {
				log.Debug("raw channel closed, worker stopping")
				return
			}

			start := time.Now()
			normBatch := s.processBatch(rawBatch)
			if !s.channels.SendNorm(s.ctx, normBatch) {
				return
			}

			logger.LogPerformanceEntry(log, "normalizer", "process_batch", time.Since(start), logger.Fields{
				"source_file": rawBatch.SourceFile,
				"listings":    len(normBatch.Listings),
				"failures":    len(normBatch.Failures),
			})
		}
	}
}

func (s *Stage) processBatch(rawBatch models.RawBatch) models.NormBatch {
	out := models.NormBatch{
		SourceFile:  rawBatch.SourceFile,
		ProcessedAt: time.Now().UTC(),
	}

	for _, raw := range rawBatch.Listings {
		normalized, priceFailure, failure := s.normalizer.Normalize(raw)
		if failure != nil {
			out.Failures = append(out.Failures, *failure)
			s.mu.Lock()
			s.listingsFailed++
			s.mu.Unlock()
			continue
		}
		if priceFailure != nil {
			out.PriceFailures = append(out.PriceFailures, *priceFailure)
		}
		out.Listings = append(out.Listings, normalized)
		s.mu.Lock()
		s.listingsOK++
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.batchesProcessed++
	s.mu.Unlock()

	logger.IncrementNormalized(len(out.Listings))
	logger.IncrementNormFailures(len(out.Failures))
	logger.IncrementPriceFailures(len(out.PriceFailures))
	return out
}
