package channel

import (
	"context"
	"sync"
	"time"

	"priceflow/logger"
	"priceflow/models"
)

type ChannelStats struct {
	RawSent     int64
	NormSent    int64
	RawDropped  int64
	NormDropped int64
}

// Channels carries scrape artifacts through the pipeline: the reader sends
// RawBatch values on Raw, the normalizer stage sends its output on Norm.
type Channels struct {
	Raw  chan models.RawBatch
	Norm chan models.NormBatch

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(rawBufferSize, normBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:  make(chan models.RawBatch, rawBufferSize),
		Norm: make(chan models.NormBatch, normBufferSize),
		log:  log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"raw_buffer_size":  rawBufferSize,
		"norm_buffer_size": normBufferSize,
	}).Info("listing channels initialized")

	return c
}

// CloseRaw signals the normalizer stage that no more artifacts are coming.
func (c *Channels) CloseRaw() {
	close(c.Raw)
	c.log.WithComponent("channels").Info("raw channel closed")
}

// CloseNorm signals the collector that the normalizer stage has drained.
func (c *Channels) CloseNorm() {
	close(c.Norm)
	c.log.WithComponent("channels").Info("norm channel closed")
}

// SendRaw blocks until the batch is accepted or the context is cancelled.
// Listings are never dropped on backpressure: a lost batch would make the
// run's aggregates depend on buffer sizing.
func (c *Channels) SendRaw(ctx context.Context, batch models.RawBatch) bool {
	select {
	case c.Raw <- batch:
		c.statsMutex.Lock()
		c.stats.RawSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.RawDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendNorm blocks until the batch is accepted or the context is cancelled.
func (c *Channels) SendNorm(ctx context.Context, batch models.NormBatch) bool {
	select {
	case c.Norm <- batch:
		c.statsMutex.Lock()
		c.stats.NormSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		c.statsMutex.Lock()
		c.stats.NormDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically records channel depths so the logger
// report can expose queue pressure.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.RecordChannelMessage("raw_depth", len(c.Raw))
			logger.RecordChannelMessage("norm_depth", len(c.Norm))
		}
	}
}
