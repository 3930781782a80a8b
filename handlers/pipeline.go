package handlers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ews-server/collector"
	"ews-server/derive"
	"ews-server/ews"
	"ews-server/logger"
)

// Pipeline chains the three stages: collect raw data, derive calculation
// documents, rebuild the risk summaries. Stage order is fixed; each stage
// only starts if the previous one produced usable state.
type Pipeline struct {
	collector *collector.Collector
	derive    *derive.Engine
	ews       *ews.Service
	log       *logger.Logger
	running   atomic.Bool
}

func NewPipeline(c *collector.Collector, d *derive.Engine, e *ews.Service, log *logger.Logger) *Pipeline {
	return &Pipeline{
		collector: c,
		derive:    d,
		ews:       e,
		log:       log.With("component", "pipeline"),
	}
}

// Run executes one full pipeline pass. Returns false without running when a
// pass is already in flight; overlapping passes would race on the same
// tables for no benefit.
func (p *Pipeline) Run(ctx context.Context) (string, bool) {
	if !p.running.CompareAndSwap(false, true) {
		return "", false
	}
	runID := uuid.New().String()
	go func() {
		defer p.running.Store(false)
		log := p.log.With("run_id", runID)
		start := time.Now()
		log.Info("pipeline run starting")

		if err := p.collector.RunCollectors(ctx); err != nil {
			log.Error("collection failed, aborting run", "error", err)
			return
		}
		if ok := p.derive.RunProcessors(ctx); !ok {
			log.Warn("derivation finished with job failures")
		}
		if err := p.ews.UpdateEWSData(ctx); err != nil {
			log.Error("summary rebuild failed", "error", err)
			return
		}
		log.Info("pipeline run finished", "duration", time.Since(start).String())
	}()
	return runID, true
}
