// Package worker turns queued page tasks into extracted products.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/extract"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
)

// PageSource hands a ready browser session to fn and releases it afterwards.
type PageSource interface {
	WithPage(ctx context.Context, req crawler.TargetRequest, fn func(*crawler.Session) error) error
}

// ImageProcessor attaches a thumbnail to a product.
type ImageProcessor interface {
	Process(ctx context.Context, p *crawler.Product) error
}

// PageResult is what one task produced.
type PageResult struct {
	RunID    string
	Seq      int
	Site     string
	URL      string
	Products []crawler.Product
	Counters crawler.RunCounters
	Err      error
}

// Sink receives page results. Implementations must be safe for concurrent use.
type Sink interface {
	Record(result PageResult)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(PageResult)

// Record calls f.
func (f SinkFunc) Record(result PageResult) { f(result) }

// Worker consumes page tasks until the queue closes or the context ends.
type Worker struct {
	queue  crawler.Queue
	pages  PageSource
	rules  map[string]extract.Rules
	images ImageProcessor
	sink   Sink
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Worker. images may be nil to skip thumbnails.
func New(
	queue crawler.Queue,
	pages PageSource,
	rules map[string]extract.Rules,
	images ImageProcessor,
	sink Sink,
	clock crawler.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Worker{
		queue:  queue,
		pages:  pages,
		rules:  rules,
		images: images,
		sink:   sink,
		clock:  clock,
		logger: logger,
	}
}

// Run blocks, consuming tasks until the queue is closed or the context finishes.
func (w *Worker) Run(ctx context.Context) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued page", zap.String("run_id", task.RunID), zap.String("url", task.Request.URL))
		w.sink.Record(w.process(ctx, task))
	}
}

func (w *Worker) process(ctx context.Context, task crawler.PageTask) PageResult {
	req := task.Request
	result := PageResult{RunID: task.RunID, Seq: task.Seq, Site: req.Site, URL: req.URL}

	rules, ok := w.rules[req.Site]
	if !ok {
		result.Err = fmt.Errorf("no extraction rules for site %q", req.Site)
		result.Counters.PagesFailed++
		metrics.ObservePage(req.Site, "failed", 0)
		w.logger.Error("page skipped", zap.String("run_id", task.RunID), zap.String("site", req.Site), zap.Error(result.Err))
		return result
	}

	var html, finalURL string
	err := w.pages.WithPage(ctx, req, func(s *crawler.Session) error {
		result.Counters.Attempts += s.Attempts
		content, cerr := s.Page.Content(ctx)
		if cerr != nil {
			return fmt.Errorf("read content: %w", cerr)
		}
		html = content
		finalURL = s.Page.URL()
		w.logger.Info("page acquired",
			zap.String("run_id", task.RunID),
			zap.String("url", req.URL),
			zap.String("egress", string(s.Egress.Kind)),
			zap.Int("attempts", s.Attempts),
		)
		return nil
	})
	if err != nil {
		var exhausted *crawler.ExhaustedProxyOptionsError
		if errors.As(err, &exhausted) {
			result.Counters.Attempts += exhausted.Attempts
			result.Counters.PagesExhausted++
			metrics.ObservePage(req.Site, "exhausted", 0)
		} else {
			metrics.ObservePage(req.Site, "failed", 0)
		}
		result.Counters.PagesFailed++
		result.Err = err
		w.logger.Error("page acquisition failed", zap.String("run_id", task.RunID), zap.String("url", req.URL), zap.Error(err))
		return result
	}
	if finalURL == "" {
		finalURL = req.URL
	}

	products, err := extract.Extract(html, rules, req.Site, finalURL)
	if err != nil {
		result.Counters.PagesFailed++
		result.Err = fmt.Errorf("extract %s: %w", req.URL, err)
		metrics.ObservePage(req.Site, "empty", 0)
		w.logger.Warn("extraction failed", zap.String("run_id", task.RunID), zap.String("url", req.URL), zap.Error(err))
		return result
	}

	scraped := w.clock.Now()
	for i := range products {
		products[i].RunID = task.RunID
		products[i].Scraped = scraped
		w.attachImage(ctx, &products[i], &result.Counters)
	}
	result.Products = products
	result.Counters.PagesSucceeded++
	result.Counters.Products += len(products)
	metrics.ObservePage(req.Site, "succeeded", len(products))
	return result
}

func (w *Worker) attachImage(ctx context.Context, p *crawler.Product, counters *crawler.RunCounters) {
	if w.images == nil || p.ImageURL == "" {
		return
	}
	if err := w.images.Process(ctx, p); err != nil {
		counters.ImagesFailed++
		w.logger.Warn("thumbnail failed",
			zap.String("run_id", p.RunID),
			zap.String("image_url", p.ImageURL),
			zap.Error(err),
		)
		return
	}
	counters.ImagesStored++
}
