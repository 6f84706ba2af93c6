// Package runner executes catalog runs end to end: quota check, page fan-out, product
// extraction, workbook output, persistence and the completion event.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jewelry-catalog-crawler/internal/crawler"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/dispatcher"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/extract"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/output/xlsx"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/queue/memory"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/quota"
	"github.com/JakeFAU/jewelry-catalog-crawler/internal/worker"
)

// ErrUnknownSite is returned when a run names a site that is not configured.
var ErrUnknownSite = errors.New("unknown site")

// Gate is the quota check consulted before and after each run.
type Gate interface {
	Check(ctx context.Context) (quota.Allowance, error)
	Increment(ctx context.Context, n int) (int, error)
}

// Site is one configured storefront.
type Site struct {
	Name     string
	Requests []crawler.TargetRequest
	Rules    extract.Rules
}

// Config tunes a Runner.
type Config struct {
	Concurrency int
	RunTimeout  time.Duration
	// OutputPath is the workbook path; {run_id} is replaced by the run ID.
	OutputPath string
	// Upload also stores the workbook in the blob store.
	Upload bool
	Topic  string
}

// Deps are the collaborators of a Runner. Images, Blobs, Products and Publisher may be nil.
type Deps struct {
	Pages     worker.PageSource
	Images    worker.ImageProcessor
	Blobs     crawler.BlobStore
	Products  crawler.ProductStore
	Runs      crawler.RunStore
	Quota     Gate
	Publisher crawler.Publisher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
}

// Runner owns the run lifecycle.
type Runner struct {
	cfg    Config
	deps   Deps
	sites  []Site
	logger *zap.Logger

	wg sync.WaitGroup
}

// New constructs a Runner.
func New(cfg Config, deps Deps, sites []Site, logger *zap.Logger) (*Runner, error) {
	if deps.Pages == nil || deps.Runs == nil || deps.Quota == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, fmt.Errorf("runner requires pages, runs, quota, ids and clock")
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("at least one site is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join("output", "{run_id}", "catalog.xlsx")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps, sites: sites, logger: logger}, nil
}

// Submit records a queued run and executes it in the background. ctx only bounds the
// submission; the run itself is limited by the configured run timeout.
func (r *Runner) Submit(ctx context.Context, trigger string, sites []string) (crawler.Run, error) {
	run, err := r.create(ctx, trigger, sites)
	if err != nil {
		return crawler.Run{}, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		runCtx, cancel := r.runContext(context.WithoutCancel(ctx))
		defer cancel()
		if _, err := r.Execute(runCtx, run); err != nil {
			r.logger.Warn("background run finished with error", zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return run, nil
}

// RunOnce records and executes a run synchronously.
func (r *Runner) RunOnce(ctx context.Context, trigger string, sites []string) (crawler.RunSummary, error) {
	run, err := r.create(ctx, trigger, sites)
	if err != nil {
		return crawler.RunSummary{}, err
	}
	runCtx, cancel := r.runContext(ctx)
	defer cancel()
	return r.Execute(runCtx, run)
}

// Wait blocks until every submitted run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *Runner) create(ctx context.Context, trigger string, names []string) (crawler.Run, error) {
	selected, err := r.selectSites(names)
	if err != nil {
		return crawler.Run{}, err
	}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return crawler.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	if trigger == "" {
		trigger = "manual"
	}
	run := crawler.Run{
		ID:        id,
		Status:    crawler.RunStatusQueued,
		Trigger:   trigger,
		Submitted: r.deps.Clock.Now(),
	}
	for _, s := range selected {
		run.Sites = append(run.Sites, s.Name)
	}
	if err := r.deps.Runs.CreateRun(ctx, run); err != nil {
		return crawler.Run{}, fmt.Errorf("create run: %w", err)
	}
	return run, nil
}

func (r *Runner) selectSites(names []string) ([]Site, error) {
	if len(names) == 0 {
		return r.sites, nil
	}
	byName := make(map[string]Site, len(r.sites))
	for _, s := range r.sites {
		byName[s.Name] = s
	}
	out := make([]Site, 0, len(names))
	for _, name := range names {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
		}
		out = append(out, s)
	}
	return out, nil
}

// Execute runs a previously created run to completion and returns its summary. The
// returned error is non-nil when the run did not succeed.
func (r *Runner) Execute(ctx context.Context, run crawler.Run) (crawler.RunSummary, error) {
	logger := r.logger.With(zap.String("run_id", run.ID), zap.String("trigger", run.Trigger))
	started := r.deps.Clock.Now()
	summary := crawler.RunSummary{RunID: run.ID, Trigger: run.Trigger, StartedAt: started}

	if err := r.deps.Runs.UpdateRun(ctx, run.ID, crawler.RunStatusRunning, "", crawler.RunCounters{}); err != nil {
		logger.Error("mark run running", zap.Error(err))
	}

	allowance, err := r.deps.Quota.Check(ctx)
	if err != nil {
		logger.Warn("run blocked by quota", zap.Error(err))
		return r.finish(ctx, logger, summary, crawler.RunStatusFailed, err)
	}
	logger.Info("run started", zap.Strings("sites", run.Sites), zap.Int("quota_remaining", allowance.Remaining))

	sites, err := r.selectSites(run.Sites)
	if err != nil {
		return r.finish(ctx, logger, summary, crawler.RunStatusFailed, err)
	}
	products, counters, pageErrs := r.crawl(ctx, run.ID, sites, logger)
	summary.Counters = counters

	if ctx.Err() != nil {
		return r.finish(ctx, logger, summary, crawler.RunStatusCanceled, ctx.Err())
	}
	if counters.PagesSucceeded == 0 {
		err := errors.New("no page produced products")
		if len(pageErrs) > 0 {
			err = fmt.Errorf("%w: %w", err, errors.Join(pageErrs...))
		}
		return r.finish(ctx, logger, summary, crawler.RunStatusFailed, err)
	}

	uri, err := r.writeWorkbook(ctx, run.ID, products)
	if err != nil {
		return r.finish(ctx, logger, summary, crawler.RunStatusFailed, err)
	}
	summary.OutputURI = uri
	if err := r.deps.Runs.SetOutput(ctx, run.ID, uri); err != nil {
		logger.Error("record run output", zap.Error(err))
	}

	stored := len(products)
	if r.deps.Products != nil {
		stored, err = r.deps.Products.InsertProducts(ctx, products)
		if err != nil {
			return r.finish(ctx, logger, summary, crawler.RunStatusFailed, fmt.Errorf("store products: %w", err))
		}
	}
	if used, err := r.deps.Quota.Increment(ctx, stored); err != nil {
		logger.Error("increment quota", zap.Error(err))
	} else {
		logger.Info("quota updated", zap.Int("stored", stored), zap.Int("used", used))
	}

	if len(pageErrs) > 0 {
		summary.ErrorText = fmt.Sprintf("%d of %d pages failed", counters.PagesFailed, counters.PagesFailed+counters.PagesSucceeded)
	}
	return r.finish(ctx, logger, summary, crawler.RunStatusSucceeded, nil)
}

// crawl fans the run's pages out over a worker pool and returns products in page order.
func (r *Runner) crawl(ctx context.Context, runID string, sites []Site, logger *zap.Logger) ([]crawler.Product, crawler.RunCounters, []error) {
	rules := make(map[string]extract.Rules, len(sites))
	var tasks []crawler.PageTask
	for _, s := range sites {
		rules[s.Name] = s.Rules
		for _, req := range s.Requests {
			tasks = append(tasks, crawler.PageTask{RunID: runID, Request: req, Seq: len(tasks)})
		}
	}

	queue := memory.NewQueue(len(tasks))
	for _, task := range tasks {
		if err := queue.Enqueue(ctx, task); err != nil {
			logger.Error("enqueue page", zap.String("url", task.Request.URL), zap.Error(err))
		}
	}
	queue.Close()

	var (
		mu       sync.Mutex
		results  []worker.PageResult
		counters crawler.RunCounters
		pageErrs []error
	)
	sink := worker.SinkFunc(func(res worker.PageResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, res)
		counters.Add(res.Counters)
		if res.Err != nil {
			pageErrs = append(pageErrs, res.Err)
		}
	})

	n := min(r.cfg.Concurrency, max(len(tasks), 1))
	workers := make([]dispatcher.Runner, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, worker.New(queue, r.deps.Pages, rules, r.deps.Images, sink, r.deps.Clock, logger.With(zap.Int("worker", i))))
	}
	dispatcher.New(queue, workers).Run(ctx)

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	var products []crawler.Product
	for _, res := range results {
		products = append(products, res.Products...)
	}
	return products, counters, pageErrs
}

func (r *Runner) writeWorkbook(ctx context.Context, runID string, products []crawler.Product) (string, error) {
	buf, err := xlsx.Build(products)
	if err != nil {
		return "", fmt.Errorf("build workbook: %w", err)
	}
	path := strings.ReplaceAll(r.cfg.OutputPath, "{run_id}", runID)
	if err := xlsx.Save(path, buf.Bytes()); err != nil {
		return "", err
	}
	if r.cfg.Upload && r.deps.Blobs != nil {
		uri, err := r.deps.Blobs.PutObject(ctx, runID+"/"+filepath.Base(path), xlsx.ContentType, buf.Bytes())
		if err != nil {
			return "", fmt.Errorf("upload workbook: %w", err)
		}
		return uri, nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (r *Runner) finish(
	ctx context.Context,
	logger *zap.Logger,
	summary crawler.RunSummary,
	status crawler.RunStatus,
	runErr error,
) (crawler.RunSummary, error) {
	// Bookkeeping must land even when the run context was canceled.
	ctx = context.WithoutCancel(ctx)
	summary.Status = status
	summary.FinishedAt = r.deps.Clock.Now()
	if runErr != nil {
		summary.ErrorText = runErr.Error()
	}
	if err := r.deps.Runs.UpdateRun(ctx, summary.RunID, status, summary.ErrorText, summary.Counters); err != nil {
		logger.Error("final run status update failed", zap.Error(err))
	}
	metrics.ObserveRun(string(status), summary.FinishedAt.Sub(summary.StartedAt))
	if r.deps.Publisher != nil {
		if _, err := r.deps.Publisher.Publish(ctx, r.cfg.Topic, summary); err != nil {
			logger.Error("publish run summary", zap.Error(err))
		}
	}
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("pages_succeeded", summary.Counters.PagesSucceeded),
		zap.Int("pages_failed", summary.Counters.PagesFailed),
		zap.Int("pages_exhausted", summary.Counters.PagesExhausted),
		zap.Int("products", summary.Counters.Products),
		zap.String("output_uri", summary.OutputURI),
	)
	if status == crawler.RunStatusSucceeded {
		return summary, nil
	}
	if runErr == nil {
		runErr = fmt.Errorf("run %s", status)
	}
	return summary, runErr
}
