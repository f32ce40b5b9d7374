// Package crawlclient provides a reference Crawler built on Colly. It fetches
// pages breadth-first from the target URL and yields them in batches; the
// heartbeat callback runs on its own ticker so liveness survives slow hosts.
package crawlclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/parallax-search/crawlsched/internal/jobs"
)

// Config bounds one crawl.
type Config struct {
	// UserAgent identifies the crawler to target sites.
	UserAgent string
	// MaxPages caps pages fetched per run.
	MaxPages int
	// Parallelism is concurrent fetches per domain.
	Parallelism int
	// Delay spaces requests to the same domain.
	Delay time.Duration
	// BatchSize is pages per yielded batch.
	BatchSize int
}

// Crawler is a colly-backed jobs.Crawler.
type Crawler struct {
	cfg    Config
	logger *zap.Logger
}

// New constructs a Crawler.
func New(cfg Config, logger *zap.Logger) *Crawler {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "crawlsched-bot/0.1"
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{cfg: cfg, logger: logger}
}

// Crawl implements jobs.Crawler. The returned channel closes when the crawl
// finishes or the heartbeat turns fatal; a failed root fetch surfaces as a
// final batch carrying the termination reason.
func (c *Crawler) Crawl(ctx context.Context, target jobs.CrawlTarget, beat jobs.HeartbeatFunc, interval time.Duration) (<-chan jobs.CrawlBatch, error) {
	root, err := url.Parse(target.URL)
	if err != nil || root.Hostname() == "" {
		return nil, fmt.Errorf("invalid target url %q: %w", target.URL, err)
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(root.Hostname()),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
	)
	collector.AllowURLRevisit = false
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		Delay:       c.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	out := make(chan jobs.CrawlBatch)
	run := &crawlRun{
		crawler: c,
		target:  target,
		out:     out,
		stop:    make(chan struct{}),
	}
	run.wire(collector)

	go run.heartbeatLoop(ctx, beat, interval)
	go func() {
		defer close(out)
		if err := collector.Visit(target.URL); err != nil {
			c.logger.Warn("root visit failed",
				zap.String("target_id", target.ID), zap.String("url", target.URL), zap.Error(err))
			run.fail("root fetch failed: " + err.Error())
		}
		collector.Wait()
		run.finish()
	}()
	return out, nil
}

// crawlRun carries the mutable state of one crawl.
type crawlRun struct {
	crawler *Crawler
	target  jobs.CrawlTarget
	out     chan jobs.CrawlBatch

	mu       sync.Mutex
	pages    []jobs.Page
	fetched  int
	failures int
	reason   string

	stop     chan struct{}
	stopOnce sync.Once
}

func (r *crawlRun) wire(collector *colly.Collector) {
	collector.OnRequest(func(req *colly.Request) {
		select {
		case <-r.stop:
			req.Abort()
			return
		default:
		}
		r.mu.Lock()
		over := r.fetched >= r.crawler.cfg.MaxPages
		r.mu.Unlock()
		if over {
			req.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		// Revisit and domain filters drop anything out of scope.
		_ = e.Request.Visit(e.Attr("href"))
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		page := jobs.Page{
			URL:     e.Request.URL.String(),
			Title:   e.ChildText("title"),
			Content: e.Text,
		}
		r.mu.Lock()
		r.fetched++
		r.pages = append(r.pages, page)
		full := len(r.pages) >= r.crawler.cfg.BatchSize
		var flush []jobs.Page
		if full {
			flush = r.pages
			r.pages = nil
		}
		r.mu.Unlock()
		if full {
			r.out <- jobs.CrawlBatch{Pages: flush, IsPartial: true}
		}
	})

	collector.OnError(func(resp *colly.Response, err error) {
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		r.crawler.logger.Debug("page fetch failed",
			zap.String("target_id", r.target.ID),
			zap.String("url", resp.Request.URL.String()),
			zap.Int("status_code", resp.StatusCode),
			zap.Error(err))
	})
}

// heartbeatLoop beats until the run ends; a beat error halts the crawl.
func (r *crawlRun) heartbeatLoop(ctx context.Context, beat jobs.HeartbeatFunc, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			r.fail("context canceled")
			return
		case <-ticker.C:
			if err := beat(ctx); err != nil {
				r.fail("heartbeat stop: " + err.Error())
				return
			}
		}
	}
}

func (r *crawlRun) fail(reason string) {
	r.mu.Lock()
	if r.reason == "" {
		r.reason = reason
	}
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })
}

// finish flushes the tail batch. A crawl that fetched nothing and recorded a
// reason reports it so the orchestrator can fail the run.
func (r *crawlRun) finish() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.mu.Lock()
	tail := r.pages
	r.pages = nil
	reason := r.reason
	fetched := r.fetched
	failures := r.failures
	r.mu.Unlock()

	if reason == "" && fetched == 0 && failures > 0 {
		reason = "no pages fetched"
	}
	if len(tail) > 0 || reason != "" {
		r.out <- jobs.CrawlBatch{Pages: tail, TerminationReason: reason}
	}
}
