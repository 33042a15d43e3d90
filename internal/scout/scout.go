// Package scout implements the KnowledgeScout: a registry of external
// knowledge sources scanned periodically through per-source circuit
// breakers, with findings scored, persisted, and forwarded as learning
// events.
package scout

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-agent/nexus/internal/config"
	"github.com/nexus-agent/nexus/internal/coreerr"
	"github.com/nexus-agent/nexus/internal/eventbus"
	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// scanWorkers bounds concurrent scans in ScanAll.
const scanWorkers = 5

// Source is one registered knowledge source.
type Source struct {
	Name                string     `json:"name"`
	Category            string     `json:"category"`
	URL                 string     `json:"url"`
	ScanIntervalMinutes int        `json:"scan_interval_minutes"`
	ParserType          string     `json:"parser_type"` // html | rss | api
	Enabled             bool       `json:"enabled"`
	LastScan            *time.Time `json:"last_scan,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	TotalFindings       int        `json:"total_findings"`
}

// Finding is one scored item extracted from a source.
type Finding struct {
	Source    string    `json:"source"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Relevance float64   `json:"relevance"`
	URL       string    `json:"url,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// QualityJudge optionally blends an advisor's judgment into source quality
// scores. The heuristic path always exists.
type QualityJudge interface {
	JudgeSourceQuality(ctx context.Context, source string, recentFindings int) (float64, bool)
}

// Scout scans registered sources. Safe for concurrent use.
type Scout struct {
	mu       sync.Mutex
	sources  map[string]*Source
	breakers map[string]*gobreaker.CircuitBreaker
	client   *http.Client
	brainDir string
	bus      *eventbus.Bus
	judge    QualityJudge
	log      *logging.Logger
	watcher  *fsnotify.Watcher
}

// New builds a Scout, loading persisted source state over the config seeds.
func New(brainDir string, seeds []config.SourceSeed, bus *eventbus.Bus, judge QualityJudge) *Scout {
	s := &Scout{
		sources:  make(map[string]*Source),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		client:   &http.Client{Timeout: 20 * time.Second},
		brainDir: brainDir,
		bus:      bus,
		judge:    judge,
		log:      logging.Get(logging.CategoryScout),
	}

	for _, seed := range seeds {
		s.sources[seed.Name] = &Source{
			Name:                seed.Name,
			Category:            seed.Category,
			URL:                 seed.URL,
			ScanIntervalMinutes: seed.ScanIntervalMinutes,
			ParserType:          seed.ParserType,
			Enabled:             seed.Enabled,
		}
	}

	// persisted runtime state wins over seeds
	var persisted []Source
	if _, err := storagev2.ReadJSON(s.sourcesPath(), &persisted); err == nil {
		for i := range persisted {
			src := persisted[i]
			s.sources[src.Name] = &src
		}
	}
	return s
}

func (s *Scout) sourcesPath() string  { return filepath.Join(s.brainDir, "sources.json") }
func (s *Scout) findingsPath() string { return filepath.Join(s.brainDir, "findings.jsonl") }

func (s *Scout) breaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "scout:" + name,
		MaxRequests: 1,
		Timeout:     10 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	s.breakers[name] = cb
	return cb
}

// Register adds or replaces a source.
func (s *Scout) Register(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := src
	s.sources[src.Name] = &copied
	s.persistLocked()
}

// Sources returns a snapshot of the registry, name-sorted.
func (s *Scout) Sources() []Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ScanSource scans one source by name, honouring its interval and enabled
// flag. Network failures yield a single `unavailable` finding, never an
// error; a tripped breaker short-circuits the fetch entirely.
func (s *Scout) ScanSource(ctx context.Context, name string) ([]Finding, error) {
	s.mu.Lock()
	src, ok := s.sources[name]
	if !ok {
		s.mu.Unlock()
		return nil, coreerr.NotFound("scout", "scan_source", fmt.Errorf("unknown source %q", name))
	}
	if !src.Enabled {
		s.mu.Unlock()
		return nil, nil
	}
	if src.LastScan != nil && src.ScanIntervalMinutes > 0 {
		due := src.LastScan.Add(time.Duration(src.ScanIntervalMinutes) * time.Minute)
		if time.Now().Before(due) {
			s.mu.Unlock()
			return nil, nil
		}
	}
	url := src.URL
	parser := src.ParserType
	cb := s.breaker(name)
	s.mu.Unlock()

	now := time.Now()
	raw, err := cb.Execute(func() (interface{}, error) {
		return s.fetch(ctx, url)
	})

	var findings []Finding
	if err != nil {
		findings = []Finding{{
			Source:    name,
			Title:     fmt.Sprintf("source unavailable: %v", err),
			Type:      "unavailable",
			Relevance: 0,
			ScannedAt: now,
		}}
	} else {
		findings = parse(parser, name, raw.([]byte), now)
	}

	s.mu.Lock()
	src.LastScan = &now
	if err != nil {
		src.LastError = err.Error()
	} else {
		src.LastError = ""
		src.TotalFindings += len(findings)
	}
	s.persistLocked()
	s.mu.Unlock()

	for _, f := range findings {
		if appendErr := storagev2.AppendJSONL(s.findingsPath(), &f); appendErr != nil {
			s.log.Error("persist finding: %v", appendErr)
		}
	}
	if s.bus != nil {
		s.bus.Emit("source_scanned", map[string]interface{}{
			"source": name, "findings": len(findings), "error": err != nil,
		})
	}
	logging.AuditWithCategory(logging.CategoryScout).SourceEvent(name, err == nil, len(findings), errString(err))
	return findings, nil
}

// ScanAll fans out over all enabled sources with a bounded worker pool and
// aggregates the findings.
func (s *Scout) ScanAll(ctx context.Context) []Finding {
	names := make([]string, 0)
	s.mu.Lock()
	for name, src := range s.sources {
		if src.Enabled {
			names = append(names, name)
		}
	}
	s.mu.Unlock()
	sort.Strings(names)

	var (
		resultMu sync.Mutex
		all      []Finding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanWorkers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			findings, err := s.ScanSource(gctx, name)
			if err != nil {
				s.log.Warn("scan %s: %v", name, err)
				return nil // one bad source never aborts the sweep
			}
			resultMu.Lock()
			all = append(all, findings...)
			resultMu.Unlock()
			return nil
		})
	}
	g.Wait()
	return all
}

// ScoreSourceQuality computes a heuristic score in [0,1]: findings volume
// up, recency up, recent errors down, optionally blended 50/50 with the
// advisor's judgment.
func (s *Scout) ScoreSourceQuality(ctx context.Context, name string) (float64, error) {
	s.mu.Lock()
	src, ok := s.sources[name]
	if !ok {
		s.mu.Unlock()
		return 0, coreerr.NotFound("scout", "score_source_quality", fmt.Errorf("unknown source %q", name))
	}
	findings := src.TotalFindings
	lastScan := src.LastScan
	lastError := src.LastError
	s.mu.Unlock()

	score := 0.3
	switch {
	case findings >= 50:
		score += 0.4
	case findings >= 10:
		score += 0.25
	case findings > 0:
		score += 0.1
	}
	if lastScan != nil && time.Since(*lastScan) < 24*time.Hour {
		score += 0.2
	}
	if lastError != "" {
		score -= 0.3
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	if s.judge != nil {
		if judged, ok := s.judge.JudgeSourceQuality(ctx, name, findings); ok {
			score = (score + judged) / 2
		}
	}
	return score, nil
}

// QualityReport scores every source.
func (s *Scout) QualityReport(ctx context.Context) map[string]float64 {
	report := make(map[string]float64)
	for _, src := range s.Sources() {
		if score, err := s.ScoreSourceQuality(ctx, src.Name); err == nil {
			report[src.Name] = score
		}
	}
	return report
}

// TopFindings returns the highest-relevance recent findings.
func (s *Scout) TopFindings(limit int) []Finding {
	findings := storagev2.DecodeLines[Finding](s.findingsPath(), 200)
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Relevance > findings[j].Relevance })
	if limit > 0 && len(findings) > limit {
		findings = findings[:limit]
	}
	return findings
}

// WatchSources hot-reloads the registry when sources.json is edited
// externally. Stops when ctx is done.
func (s *Scout) WatchSources(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(s.sourcesPath())); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name == s.sourcesPath() && ev.Op&fsnotify.Write != 0 {
					s.reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

func (s *Scout) reload() {
	var persisted []Source
	if ok, err := storagev2.ReadJSON(s.sourcesPath(), &persisted); err != nil || !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range persisted {
		src := persisted[i]
		s.sources[src.Name] = &src
	}
	s.log.Info("reloaded %d sources from disk", len(persisted))
}

func (s *Scout) persistLocked() {
	out := make([]Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if err := storagev2.AtomicWriteJSON(s.sourcesPath(), out); err != nil {
		s.log.Error("persist sources: %v", err)
	}
}

func (s *Scout) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "nexus-scout/0.1")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return readBounded(resp.Body, 2<<20)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
