package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/storagev2"
)

func marshalLine(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw) + "\n", nil
}

// Governor deduplicates learning events within a sliding window and decides
// TTL pruning, so repeated scan findings don't flood the proposal pipeline.
type Governor struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

// NewGovernor builds a Governor with the given dedup window.
func NewGovernor(window time.Duration) *Governor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Governor{seen: make(map[string]time.Time), window: window}
}

// eventKey hashes the parts of an event that make it "the same finding".
func eventKey(event *storagev2.LearningEvent) string {
	content := event.Content
	if len(content) > 160 {
		content = content[:160]
	}
	sum := sha256.Sum256([]byte(strings.ToLower(event.EventType + "|" + event.Source + "|" + content)))
	return hex.EncodeToString(sum[:])[:16]
}

// Admit reports whether event is novel within the window, recording it when
// so. Duplicates inside the window are rejected.
func (g *Governor) Admit(event *storagev2.LearningEvent) bool {
	key := eventKey(event)
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.seen[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.seen[key] = now

	// opportunistic sweep so the map stays bounded
	if len(g.seen) > 4096 {
		cutoff := now.Add(-g.window)
		for k, ts := range g.seen {
			if ts.Before(cutoff) {
				delete(g.seen, k)
			}
		}
	}
	return true
}

// Size reports the number of tracked keys.
func (g *Governor) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
