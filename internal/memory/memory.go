// Package memory implements NEXUS's append-only brain stores: knowledge,
// patterns, events, and feedback JSONL files with an in-memory knowledge
// index and lexical search.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

const (
	maxContentBytes = 2048
	maxTags         = 20
	maxTagLen       = 100
)

// KnowledgeItem is one learned fact.
type KnowledgeItem struct {
	ID           string    `json:"id"`
	Source       string    `json:"source"`
	Type         string    `json:"type"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	URL          string    `json:"url,omitempty"`
	Relevance    float64   `json:"relevance"`
	LearnedAt    time.Time `json:"learned_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	Tags         []string  `json:"tags,omitempty"`
}

// Pattern is a learned behavioural pattern.
type Pattern struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Context    string    `json:"context,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Feedback is one piece of operator or self feedback.
type Feedback struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Approved   bool      `json:"approved"`
	TaskID     string    `json:"task_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SearchResult pairs an item with its lexical score.
type SearchResult struct {
	Item  KnowledgeItem `json:"item"`
	Score float64       `json:"score"`
}

// Store is the append-only brain store. All methods are safe for concurrent
// use from API handler goroutines.
type Store struct {
	mu       sync.RWMutex
	brainDir string
	items    map[string]*KnowledgeItem
	log      *logging.Logger
}

// NewStore opens (or creates) the brain store under brainDir and loads the
// knowledge index into memory, skipping malformed lines.
func NewStore(brainDir string) *Store {
	s := &Store{
		brainDir: brainDir,
		items:    make(map[string]*KnowledgeItem),
		log:      logging.Get(logging.CategoryMemory),
	}
	for _, item := range storagev2.DecodeLines[KnowledgeItem](s.knowledgePath(), 0) {
		copied := item
		s.items[item.ID] = &copied
	}
	s.log.Info("loaded %d knowledge items", len(s.items))
	return s
}

func (s *Store) knowledgePath() string { return filepath.Join(s.brainDir, "knowledge.jsonl") }
func (s *Store) patternsPath() string  { return filepath.Join(s.brainDir, "patterns.jsonl") }
func (s *Store) eventsPath() string    { return filepath.Join(s.brainDir, "events.jsonl") }
func (s *Store) feedbackPath() string  { return filepath.Join(s.brainDir, "feedback.jsonl") }

// ItemID derives the content-addressed ID for a knowledge item.
func ItemID(source, title string, at time.Time) string {
	sum := sha256.Sum256([]byte(source + "|" + title + "|" + at.UTC().Format(time.RFC3339)))
	return hex.EncodeToString(sum[:])[:16]
}

// Learn appends a knowledge item, bounding content and tags, and returns
// its ID. Relevance is clamped to [0,1].
func (s *Store) Learn(source, itemType, title, content, url string, relevance float64, tags []string) (string, error) {
	now := time.Now()
	if relevance < 0 {
		relevance = 0
	}
	if relevance > 1 {
		relevance = 1
	}
	if len(content) > maxContentBytes {
		content = content[:maxContentBytes]
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	bounded := make([]string, 0, len(tags))
	for _, tag := range tags {
		if len(tag) > maxTagLen {
			tag = tag[:maxTagLen]
		}
		bounded = append(bounded, tag)
	}

	item := KnowledgeItem{
		ID:           ItemID(source, title, now),
		Source:       source,
		Type:         itemType,
		Title:        title,
		Content:      content,
		URL:          url,
		Relevance:    relevance,
		LearnedAt:    now,
		LastAccessed: now,
		Tags:         bounded,
	}

	if err := storagev2.AppendJSONL(s.knowledgePath(), &item); err != nil {
		return "", fmt.Errorf("append knowledge: %w", err)
	}

	s.mu.Lock()
	s.items[item.ID] = &item
	s.mu.Unlock()
	return item.ID, nil
}

// Search ranks the in-memory index against query:
// 0.5·(query in title) + 0.3·(query in content) + 0.2·(query in tags) + relevance.
// Hits have their access counters bumped.
func (s *Store) Search(query string, limit int) []SearchResult {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(query))

	s.mu.Lock()
	defer s.mu.Unlock()

	var results []SearchResult
	for _, item := range s.items {
		score := item.Relevance
		if needle != "" {
			if strings.Contains(strings.ToLower(item.Title), needle) {
				score += 0.5
			}
			if strings.Contains(strings.ToLower(item.Content), needle) {
				score += 0.3
			}
			for _, tag := range item.Tags {
				if strings.Contains(strings.ToLower(tag), needle) {
					score += 0.2
					break
				}
			}
			if score <= item.Relevance {
				continue
			}
		}
		results = append(results, SearchResult{Item: *item, Score: score})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	now := time.Now()
	for i := range results {
		if item, ok := s.items[results[i].Item.ID]; ok {
			item.AccessCount++
			item.LastAccessed = now
			results[i].Item = *item
		}
	}
	return results
}

// Get returns the item with id.
func (s *Store) Get(id string) (KnowledgeItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return KnowledgeItem{}, false
	}
	return *item, true
}

// Count reports the number of indexed knowledge items.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RecordPattern appends a learned pattern.
func (s *Store) RecordPattern(kind, content, context string) error {
	p := Pattern{
		ID:         ItemID("pattern", kind+content, time.Now()),
		Kind:       kind,
		Content:    content,
		Context:    context,
		RecordedAt: time.Now(),
	}
	return storagev2.AppendJSONL(s.patternsPath(), &p)
}

// RecordEvent appends an arbitrary event record to events.jsonl.
func (s *Store) RecordEvent(eventType string, data map[string]interface{}) error {
	return storagev2.AppendJSONL(s.eventsPath(), map[string]interface{}{
		"type": eventType,
		"ts":   time.Now(),
		"data": data,
	})
}

// RecordFeedback appends a feedback record.
func (s *Store) RecordFeedback(content string, approved bool, taskID string) error {
	f := Feedback{
		ID:         ItemID("feedback", content, time.Now()),
		Content:    content,
		Approved:   approved,
		TaskID:     taskID,
		RecordedAt: time.Now(),
	}
	return storagev2.AppendJSONL(s.feedbackPath(), &f)
}

// RecentPatterns returns the last limit patterns.
func (s *Store) RecentPatterns(limit int) []Pattern {
	return storagev2.DecodeLines[Pattern](s.patternsPath(), limit)
}

// LeastRecentlyAccessed returns up to limit items ordered by oldest
// last-access, for the spaced-repetition review pass.
func (s *Store) LeastRecentlyAccessed(limit int) []KnowledgeItem {
	s.mu.RLock()
	items := make([]KnowledgeItem, 0, len(s.items))
	for _, item := range s.items {
		items = append(items, *item)
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].LastAccessed.Before(items[j].LastAccessed) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Touch bumps an item's access counters (a review counts as an access).
func (s *Store) Touch(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return false
	}
	item.AccessCount++
	item.LastAccessed = time.Now()
	return true
}

// Prune drops in-memory items older than retention with fewer than
// minAccess accesses, returning how many were dropped. The JSONL file is
// compacted to the surviving set.
func (s *Store) Prune(retention time.Duration, minAccess int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	var survivors []KnowledgeItem
	dropped := 0
	for id, item := range s.items {
		if item.LearnedAt.Before(cutoff) && item.AccessCount < minAccess {
			delete(s.items, id)
			dropped++
			continue
		}
		survivors = append(survivors, *item)
	}
	if dropped == 0 {
		return 0, nil
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].LearnedAt.Before(survivors[j].LearnedAt) })
	var buf strings.Builder
	for i := range survivors {
		line, err := marshalLine(&survivors[i])
		if err != nil {
			continue
		}
		buf.WriteString(line)
	}
	if err := storagev2.AtomicWriteBytes(s.knowledgePath(), []byte(buf.String())); err != nil {
		return dropped, err
	}
	s.log.Info("pruned %d knowledge items", dropped)
	return dropped, nil
}
