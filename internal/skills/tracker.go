// Package skills tracks per-skill proficiency: execution counts, success
// rates, timing, a 1–10 level derived from them, and the recommendation
// engine the loop uses to decide whether to learn first or execute.
package skills

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nexus-agent/nexus/internal/logging"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

// Recommendation kinds, ordered by increasing mastery.
const (
	RecommendLearn             = "learn"
	RecommendLearnThenExecute  = "learn_then_execute"
	RecommendExecuteWithVerify = "execute_with_verification"
	RecommendExecute           = "execute"
	RecommendDelegate          = "delegate"
)

// Record is one skill's lifetime statistics.
type Record struct {
	Name            string       `json:"name"`
	Level           float64      `json:"level"`
	TotalExecutions int          `json:"total_executions"`
	TotalFailures   int          `json:"total_failures"`
	TotalTimeMs     float64      `json:"total_time_ms"`
	BestTimeMs      float64      `json:"best_time_ms"`
	AvgTimeMs       float64      `json:"avg_time_ms"`
	Mastered        bool         `json:"mastered"`
	CanDelegate     bool         `json:"can_delegate"`
	LevelHistory    []LevelEntry `json:"level_history,omitempty"`
}

// LevelEntry records a level change.
type LevelEntry struct {
	TS    time.Time `json:"ts"`
	Level float64   `json:"level"`
}

// Recommendation is the engine's advice for a task type.
type Recommendation struct {
	Recommendation    string  `json:"recommendation"`
	Confidence        float64 `json:"confidence"`
	Reason            string  `json:"reason"`
	SuggestedApproach string  `json:"suggested_approach"`
}

// Tracker owns skill records. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	path   string
	skills map[string]*Record
	log    *logging.Logger
}

// NewTracker loads persisted records from path (a JSON file).
func NewTracker(path string) *Tracker {
	t := &Tracker{
		path:   path,
		skills: make(map[string]*Record),
		log:    logging.Get(logging.CategorySkills),
	}
	var doc struct {
		Skills []Record `json:"skills"`
	}
	if _, err := storagev2.ReadJSON(path, &doc); err == nil {
		for i := range doc.Skills {
			rec := doc.Skills[i]
			t.skills[rec.Name] = &rec
		}
	}
	return t
}

// RecordExecution updates a skill's counters and recomputes its level:
// level = 1 + min(3, exec/10) + min(3, success_rate·3) + min(3, best/avg·3),
// capped at 10. Mastered at level ≥ 8 with ≥90% success; delegable at
// level ≥ 9 with ≥50 executions.
func (t *Tracker) RecordExecution(skill string, durationMs float64, success bool, context string) Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.skills[skill]
	if !ok {
		rec = &Record{Name: skill, Level: 1, BestTimeMs: durationMs}
		t.skills[skill] = rec
	}

	rec.TotalExecutions++
	if !success {
		rec.TotalFailures++
	}
	rec.TotalTimeMs += durationMs
	rec.AvgTimeMs = rec.TotalTimeMs / float64(rec.TotalExecutions)
	if durationMs > 0 && (rec.BestTimeMs == 0 || durationMs < rec.BestTimeMs) {
		rec.BestTimeMs = durationMs
	}

	successRate := rec.successRate()
	experienceBonus := minF(3, float64(rec.TotalExecutions)/10.0)
	successBonus := minF(3, successRate*3)
	speedBonus := 0.0
	if rec.AvgTimeMs > 0 {
		speedBonus = minF(3, rec.BestTimeMs/rec.AvgTimeMs*3)
	}

	level := 1 + experienceBonus + successBonus + speedBonus
	if level > 10 {
		level = 10
	}
	if level != rec.Level {
		rec.Level = level
		rec.LevelHistory = append(rec.LevelHistory, LevelEntry{TS: time.Now(), Level: level})
		if len(rec.LevelHistory) > 50 {
			rec.LevelHistory = rec.LevelHistory[len(rec.LevelHistory)-50:]
		}
	}

	rec.Mastered = rec.Level >= 8 && successRate >= 0.9
	rec.CanDelegate = rec.Level >= 9 && rec.TotalExecutions >= 50

	t.persistLocked()
	return *rec
}

func (r *Record) successRate() float64 {
	if r.TotalExecutions == 0 {
		return 0
	}
	return float64(r.TotalExecutions-r.TotalFailures) / float64(r.TotalExecutions)
}

// Get returns a copy of the record for skill.
func (t *Tracker) Get(skill string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.skills[skill]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns all records, name-sorted.
func (t *Tracker) All() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.skills))
	for _, rec := range t.skills {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetSkillRecommendation advises how to approach a task type based on the
// matching skill's level and success rate.
func (t *Tracker) GetSkillRecommendation(taskType string) Recommendation {
	t.mu.Lock()
	rec, ok := t.skills[taskType]
	var level, successRate float64
	var executions int
	if ok {
		level = rec.Level
		successRate = rec.successRate()
		executions = rec.TotalExecutions
	}
	canDelegate := ok && rec.CanDelegate
	t.mu.Unlock()

	switch {
	case !ok || executions == 0:
		return Recommendation{
			Recommendation:    RecommendLearn,
			Confidence:        0.9,
			Reason:            fmt.Sprintf("no execution history for %q", taskType),
			SuggestedApproach: "gather knowledge and run a low-risk trial first",
		}
	case canDelegate:
		return Recommendation{
			Recommendation:    RecommendDelegate,
			Confidence:        0.9,
			Reason:            fmt.Sprintf("level %.1f with %d executions", level, executions),
			SuggestedApproach: "delegate and spot-check the result",
		}
	case level >= 7 && successRate >= 0.8:
		return Recommendation{
			Recommendation:    RecommendExecute,
			Confidence:        0.8,
			Reason:            fmt.Sprintf("proficient: level %.1f, %.0f%% success", level, successRate*100),
			SuggestedApproach: "execute directly",
		}
	case level >= 4 && successRate >= 0.5:
		return Recommendation{
			Recommendation:    RecommendExecuteWithVerify,
			Confidence:        0.7,
			Reason:            fmt.Sprintf("moderate skill: level %.1f", level),
			SuggestedApproach: "execute, then verify the outcome before relying on it",
		}
	default:
		return Recommendation{
			Recommendation:    RecommendLearnThenExecute,
			Confidence:        0.6,
			Reason:            fmt.Sprintf("low skill: level %.1f, %.0f%% success", level, successRate*100),
			SuggestedApproach: "review related knowledge, then attempt with verification",
		}
	}
}

// GetBestSkillForTask tokenizes skill names against the task text:
// score = 0.4·keyword_match + 0.3·(level/10) + 0.3·success_rate.
// Returns the best match, or ok=false when nothing matches at all.
func (t *Tracker) GetBestSkillForTask(text string) (Record, float64, bool) {
	words := strings.Fields(strings.ToLower(text))
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var best *Record
	bestScore := 0.0
	for _, rec := range t.skills {
		tokens := strings.FieldsFunc(strings.ToLower(rec.Name), func(r rune) bool {
			return r == '_' || r == '-' || r == ' '
		})
		matched := 0
		for _, tok := range tokens {
			if wordSet[tok] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		keywordMatch := float64(matched) / float64(len(tokens))
		score := 0.4*keywordMatch + 0.3*(rec.Level/10.0) + 0.3*rec.successRate()
		if score > bestScore {
			bestScore = score
			best = rec
		}
	}
	if best == nil {
		return Record{}, 0, false
	}
	return *best, bestScore, true
}

// Stats summarizes the tracker for status endpoints.
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	mastered := 0
	var totalLevel float64
	for _, rec := range t.skills {
		if rec.Mastered {
			mastered++
		}
		totalLevel += rec.Level
	}
	avg := 0.0
	if len(t.skills) > 0 {
		avg = totalLevel / float64(len(t.skills))
	}
	return map[string]interface{}{
		"total_skills": len(t.skills),
		"mastered":     mastered,
		"avg_level":    avg,
	}
}

func (t *Tracker) persistLocked() {
	out := make([]Record, 0, len(t.skills))
	for _, rec := range t.skills {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	doc := map[string]interface{}{"skills": out, "updated_at": time.Now()}
	if err := storagev2.AtomicWriteJSON(t.path, doc); err != nil {
		t.log.Error("persist skills: %v", err)
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
