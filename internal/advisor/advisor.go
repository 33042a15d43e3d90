// Package advisor abstracts LLM-assisted heuristics behind a deterministic
// fallback: every call works without a model, and the LLM path (Gemini via
// google.golang.org/genai) is blended in only when configured.
package advisor

import (
	"context"
	"strings"

	"github.com/nexus-agent/nexus/internal/logging"
)

// Advisor answers reflection and judgment queries. Implementations must
// never block beyond ctx and must degrade to (zero, false) on failure so
// callers fall back to heuristics.
type Advisor interface {
	// Reflect produces a short analysis of a task outcome.
	Reflect(ctx context.Context, prompt string) (string, bool)
	// JudgeSourceQuality scores a knowledge source in [0,1].
	JudgeSourceQuality(ctx context.Context, source string, recentFindings int) (float64, bool)
}

// Heuristic is the always-available advisor: deterministic pattern answers,
// no network.
type Heuristic struct{}

// Reflect classifies the prompt into a canned reflection.
func (Heuristic) Reflect(ctx context.Context, prompt string) (string, bool) {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "fail") || strings.Contains(lower, "error"):
		return "failure_pattern: inspect the error class, reduce scope, and retry with verification", true
	case strings.Contains(lower, "retry"):
		return "retry_pattern: the operation needed retries; consider a longer timeout or smaller step", true
	case strings.Contains(lower, "success") || strings.Contains(lower, "completed"):
		return "success_pattern: approach worked; record it for reuse on similar tasks", true
	default:
		return "neutral: no strong signal; gather more observations before changing behaviour", true
	}
}

// JudgeSourceQuality scores purely on finding volume.
func (Heuristic) JudgeSourceQuality(ctx context.Context, source string, recentFindings int) (float64, bool) {
	switch {
	case recentFindings >= 50:
		return 0.9, true
	case recentFindings >= 10:
		return 0.6, true
	case recentFindings > 0:
		return 0.4, true
	default:
		return 0.2, true
	}
}

// WithFallback chains a primary advisor over the heuristic: if the primary
// declines (ok=false), the heuristic answers.
type WithFallback struct {
	Primary  Advisor
	Fallback Heuristic
	log      *logging.Logger
}

// NewWithFallback builds the chain. primary may be nil.
func NewWithFallback(primary Advisor) *WithFallback {
	return &WithFallback{Primary: primary, log: logging.Get(logging.CategoryScheduler)}
}

func (w *WithFallback) Reflect(ctx context.Context, prompt string) (string, bool) {
	if w.Primary != nil {
		if out, ok := w.Primary.Reflect(ctx, prompt); ok {
			return out, true
		}
		w.log.Debug("advisor primary declined reflect; using heuristic")
	}
	return w.Fallback.Reflect(ctx, prompt)
}

func (w *WithFallback) JudgeSourceQuality(ctx context.Context, source string, recentFindings int) (float64, bool) {
	if w.Primary != nil {
		if score, ok := w.Primary.JudgeSourceQuality(ctx, source, recentFindings); ok {
			return score, true
		}
	}
	return w.Fallback.JudgeSourceQuality(ctx, source, recentFindings)
}
