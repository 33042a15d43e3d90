package advisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nexus-agent/nexus/internal/logging"
)

// defaultModel is the Gemini model used when none is configured.
const defaultModel = "gemini-2.0-flash"

// LLM is the optional model-backed advisor. Every method returns ok=false
// on any failure so the fallback chain answers instead.
type LLM struct {
	client *genai.Client
	model  string
	cache  *queryCache
	log    *logging.Logger
}

// NewLLM connects to Gemini using ambient credentials (GEMINI_API_KEY or
// GOOGLE_API_KEY). Returns nil when no key is present — callers treat a nil
// advisor as "heuristic only".
func NewLLM(ctx context.Context, cacheTTL time.Duration) *LLM {
	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{})
	if err != nil {
		logging.Get(logging.CategoryScheduler).Warn("llm advisor unavailable: %v", err)
		return nil
	}
	model := os.Getenv("NEXUS_ADVISOR_MODEL")
	if model == "" {
		model = defaultModel
	}
	return &LLM{
		client: client,
		model:  model,
		cache:  newQueryCache(cacheTTL),
		log:    logging.Get(logging.CategoryScheduler),
	}
}

func (l *LLM) generate(ctx context.Context, prompt string) (string, bool) {
	if cached, ok := l.cache.get(prompt); ok {
		return cached, true
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	resp, err := l.client.Models.GenerateContent(ctx, l.model, genai.Text(prompt), nil)
	if err != nil {
		l.log.Warn("llm generate: %v", err)
		return "", false
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", false
	}
	l.cache.put(prompt, text)
	return text, true
}

// Reflect asks the model for a short outcome reflection.
func (l *LLM) Reflect(ctx context.Context, prompt string) (string, bool) {
	return l.generate(ctx, "In two sentences, reflect on this task outcome and name the reusable pattern:\n"+prompt)
}

// JudgeSourceQuality asks the model for a 0–10 score and normalizes it.
func (l *LLM) JudgeSourceQuality(ctx context.Context, source string, recentFindings int) (float64, bool) {
	prompt := fmt.Sprintf(
		"Rate the knowledge source %q (recent findings: %d) for an autonomous learning agent. Reply with only a number from 0 to 10.",
		source, recentFindings)
	text, ok := l.generate(ctx, prompt)
	if !ok {
		return 0, false
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0, false
	}
	score, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "."), 64)
	if err != nil || score < 0 || score > 10 {
		return 0, false
	}
	return score / 10.0, true
}
