package httpapi

// Request bodies are statically typed with validation bounds enforced at
// decode time; a violation is rejected with 422 before any component runs.

// LearnRequest feeds one knowledge item into the memory store.
type LearnRequest struct {
	Source    string   `json:"source" validate:"required,min=1,max=200"`
	Type      string   `json:"type" validate:"required,min=1,max=50"`
	Title     string   `json:"title" validate:"required,min=1,max=500"`
	Content   string   `json:"content" validate:"required,min=1,max=50000"`
	URL       string   `json:"url,omitempty" validate:"max=2000"`
	Relevance float64  `json:"relevance" validate:"gte=0,lte=1"`
	Tags      []string `json:"tags,omitempty" validate:"max=20"`
}

// SearchRequest queries the knowledge store.
type SearchRequest struct {
	Query string `json:"query" validate:"required,min=1,max=1000"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
}

// ExecuteRequest runs a task through the autonomous loop.
type ExecuteRequest struct {
	Task                 string                 `json:"task" validate:"required,min=1,max=5000"`
	Action               string                 `json:"action,omitempty" validate:"max=100"`
	Params               map[string]interface{} `json:"params,omitempty"`
	MaxCycles            int                    `json:"max_cycles,omitempty" validate:"omitempty,min=1,max=100"`
	VerificationRequired bool                   `json:"verification_required,omitempty"`
}

// FeedbackRequest records operator feedback.
type FeedbackRequest struct {
	Content  string `json:"content" validate:"required,min=1,max=10000"`
	Approved bool   `json:"approved"`
	TaskID   string `json:"task_id,omitempty" validate:"max=100"`
}

// TaskExecutionRequest records an externally executed skill run.
type TaskExecutionRequest struct {
	Skill      string  `json:"skill" validate:"required,min=1,max=200"`
	DurationMs float64 `json:"duration_ms" validate:"gte=0"`
	Success    bool    `json:"success"`
	Context    string  `json:"context,omitempty" validate:"max=2000"`
}
