package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

func handleLearnKnowledge(ctx context.Context, e *Executor, p Params) (*Output, error) {
	if e.mem == nil {
		return nil, errors.New("learn_knowledge: no memory store attached")
	}
	title := p.Str("title")
	if title == "" {
		return nil, errors.New("learn_knowledge: 'title' must be non-empty")
	}

	var tags []string
	if raw, ok := p["tags"].([]interface{}); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
	}

	id, err := e.mem.Learn(
		p.Str("source"), p.Str("type"), title,
		p.Str("content"), p.Str("url"),
		p.Float("relevance", 0.5), tags,
	)
	if err != nil {
		return nil, handlerError("learn_knowledge", err)
	}
	return &Output{Text: "learned " + id, Data: map[string]interface{}{"id": id}}, nil
}

func handleQueryKnowledge(ctx context.Context, e *Executor, p Params) (*Output, error) {
	if e.mem == nil {
		return nil, errors.New("query_knowledge: no memory store attached")
	}
	query := p.Str("query")
	limit := int(p.Float("limit", 10))

	results := e.mem.Search(query, limit)
	var lines []string
	items := make([]map[string]interface{}, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%.2f %s", r.Score, r.Item.Title))
		items = append(items, map[string]interface{}{
			"id": r.Item.ID, "title": r.Item.Title, "score": r.Score,
		})
	}
	return &Output{
		Text: strings.Join(lines, "\n"),
		Data: map[string]interface{}{"results": items, "count": len(items)},
	}, nil
}

// handleCreateTask decouples task creation from the loop by emitting a
// task_requested event; the autonomous loop subscribes and enqueues.
func handleCreateTask(ctx context.Context, e *Executor, p Params) (*Output, error) {
	name := p.Str("name")
	if name == "" {
		return nil, errors.New("create_task: 'name' must be non-empty")
	}
	if e.bus == nil {
		return nil, errors.New("create_task: no event bus attached")
	}

	e.bus.Emit("task_requested", map[string]interface{}{
		"name":        name,
		"description": p.Str("description"),
		"action":      p.Str("action"),
		"priority":    p.Str("priority"),
		"params":      map[string]interface{}(p),
	})
	return &Output{Text: "task requested: " + name, Data: map[string]interface{}{"name": name}}, nil
}

// handleAnalyzeCode computes simple structural statistics for a source
// file: line counts, function counts, and TODO markers.
func handleAnalyzeCode(ctx context.Context, e *Executor, p Params) (*Output, error) {
	path := p.Str("path")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, handlerError("analyze_code", err)
	}

	lines := strings.Split(string(raw), "\n")
	var blank, comments, funcs, todos int
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			blank++
		case strings.HasPrefix(trimmed, "//"), strings.HasPrefix(trimmed, "#"):
			comments++
		}
		if strings.HasPrefix(trimmed, "func ") || strings.HasPrefix(trimmed, "def ") {
			funcs++
		}
		if strings.Contains(trimmed, "TODO") || strings.Contains(trimmed, "FIXME") {
			todos++
		}
	}

	data := map[string]interface{}{
		"path":      path,
		"lines":     len(lines),
		"blank":     blank,
		"comments":  comments,
		"functions": funcs,
		"todos":     todos,
	}
	return &Output{
		Text: fmt.Sprintf("%s: %d lines, %d functions, %d todos", path, len(lines), funcs, todos),
		Data: data,
	}, nil
}
