package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexus-agent/nexus/internal/action"
	"github.com/nexus-agent/nexus/internal/loop"
	"github.com/nexus-agent/nexus/internal/storagev2"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": runStatus(s.runner),
		"stats": map[string]interface{}{
			"loop":      s.runner.Stats(),
			"tasks":     s.core.Loop.Stats(),
			"proposals": s.core.Proposals.Stats(),
			"skills":    s.core.Skills.Stats(),
			"knowledge": s.core.Memory.Count(),
		},
	})
}

func runStatus(runner Runner) string {
	if runner.Running() {
		return "running"
	}
	return "stopped"
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Running() {
		s.startLoop()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "started"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.runner.Stop()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "stopping"})
}

func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req LearnRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.core.Memory.Learn(req.Source, req.Type, req.Title, req.Content, req.URL, req.Relevance, req.Tags)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": id})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.core.Memory.RecordFeedback(req.Content, req.Approved, req.TaskID); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req TaskExecutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.core.Skills.RecordExecution(req.Skill, req.DurationMs, req.Success, req.Context)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decode(w, r, &req) {
		return
	}
	results := s.core.Memory.Search(req.Query, req.Limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results, "count": len(results)})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !s.decode(w, r, &req) {
		return
	}

	actionType := req.Action
	if actionType == "" {
		actionType = "run_command"
	}
	task := loop.Task{
		Name:     req.Task,
		Action:   actionType,
		Params:   req.Params,
		Priority: loop.PriorityHigh,
	}
	s.core.Loop.ExecuteTask(r.Context(), &task)

	success := task.Status == loop.TaskCompleted
	if req.VerificationRequired && !success {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"success": false,
			"result":  task.Result,
			"error":   "verification required and execution failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": success, "result": task.Result})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":  s.core.Skills.Stats(),
		"skills": s.core.Skills.All(),
	})
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"knowledge_items": s.core.Memory.Count(),
		"recent_patterns": s.core.Memory.RecentPatterns(10),
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loop":     s.runner.Stats(),
		"evidence": s.core.Storage.TailEvidence(10),
	})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	recent := s.core.Executor.Recent(20)
	blocked := 0
	for _, res := range recent {
		if res.PolicyBlocked {
			blocked++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"execution_mode":        string(s.core.Executor.Mode()),
		"policy_blocked_recent": blocked,
		"recent_actions":        recent,
	})
}

func (s *Server) handleTrustMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.core.Executor.Trust())
}

func (s *Server) handleSkillRecommendation(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "task_type")
	writeJSON(w, http.StatusOK, s.core.Skills.GetSkillRecommendation(taskType))
}

func (s *Server) handleBudgetProjection(w http.ResponseWriter, r *http.Request) {
	var totalCost float64
	runs := 0
	err := s.core.Storage.MutateRuns(func(doc *storagev2.RunsDoc) {
		for _, run := range doc.Runs {
			runs++
			if cost, ok := run.Artifacts["estimated_cost_usd"].(float64); ok {
				totalCost += cost
			}
		}
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}

	perRun := 0.0
	if runs > 0 {
		perRun = totalCost / float64(runs)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_runs":          runs,
		"total_cost_usd":      totalCost,
		"avg_cost_per_run":    perRun,
		"projected_daily_usd": perRun * 24 * 3, // up to 3 actionable runs per hourly window
		"generated_at":        time.Now(),
	})
}

func (s *Server) handleSourceQuality(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": s.core.Scout.QualityReport(r.Context()),
	})
}

func (s *Server) handleSystemOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"loop":      s.runner.Stats(),
		"tasks":     s.core.Loop.Stats(),
		"proposals": s.core.Proposals.Stats(),
		"debugger":  s.core.Debugger.Summary(),
		"bandit":    s.core.Bandit.Selected(),
		"skills":    s.core.Skills.Stats(),
		"knowledge": s.core.Memory.Count(),
		"sources":   len(s.core.Scout.Sources()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.core.Debugger.GetHealthReport()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": report.Status,
		"checks": map[string]interface{}{
			"health_score": report.HealthScore,
			"open_issues":  report.OpenIssues,
			"loop_running": s.runner.Running(),
		},
		"timestamp": time.Now(),
	})
}

func (s *Server) handleSelfDiagnostic(w http.ResponseWriter, r *http.Request) {
	report := s.core.Debugger.GetHealthReport()
	verdict := "ok"
	if report.Status != "healthy" {
		verdict = "needs_attention"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"score":   report.HealthScore,
		"issues":  s.core.Debugger.OpenIssues(),
		"verdict": verdict,
	})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var actions []string

	if pruned := s.core.RateLimiter.Prune(30 * time.Minute); pruned > 0 {
		actions = append(actions, "pruned rate-limit buckets")
	}
	retention := time.Duration(s.core.Cfg.Scheduler.MemoryRetentionDays) * 24 * time.Hour
	if dropped, err := s.core.Memory.Prune(retention, 1); err == nil && dropped > 0 {
		actions = append(actions, "pruned stale knowledge")
	}
	if res := s.core.Bandit.ApplyDriftGuard(200, 0.02, 0.98, 0.5, false); len(res.Adjusted) > 0 {
		actions = append(actions, "applied bandit drift guard")
	}
	if len(actions) == 0 {
		actions = append(actions, "nothing to do")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": s.core.Metrics.Snapshot(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	filterType := r.URL.Query().Get("event_type")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": s.core.Bus.GetRecentEvents(limit, filterType),
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	info, err := s.core.Backups.Create(r.URL.Query().Get("tag"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"backups": s.core.Backups.List()})
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "backup_name")
	restored, err := s.core.Backups.Restore(name)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"restored_files": restored, "name": name})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	metrics := s.core.HealthMetrics()
	report := s.core.Debugger.GetHealthReport()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  report.Status,
		"metrics": metrics,
		"recent_action_failures": countFailures(s.core.Executor.Recent(50)),
		"timestamp":              time.Now(),
	})
}

func countFailures(results []action.Result) int {
	failures := 0
	for _, res := range results {
		if res.Status != action.StatusSuccess {
			failures++
		}
	}
	return failures
}

