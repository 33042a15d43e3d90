package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := apiGet("/status")
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}

			var status struct {
				Status string                 `json:"status"`
				Stats  map[string]interface{} `json:"stats"`
			}
			if err := json.Unmarshal(raw, &status); err != nil {
				return err
			}

			state := okStyle.Render(status.Status)
			if status.Status != "running" {
				state = warnStyle.Render(status.Status)
			}

			out := titleStyle.Render("NEXUS") + "  " + state + "\n"
			for _, key := range []string{"loop", "tasks", "proposals", "skills", "knowledge"} {
				if v, ok := status.Stats[key]; ok {
					out += keyStyle.Render(key+": ") + fmt.Sprintf("%v", v) + "\n"
				}
			}
			fmt.Println(boxStyle.Render(out))
			return nil
		},
	}
}

func safetyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "safety",
		Short: "Show execution mode and recent policy blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := apiGet("/safety")
			if err != nil {
				return err
			}

			var safety struct {
				ExecutionMode       string `json:"execution_mode"`
				PolicyBlockedRecent int    `json:"policy_blocked_recent"`
			}
			if err := json.Unmarshal(raw, &safety); err != nil {
				return err
			}

			mode := okStyle.Render(safety.ExecutionMode)
			if safety.ExecutionMode == "FULL_AUTO" {
				mode = warnStyle.Render(safety.ExecutionMode)
			}
			blocked := okStyle.Render(fmt.Sprintf("%d", safety.PolicyBlockedRecent))
			if safety.PolicyBlockedRecent > 0 {
				blocked = errStyle.Render(fmt.Sprintf("%d", safety.PolicyBlockedRecent))
			}

			fmt.Println(boxStyle.Render(
				titleStyle.Render("Safety") + "\n" +
					keyStyle.Render("mode: ") + mode + "\n" +
					keyStyle.Render("recent policy blocks: ") + blocked))
			return nil
		},
	}
}
