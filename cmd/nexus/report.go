package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

func reportCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Render the daily self-learning report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, root, err := loadConfig()
			if err != nil {
				return err
			}
			if day == "" {
				day = time.Now().Format("20060102")
			}

			path := filepath.Join(root, cfg.DataDir, "logs", "daily_self_learning_"+day+".jsonl")
			raw, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("no daily report for %s: %w", day, err)
			}

			md := buildReportMarkdown(day, raw)
			renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				fmt.Println(md)
				return nil
			}
			out, err := renderer.Render(md)
			if err != nil {
				fmt.Println(md)
				return nil
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "report day as YYYYMMDD (default today)")
	return cmd
}

// buildReportMarkdown groups the daily jsonl notes into sections.
func buildReportMarkdown(day string, raw []byte) string {
	type note struct {
		Kind    string                 `json:"kind"`
		Content string                 `json:"content"`
		Data    map[string]interface{} `json:"data"`
	}

	sections := map[string][]note{}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var n note
		if err := json.Unmarshal([]byte(line), &n); err != nil {
			continue
		}
		sections[n.Kind] = append(sections[n.Kind], n)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# NEXUS daily self-learning — %s\n\n", day)

	if ideas := sections["improvement_idea"]; len(ideas) > 0 {
		sb.WriteString("## Improvement ideas\n\n")
		for _, n := range ideas {
			fmt.Fprintf(&sb, "- %s\n", n.Content)
		}
		sb.WriteString("\n")
	}
	if exps := sections["simulated_experiment"]; len(exps) > 0 {
		sb.WriteString("## Simulated experiments\n\n")
		for _, n := range exps {
			fmt.Fprintf(&sb, "- **%s**", n.Content)
			if len(n.Data) > 0 {
				if data, err := json.Marshal(n.Data); err == nil {
					fmt.Fprintf(&sb, ": `%s`", data)
				}
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	if focus := sections["focus_rotation"]; len(focus) > 0 {
		sb.WriteString("## Focus\n\n")
		fmt.Fprintf(&sb, "Recommended focus area: **%s**\n", focus[len(focus)-1].Content)
	}
	return sb.String()
}
