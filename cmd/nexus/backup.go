package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nexus-agent/nexus/internal/backup"
)

func backupManager() (*backup.Manager, error) {
	cfg, root, err := loadConfig()
	if err != nil {
		return nil, err
	}
	bc := cfg.Backup
	if !filepath.IsAbs(bc.Dir) {
		bc.Dir = filepath.Join(root, bc.Dir)
	}
	brainDir := filepath.Join(root, cfg.DataDir, "brain")
	return backup.NewManager(bc, brainDir), nil
}

func backupCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the brain data files",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backupManager()
			if err != nil {
				return err
			}
			info, err := m.Create(tag)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%d bytes)\n", info.Name, info.SizeBytes)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "optional tag appended to the archive name")
	return cmd
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-name>",
		Short: "Restore brain data files from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := backupManager()
			if err != nil {
				return err
			}
			restored, err := m.Restore(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("restored %d files from %s\n", restored, args[0])
			return nil
		},
	}
}
