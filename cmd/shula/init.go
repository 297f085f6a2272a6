package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shilomagen/shula-sub000/internal/pathutil"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize the state dir with a starter config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "~/.shula/"
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = args[0]
			}
			dir = pathutil.ExpandHomePath(dir)
			if strings.TrimSpace(dir) == "" {
				return fmt.Errorf("invalid dir")
			}
			dir = filepath.Clean(dir)

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}

			cfgPath := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}

			body, err := starterConfig(dir)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, body, 0o644); err != nil {
				return err
			}

			fmt.Printf("initialized %s\n", cfgPath)
			return nil
		},
	}
	return cmd
}

func starterConfig(dir string) ([]byte, error) {
	cfg := map[string]any{
		"file_state_dir": dir,
		"logging": map[string]any{
			"level":  "info",
			"format": "text",
		},
		"bridge": map[string]any{
			"url":   "ws://127.0.0.1:8777/driver",
			"token": "",
		},
		"session": map[string]any{
			"self_id":        "",
			"probe_interval": "30s",
			"backoff_base":   "5s",
			"backoff_max":    "5m",
		},
		"inbound": map[string]any{
			"dedup_window":        "2m",
			"group_sync_cooldown": "1h",
		},
		"outbound": map[string]any{
			"send_interval": "500ms",
		},
		"queue": map[string]any{
			"backend": "memory",
			"dsn":     "",
		},
		"backend": map[string]any{
			"url":   "",
			"token": "",
		},
		"downstream": map[string]any{
			"url":   "",
			"token": "",
		},
		"status": map[string]any{
			"webhook_url": "",
		},
		"server": map[string]any{
			"bind": "127.0.0.1",
			"port": 8380,
		},
	}
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode starter config: %w", err)
	}
	return body, nil
}
