package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which switchboard processes are running",
	Long:  `List the gateway and agent processes that recorded a PID file in the data directory.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), cfg.DataDir, time.Now())
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// processEntry is one PID file found in the data directory
type processEntry struct {
	name    string
	pidFile string
}

func listProcesses(dataDir string) ([]processEntry, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.pid"))
	if err != nil {
		return nil, fmt.Errorf("failed to list PID files: %w", err)
	}
	sort.Strings(files)

	entries := make([]processEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, processEntry{
			name:    strings.TrimSuffix(filepath.Base(f), ".pid"),
			pidFile: f,
		})
	}
	return entries, nil
}

func printStatus(out io.Writer, dataDir string, now time.Time) error {
	entries, err := listProcesses(dataDir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	for _, e := range entries {
		if !daemon.IsRunning(e.pidFile) {
			fmt.Fprintf(out, "%s: stopped (stale PID file)\n", e.name)
			continue
		}
		pid, err := daemon.ReadPID(e.pidFile)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s: running (PID %d", e.name, pid)
		if info, err := os.Stat(e.pidFile); err == nil {
			line += ", uptime " + formatDuration(now.Sub(info.ModTime()))
		}
		fmt.Fprintln(out, line+")")
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
