package cli

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop [name...]",
	Short: "Stop running switchboard processes",
	Long: `Send SIGTERM to the named processes (gateway, switchboard, agent-<id>),
or to every running process when no name is given, and wait for them to exit.
Processes still running after --timeout are killed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		return stopProcesses(cmd.OutOrStdout(), cfg.DataDir, args, time.Duration(stopTimeout)*time.Second)
	},
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for each process to stop")
	rootCmd.AddCommand(stopCmd)
}

func stopProcesses(out io.Writer, dataDir string, names []string, timeout time.Duration) error {
	var targets []processEntry
	if len(names) == 0 {
		entries, err := listProcesses(dataDir)
		if err != nil {
			return err
		}
		targets = entries
	} else {
		for _, name := range names {
			targets = append(targets, processEntry{name: name, pidFile: daemon.PIDFilePath(dataDir, name)})
		}
	}

	stopped := 0
	for _, t := range targets {
		if !daemon.IsRunning(t.pidFile) {
			os.Remove(t.pidFile)
			continue
		}
		if err := stopProcess(out, t, timeout); err != nil {
			return err
		}
		stopped++
	}

	if stopped == 0 {
		fmt.Fprintln(out, "Nothing running")
	}
	return nil
}

func stopProcess(out io.Writer, t processEntry, timeout time.Duration) error {
	pid, err := daemon.ReadPID(t.pidFile)
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to %s: %w", t.name, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.IsRunning(t.pidFile) {
			fmt.Fprintf(out, "%s stopped\n", t.name)
			os.Remove(t.pidFile)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintf(out, "%s: timeout reached, sending SIGKILL\n", t.name)
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL to %s: %w", t.name, err)
	}
	os.Remove(t.pidFile)
	fmt.Fprintf(out, "%s killed\n", t.name)
	return nil
}
