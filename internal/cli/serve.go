package cli

import (
	"context"
	"fmt"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	gatewayWithAgents bool
	agentAll          bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the session routing gateway",
	Long: `Run the client-facing gateway. It accepts client websockets on /ws, the
agent registry API on /agents, and serves /healthz and /metrics.

With --with-agents every configured worker is hosted in the same process,
which is the only way to share the in-memory session store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := daemon.Options{Gateway: true}
		if gatewayWithAgents {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			opts.Agents = agentIDs(cfg)
		}
		return serve(cmd, opts)
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent [id...]",
	Short: "Run one or more specialist agent workers",
	Long: `Run the named workers from the config file. Each worker listens for
gateway connections on /session, registers with the gateway at gateway_url and
keeps its heartbeat fresh.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := args
		if agentAll {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			ids = agentIDs(cfg)
		}
		if len(ids) == 0 {
			return fmt.Errorf("name at least one agent id or pass --all")
		}
		return serve(cmd, daemon.Options{Agents: ids})
	},
}

func init() {
	gatewayCmd.Flags().BoolVar(&gatewayWithAgents, "with-agents", false, "also host every configured agent in this process")
	agentCmd.Flags().BoolVar(&agentAll, "all", false, "run every configured agent")

	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(agentCmd)
}

func agentIDs(cfg *config.Config) []string {
	ids := make([]string, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// serve runs a daemon until it is signalled. A store that cannot be reached
// within the retry policy makes the command fail with a non-zero exit.
func serve(cmd *cobra.Command, opts daemon.Options) error {
	cfg, log, err := loadRuntime(cmd)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d, err := daemon.New(ctx, cfg, log, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return err
	}
	if err := d.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.ShutdownTimeout)
		defer cancel()
		_ = d.Stop(stopCtx)
		return err
	}

	d.Wait(ctx)
	return nil
}
