package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/escrowd/escrowd/pkg/agent"
	"github.com/escrowd/escrowd/pkg/api"
	"github.com/escrowd/escrowd/pkg/auth"
	"github.com/escrowd/escrowd/pkg/config"
	"github.com/escrowd/escrowd/pkg/events"
	"github.com/escrowd/escrowd/pkg/fsm"
	"github.com/escrowd/escrowd/pkg/log"
	"github.com/escrowd/escrowd/pkg/metrics"
	"github.com/escrowd/escrowd/pkg/model"
	"github.com/escrowd/escrowd/pkg/orchestrator"
	"github.com/escrowd/escrowd/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "escrowd",
	Short: "escrowd - PIV token and disk recovery key escrow service",
	Long: `escrowd tracks the PIV tokens of a compute-node fleet and escrows
the recovery tokens that unlock their encrypted disks. Recovery
configurations are staged and activated fleet-wide through durable
transitions executed against each node's agent.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"escrowd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(pivtokenCmd)
}

// runtime bundles everything the server and worker subcommands share.
type runtime struct {
	cfg    *config.Config
	store  *storage.BoltStore
	broker *events.Broker
	model  *model.Model
}

func setup(cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)

	var storeOpts []storage.Option
	if cfg.TestBucketPrefix != "" {
		storeOpts = append(storeOpts, storage.WithBucketPrefix(cfg.TestBucketPrefix))
	}
	store, err := storage.NewBoltStore(cfg.DataDir, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	metrics.RegisterComponent("store", true, "")

	broker := events.NewBroker()
	broker.Start()

	m := model.New(store,
		model.WithBroker(broker),
		model.WithTokenDuration(cfg.RecoveryTokenDuration()),
	)

	return &runtime{cfg: cfg, store: store, broker: broker, model: m}, nil
}

func (rt *runtime) close() {
	rt.broker.Stop()
	if err := rt.store.Close(); err != nil {
		log.Errorf("failed to close store", err)
	}
}

func (rt *runtime) verifier() (*auth.Verifier, error) {
	if rt.cfg.AdminKeyFile != "" {
		return auth.NewVerifierWithAdminKey(rt.cfg.AdminKeyFile)
	}
	return auth.NewVerifier(), nil
}

func (rt *runtime) startWorker() (stop func()) {
	exec := agent.NewClient(rt.cfg.AgentURL)
	orch := orchestrator.New(rt.model, exec, rt.cfg.InstanceUUID,
		orchestrator.WithBroker(rt.broker),
		orchestrator.WithPollInterval(rt.cfg.PollInterval()),
	)
	orch.Start()

	pruner := orchestrator.NewPruner(rt.model, rt.cfg.HistoryDuration(), rt.cfg.PollInterval())
	pruner.Start()

	collector := metrics.NewCollector(rt.model)
	collector.Start()

	return func() {
		collector.Stop()
		pruner.Stop()
		orch.Stop()
	}
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the HTTP API server",
	Long: `Run the HTTP API server. With --standalone the transition worker
runs in-process as well, which is the usual single-host deployment.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		verifier, err := rt.verifier()
		if err != nil {
			return err
		}

		if standalone, _ := cmd.Flags().GetBool("standalone"); standalone {
			stopWorker := rt.startWorker()
			defer stopWorker()
		}

		server := api.NewServer(rt.cfg, rt.model, fsm.New(rt.model), verifier)
		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the transition worker",
	Long: `Run the transition orchestrator, history pruner and metrics
collector without the API server. Multiple workers may share a database;
the locked_by field arbitrates which one executes a transition.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup(cmd)
		if err != nil {
			return err
		}
		defer rt.close()

		stopWorker := rt.startWorker()
		defer stopWorker()

		log.Info("worker running")
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{serverCmd, workerCmd} {
		cmd.Flags().String("config", "", "Path to the YAML configuration file")
	}
	serverCmd.Flags().Bool("standalone", false, "Run the transition worker in-process")
}
