package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zen-systems/arbiter/pkg/config"
	"github.com/zen-systems/arbiter/pkg/crypto"
	"github.com/zen-systems/arbiter/pkg/dispatch"
	"github.com/zen-systems/arbiter/pkg/ledger"
	"github.com/zen-systems/arbiter/pkg/orchestrator"
	"github.com/zen-systems/arbiter/pkg/policy"
	"github.com/zen-systems/arbiter/pkg/registry"
	"github.com/zen-systems/arbiter/pkg/router"
	"github.com/zen-systems/arbiter/pkg/store"
	"github.com/zen-systems/arbiter/pkg/telemetry"
	"github.com/zen-systems/arbiter/pkg/validator"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "arbiter",
		Short: "Autonomous task orchestration with adaptive routing and constitutional validation",
		Long: `Arbiter routes tasks to the best-suited worker agent, validates every
	output against risk-tiered quality gates, and records signed verdicts
	on a tamper-evident provenance chain.`,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(policiesCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var agentsFile string
	var tasksFile string
	var waiversFile string
	var mockFlag bool
	var waitTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch of tasks against a roster of agents",
		Long: `Registers the agents from the roster, submits every task from the
	manifest, and drives each one through routing, dispatch, and
	constitutional validation until it is accepted or escalated.

	Use --mock to script worker responses locally instead of calling
	provider APIs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentsFile == "" || tasksFile == "" {
				return fmt.Errorf("--agents and --tasks are required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			profiles, err := config.LoadAgentManifest(agentsFile)
			if err != nil {
				return err
			}
			tasks, err := config.LoadTaskManifest(tasksFile)
			if err != nil {
				return err
			}

			st, err := store.NewStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			signer, err := crypto.NewSigner(cfg.Signing.KeyDir, cfg.Signing.KeyID)
			if err != nil {
				return fmt.Errorf("failed to initialize signer: %w", err)
			}
			led, err := ledger.Open(st, signer)
			if err != nil {
				return fmt.Errorf("failed to open ledger: %w", err)
			}

			waivers := validator.NewWaiverStore()
			if waiversFile != "" {
				loaded, err := config.LoadWaiverManifest(waiversFile)
				if err != nil {
					return err
				}
				for _, w := range loaded {
					if _, err := waivers.Add(w); err != nil {
						return fmt.Errorf("waiver %s: %w", w.ID, err)
					}
				}
			}

			reg := registry.New(0)
			tracker := telemetry.New(reg, telemetry.NewStoreSink(st), telemetry.Config{
				Capacity:      cfg.Telemetry.BufferCapacity,
				FlushInterval: time.Duration(cfg.Telemetry.FlushIntervalMs) * time.Millisecond,
				Alpha:         cfg.Telemetry.Alpha,
			})
			rt := router.New(reg, tracker, router.Config{
				Epsilon:     cfg.Routing.Epsilon,
				UCBConstant: cfg.Routing.UCBConstant,
				Seed:        cfg.Routing.Seed,
			}, router.WithDecisionLog(router.NewStoreLog(st)))
			val := validator.New(policy.NewRegistry(), waivers, led)

			pool, err := createBackends(cfg, profiles, mockFlag)
			if err != nil {
				return err
			}

			orch := orchestrator.New(reg, rt, val, tracker, pool, orchestrator.Config{
				MaxRetries:     cfg.Orchestrator.MaxRetries,
				MaxConcurrency: cfg.Orchestrator.MaxConcurrency,
			}, orchestrator.WithArtifactStore(st))

			for _, p := range profiles {
				if _, err := reg.Register(p); err != nil {
					return fmt.Errorf("register agent %s: %w", p.ID, err)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			tracker.Start(ctx)
			orch.Start(ctx)
			defer func() {
				orch.Close()
				tracker.Close()
			}()

			ids := make([]string, 0, len(tasks))
			for _, t := range tasks {
				id, err := orch.Submit(t)
				if err != nil {
					return fmt.Errorf("submit task %s: %w", t.ID, err)
				}
				ids = append(ids, id)
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, waitTimeout)
			defer waitCancel()
			if err := orch.WaitAll(waitCtx); err != nil {
				log.Printf("[arbiter] wait: %v", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tSTATE\tATTEMPTS\tAGENT\tOUTCOME")
			for _, id := range ids {
				status, err := orch.Status(id)
				if err != nil {
					return err
				}
				agent, outcome := "-", "-"
				if n := len(status.Attempts); n > 0 {
					agent = status.Attempts[n-1].AgentID
				}
				if n := len(status.Verdicts); n > 0 {
					outcome = string(status.Verdicts[n-1].Outcome)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", id, status.State, len(status.Attempts), agent, outcome)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&agentsFile, "agents", "a", "", "agent roster YAML (required)")
	cmd.Flags().StringVarP(&tasksFile, "tasks", "t", "", "task manifest YAML (required)")
	cmd.Flags().StringVar(&waiversFile, "waivers", "", "approved waiver manifest YAML")
	cmd.Flags().BoolVar(&mockFlag, "mock", false, "use mock backends instead of provider APIs")
	cmd.Flags().DurationVar(&waitTimeout, "wait", 10*time.Minute, "max time to wait for all tasks to settle")

	return cmd
}

func agentsCmd() *cobra.Command {
	var agentsFile string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show the agent roster and provider readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentsFile == "" {
				return fmt.Errorf("--agents is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			profiles, err := config.LoadAgentManifest(agentsFile)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tCAPABILITIES\tSTATUS")
			for _, p := range profiles {
				status := "no key"
				if cfg.HasProvider(p.Provider) || p.Provider == "mock" {
					status = "ready"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Provider, p.Model, len(p.Capabilities), status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&agentsFile, "agents", "a", "", "agent roster YAML (required)")

	return cmd
}

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "Show the risk-tier policy table",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := policy.NewRegistry()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tMAX FILES\tMAX LINES\tMAX DURATION\tMIN COVERAGE\tEVIDENCE\tMIN QUALITY")
			for _, p := range reg.Tiers() {
				evidence := "optional"
				if p.Thresholds.RequireEvidence {
					evidence = "required"
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%.2f\t%s\t%.2f\n",
					p.Tier, p.Budget.MaxFiles, p.Budget.MaxLines,
					time.Duration(p.Budget.MaxDurationMs)*time.Millisecond,
					p.Thresholds.MinCoverage, evidence, p.Thresholds.MinQualityScore)
			}
			return w.Flush()
		},
	}
}

func verifyCmd() *cobra.Command {
	var signedFlag bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the provenance chain of recorded verdicts",
		Long: `Recomputes every verdict hash and prev-hash link in the store's
	verdict stream. Use --signed to additionally check each verdict's
	ed25519 signature.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.NewStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			led, err := ledger.Open(st, nil)
			if err != nil {
				return err
			}
			verdicts, err := led.Verdicts()
			if err != nil {
				return err
			}

			if signedFlag {
				if err := ledger.VerifyChainSigned(verdicts, cfg.Signing.KeyDir); err != nil {
					return err
				}
			} else if err := ledger.VerifyChain(verdicts); err != nil {
				return err
			}

			fmt.Printf("Provenance chain verified: %d verdicts.\n", len(verdicts))
			return nil
		},
	}

	cmd.Flags().BoolVar(&signedFlag, "signed", false, "also verify verdict signatures")

	return cmd
}

func statusCmd() *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize recorded verdicts, optionally for one task",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.NewStore(cfg.StorePath)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			led, err := ledger.Open(st, nil)
			if err != nil {
				return err
			}

			verdicts, err := led.Verdicts()
			if err != nil {
				return err
			}
			if taskID != "" {
				verdicts = led.ByTask(taskID)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tAGENT\tATTEMPT\tOUTCOME\tGATES\tRECORDED")
			for _, v := range verdicts {
				passed := 0
				for _, g := range v.GateResults {
					if g.Passed {
						passed++
					}
				}
				recorded := time.UnixMilli(v.Timestamp).UTC().Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\n",
					v.TaskID, v.AgentID, v.Attempt, v.Outcome, passed, len(v.GateResults), recorded)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "limit to one task id")

	return cmd
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile, "")
	}
	return config.Load()
}

// createBackends wires one dispatcher per provider the roster references.
func createBackends(cfg *config.Config, profiles []registry.AgentProfile, mock bool) (*dispatch.Pool, error) {
	pool := dispatch.NewPool()

	providers := make(map[string]bool)
	for _, p := range profiles {
		providers[p.Provider] = true
	}

	for provider := range providers {
		if mock || provider == "mock" {
			pool.Register(dispatch.NewNamedMockDispatcher(provider))
			continue
		}
		switch provider {
		case "anthropic":
			d, err := dispatch.NewAnthropicDispatcher(cfg.AnthropicAPIKey)
			if err != nil {
				return nil, fmt.Errorf("failed to create anthropic backend: %w", err)
			}
			pool.Register(d)
		case "openai":
			d, err := dispatch.NewOpenAIDispatcher(cfg.OpenAIAPIKey)
			if err != nil {
				return nil, fmt.Errorf("failed to create openai backend: %w", err)
			}
			pool.Register(d)
		case "google":
			d, err := dispatch.NewGoogleDispatcher(cfg.GoogleAPIKey)
			if err != nil {
				return nil, fmt.Errorf("failed to create google backend: %w", err)
			}
			pool.Register(d)
		default:
			return nil, fmt.Errorf("unknown provider %q in agent roster", provider)
		}
	}

	return pool, nil
}
