package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/bargom/resilience/internal/admission"
	"github.com/bargom/resilience/internal/config"
)

var (
	// rlPreset names the preset whose limit is applied
	rlPreset string
	// rlCount is the number of requests to admit
	rlCount int
	// rlWindow overrides the preset window
	rlWindow time.Duration
	// rlMax overrides the preset limit
	rlMax int
)

func newRateLimitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Exercise the admission controller",
	}
	cmd.AddCommand(newRateLimitCheckCmd())
	return cmd
}

func newRateLimitCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Admit requests for a key and print each decision",
		Long: `Admit --count requests for key under a preset's limit and print
each decision. The shared Redis backend is used when redis.enabled is set,
otherwise the in-process backend.`,
		Args: cobra.ExactArgs(1),
		Example: `  resilience ratelimit check 203.0.113.7
  resilience ratelimit check --preset webhook --count 3 msg_2Nq
  resilience ratelimit check --window 10s --max 2 --count 3 client-a`,
		RunE: runRateLimitCheck,
	}

	cmd.Flags().StringVar(&rlPreset, "preset", "general", "preset ("+strings.Join(presetNames(), "|")+")")
	cmd.Flags().IntVarP(&rlCount, "count", "n", 1, "number of requests to admit")
	cmd.Flags().DurationVar(&rlWindow, "window", 0, "override the preset window")
	cmd.Flags().IntVar(&rlMax, "max", -1, "override the preset request limit")

	return cmd
}

func presetNames() []string {
	names := make([]string, 0, len(admission.Presets()))
	for name := range admission.Presets() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// checkResult is one decision in the command output.
type checkResult struct {
	Request           int  `json:"request"`
	Allowed           bool `json:"allowed"`
	Remaining         int  `json:"remaining"`
	RetryAfterSeconds int  `json:"retry_after_seconds,omitempty"`
}

func runRateLimitCheck(cmd *cobra.Command, args []string) error {
	key := args[0]
	if rlCount < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	preset, ok := admission.Presets()[rlPreset]
	if !ok {
		return fmt.Errorf("unknown preset %q", rlPreset)
	}
	preset = cfg.Admission.Preset(preset)
	if rlWindow > 0 || rlMax >= 0 {
		window, limit := preset.Window, preset.MaxRequests
		if rlWindow > 0 {
			window = rlWindow
		}
		if rlMax >= 0 {
			limit = rlMax
		}
		preset = preset.WithLimit(window, limit)
	}

	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	controller, client, err := newAdmissionController(cfg, logger)
	if err != nil {
		return err
	}
	if client != nil {
		defer client.Close()
	}

	printVerbose(cmd, "preset %s: %d requests per %s\n", preset.Name, preset.MaxRequests, preset.Window)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	results := make([]checkResult, 0, rlCount)
	for i := 1; i <= rlCount; i++ {
		d := controller.Check(ctx, preset.Name+":"+key, preset.Window, preset.MaxRequests)
		results = append(results, checkResult{
			Request:           i,
			Allowed:           d.Allowed,
			Remaining:         d.Remaining,
			RetryAfterSeconds: d.RetryAfterSeconds,
		})
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(results)
	}
	for _, r := range results {
		verdict := "allowed"
		if !r.Allowed {
			verdict = "rejected"
		}
		line := fmt.Sprintf("%d: %s remaining=%d", r.Request, verdict, r.Remaining)
		if r.RetryAfterSeconds > 0 {
			line += fmt.Sprintf(" retry_after=%ds", r.RetryAfterSeconds)
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	if controller.Degraded() {
		fmt.Fprintln(cmd.OutOrStdout(), "note: redis unavailable, decisions came from the local fallback")
	}
	return nil
}

// newAdmissionController builds the controller over Redis when enabled.
// The returned client is nil when Redis is disabled; the caller closes it.
func newAdmissionController(cfg config.Config, logger *slog.Logger, opts ...admission.Option) (*admission.Controller, redis.UniversalClient, error) {
	policy, err := admission.ParsePolicy(cfg.Admission.Policy)
	if err != nil {
		return nil, nil, err
	}
	opts = append([]admission.Option{
		admission.WithPolicy(policy),
		admission.WithRecoveryInterval(cfg.Admission.RecoveryInterval),
		admission.WithLogger(logger),
		admission.WithLocalFallback(admission.NewMemoryBackend(
			admission.WithSweepInterval(cfg.Admission.SweepInterval),
		)),
	}, opts...)

	if !cfg.Redis.Enabled {
		return admission.NewController(nil, opts...), nil, nil
	}

	client, err := admission.NewRedisClient(cfg.Redis.RedisConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("creating redis client: %w", err)
	}
	backend := admission.NewRedisBackend(client, cfg.Redis.KeyPrefix)
	return admission.NewController(backend, opts...), client, nil
}
