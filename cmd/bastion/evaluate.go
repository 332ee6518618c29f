package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/coachpo/bastion/internal/domain/schema"
)

type evaluateOptions struct {
	side       string
	strategy   string
	confidence float64
	atr        float64
	venue      string
}

func newEvaluateCommand(opts *rootOptions) *cobra.Command {
	eval := evaluateOptions{side: "long", strategy: "", confidence: 0, atr: 0, venue: ""}
	cmd := &cobra.Command{
		Use:   "evaluate SYMBOL",
		Short: "Preview the risk decision for an entry without placing orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return evaluate(cmd.Context(), opts, eval, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eval.side, "side", eval.side, "position side: long or short")
	cmd.Flags().StringVar(&eval.strategy, "strategy", eval.strategy, "strategy supplying entry parameters (default from config)")
	cmd.Flags().Float64Var(&eval.confidence, "confidence", eval.confidence, "signal confidence in [0,1] (default from config)")
	cmd.Flags().Float64Var(&eval.atr, "atr", eval.atr, "average true range; 0 uses percentage stops")
	cmd.Flags().StringVar(&eval.venue, "venue", eval.venue, "force a venue instead of routing")
	return cmd
}

func evaluate(ctx context.Context, opts *rootOptions, eval evaluateOptions, symbol string, out io.Writer) error {
	action, err := actionForSide(eval.side)
	if err != nil {
		return err
	}
	logger := opts.logger()
	cfg, err := opts.loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger, buildOptions{advisory: true})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	strategyName := strings.ToLower(strings.TrimSpace(eval.strategy))
	if strategyName == "" {
		strategyName = cfg.Execution.DefaultStrategy
	}
	confidence := eval.confidence
	if confidence <= 0 {
		confidence = cfg.Execution.DefaultConfidence
	}
	// Signal-origin intents are previewed in advisory mode; manual ones would execute.
	intent := schema.NewIntent(symbol, action, strategyName, confidence, 0, time.Now())
	intent.ATR = eval.atr
	intent.ForceVenue = strings.TrimSpace(eval.venue)
	intent.Origin = schema.OriginSignal
	res := a.executor.ExecuteIntent(ctx, intent)

	payload, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := fmt.Fprintln(out, string(payload)); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s", res.Message)
	}
	return nil
}

func actionForSide(side string) (schema.Action, error) {
	switch strings.ToLower(strings.TrimSpace(side)) {
	case "long", "buy":
		return schema.ActionOpenLong, nil
	case "short", "sell":
		return schema.ActionOpenShort, nil
	default:
		return "", fmt.Errorf("unknown side %q (expected long or short)", side)
	}
}
