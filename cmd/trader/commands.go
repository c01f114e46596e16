package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newMarketsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "markets",
		Short: "Print the venue market catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			a, err := buildApp(ctx, cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.catalog.Refresh(ctx); err != nil {
				return fmt.Errorf("load markets: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SYMBOL\tASSET\tLOT STEP\tPRICE DP\tMAX LEV\tISOLATED ONLY")
			for _, m := range a.catalog.Markets() {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%t\n",
					m.Symbol, m.AssetIndex, m.LotStep.String(), m.PriceDecimals, m.MaxLeverage, m.OnlyIsolated)
			}
			return w.Flush()
		},
	}
}

func newCancelAllCmd(opts *rootOptions) *cobra.Command {
	var symbol string
	cmd := &cobra.Command{
		Use:   "cancel-all",
		Short: "Cancel every open order on the venue account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			a, err := buildApp(ctx, cfg, nil, slog.Default())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.orders.CancelAll(ctx, strings.ToUpper(symbol))
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d orders\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "Only cancel orders on this symbol")
	return cmd
}
