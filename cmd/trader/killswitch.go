package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/crypto-trading/perpvenue/internal/config"
	"github.com/crypto-trading/perpvenue/internal/risk"
)

func newKillSwitchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Inspect or change the persisted kill switch",
		Long: "Operates on risk.kill_switch_path. A running trader only sees the change\n" +
			"after a restart; use POST /killswitch/resume on its ops address instead.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the kill switch state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeLog, err := openKillSwitch(opts)
			if err != nil {
				return err
			}
			defer closeLog()
			printKillSwitch(cmd.OutOrStdout(), mgr.KillSwitchStatus())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Clear the kill switch and allow new exposure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeLog, err := openKillSwitch(opts)
			if err != nil {
				return err
			}
			defer closeLog()
			mgr.DeactivateKillSwitch()
			printKillSwitch(cmd.OutOrStdout(), mgr.KillSwitchStatus())
			return nil
		},
	})

	var reason string
	activate := &cobra.Command{
		Use:   "activate",
		Short: "Block new exposure until resumed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, closeLog, err := openKillSwitch(opts)
			if err != nil {
				return err
			}
			defer closeLog()
			mgr.ActivateKillSwitch(reason)
			printKillSwitch(cmd.OutOrStdout(), mgr.KillSwitchStatus())
			return nil
		},
	}
	activate.Flags().StringVar(&reason, "reason", "manual", "Reason recorded with the kill switch")
	cmd.AddCommand(activate)

	return cmd
}

func openKillSwitch(opts *rootOptions) (*risk.Manager, func(), error) {
	cfg, closeLog, err := opts.load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Risk.KillSwitchPath == "" {
		closeLog()
		return nil, nil, errors.New("risk.kill_switch_path is not set")
	}
	return killSwitchManager(cfg), closeLog, nil
}

// killSwitchManager opens the persisted switch without a position store;
// only the kill switch methods may be used on it.
func killSwitchManager(cfg *config.Config) *risk.Manager {
	return risk.NewManager(riskLimits(cfg.Risk), nil, cfg.Risk.KillSwitchPath, nil, slog.Default())
}

func printKillSwitch(w io.Writer, st risk.KillSwitchStatus) {
	if !st.Active {
		fmt.Fprintln(w, "kill switch: inactive")
		return
	}
	fmt.Fprintf(w, "kill switch: ACTIVE since %s (%s)\n", st.ActivatedAt.UTC().Format(time.RFC3339), st.Reason)
}

// killSwitchRoutes exposes the live process's kill switch on the ops mux.
func killSwitchRoutes(mux *http.ServeMux, mgr *risk.Manager, logger *slog.Logger) {
	writeStatus := func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(mgr.KillSwitchStatus()); err != nil {
			logger.Error("failed to write kill switch status", "error", err)
		}
	}
	mux.HandleFunc("GET /killswitch", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w)
	})
	mux.HandleFunc("POST /killswitch/resume", func(w http.ResponseWriter, r *http.Request) {
		mgr.DeactivateKillSwitch()
		logger.Warn("kill switch resumed over ops endpoint", "remote", r.RemoteAddr)
		writeStatus(w)
	})
}
