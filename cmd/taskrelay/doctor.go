package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/taskrelay/internal/config"
	"github.com/basket/taskrelay/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run local diagnostic checks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config load: %w", err)
		}
		d := doctor.Run(cmd.Context(), &cfg, filepath.Join(cfg.HomeDir, DBFileName), Version)

		w := cmd.OutOrStdout()
		if jsonMode(w) {
			if err := writeJSON(w, d); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(w, "%s %s (%s/%s, %s)\n\n", headerColor("taskrelay"), d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
			for _, r := range d.Results {
				fmt.Fprintf(w, "  %s  %-16s %s\n", checkBadge(r.Status), r.Name, r.Message)
				if r.Detail != "" {
					fmt.Fprintf(w, "        %s\n", subtleColor(r.Detail))
				}
			}
		}
		if d.Failed() {
			return errors.New("one or more checks failed")
		}
		return nil
	},
}

func checkBadge(status string) string {
	switch status {
	case doctor.StatusPass:
		return color.GreenString(status)
	case doctor.StatusWarn:
		return color.YellowString(status)
	case doctor.StatusFail:
		return color.RedString(status)
	}
	return subtleColor(status)
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
