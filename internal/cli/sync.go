// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/Ziggcoder/SoilWise--sub001/internal/auth"
	"github.com/spf13/cobra"
)

func newSyncCommand(a *app) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:     "sync",
		GroupID: "sync",
		Short:   "Push pending changes once and exit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireDevice(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if token != "" {
				ctx = auth.WithToken(ctx, token)
			}
			e, err := a.newEngine(ctx, a.probeOnce(ctx))
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.orch.SyncNow(ctx)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "result: %s\n", report.Result)
			fmt.Fprintf(w, "sent: %d accepted: %d superseded: %d conflicts: %d held: %d rejected: %d\n",
				report.Sent, report.Accepted, report.Superseded, report.Conflicts, report.Held, report.Rejected)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Bearer token to use instead of signing one")
	return cmd
}
