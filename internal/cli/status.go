// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "sync",
		Short:   "Show the sync status of the local database",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.newEngine(ctx, a.probeOnce(ctx))
			if err != nil {
				return err
			}
			defer e.Close()

			st, err := e.orch.Status(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, st)
			}
			fmt.Fprintf(w, "online:    %t (%s)\n", st.IsOnline, st.Quality)
			fmt.Fprintf(w, "pending:   %d\n", st.PendingItems)
			fmt.Fprintf(w, "failed:    %d\n", st.FailedItems)
			fmt.Fprintf(w, "conflicts: %d\n", st.ConflictItems)
			if st.LastSync != nil {
				fmt.Fprintf(w, "last sync: %s\n", st.LastSync.Format(time.RFC3339))
			}
			for _, ee := range st.Errors {
				fmt.Fprintf(w, "error: entry %d %s/%s (%s, %d retries): %s\n", ee.EntryID, ee.Kind, ee.RecordID, ee.State, ee.RetryCount, ee.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status as JSON")
	return cmd
}
