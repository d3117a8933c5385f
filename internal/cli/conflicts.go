// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/Ziggcoder/SoilWise--sub001/fieldsync"
	"github.com/spf13/cobra"
)

func newConflictsCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "conflicts",
		GroupID: "sync",
		Short:   "List conflicts waiting for manual resolution",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				conflicts, err := store.Conflicts(cmd.Context(), false)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if asJSON {
					return printJSON(w, conflicts)
				}
				if len(conflicts) == 0 {
					fmt.Fprintln(w, "no conflicts")
					return nil
				}
				for _, c := range conflicts {
					remote := string(c.RemoteData)
					if c.RemoteDeleted {
						remote = "<deleted>"
					}
					fmt.Fprintf(w, "%s\t%s/%s\tremote v%d\n  local:  %s\n  remote: %s\n", c.ID, c.Kind, c.RecordID, c.RemoteVersion, c.LocalData, remote)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print conflicts as JSON")

	var resolution, merged string
	resolve := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with keep_local, keep_server or merge",
		Long: `Resolve settles a held conflict. For merge, --merged supplies the merged
record as JSON; without it a three-way merge is attempted and fails when a
field changed on both sides.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := fieldsync.Resolution(resolution)
			var payload map[string]any
			if merged != "" {
				if res != fieldsync.ResolutionMerge {
					return fmt.Errorf("--merged requires --resolution %s", fieldsync.ResolutionMerge)
				}
				if err := json.Unmarshal([]byte(merged), &payload); err != nil {
					return fmt.Errorf("failed to parse --merged: %w", err)
				}
			}
			ctx := cmd.Context()
			e, err := a.newEngine(ctx, snapshotNetwork{})
			if err != nil {
				return err
			}
			defer e.Close()

			c, err := e.orch.ResolveConflict(ctx, args[0], res, payload)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conflict %s resolved with %s\n", c.ID, c.Resolution)
			return nil
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", string(fieldsync.ResolutionKeepLocal), "keep_local, keep_server or merge")
	resolve.Flags().StringVar(&merged, "merged", "", "Merged record JSON (merge only)")

	cmd.AddCommand(resolve)
	return cmd
}
