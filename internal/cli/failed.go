// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/Ziggcoder/SoilWise--sub001/fieldsqlite"
	"github.com/spf13/cobra"
)

func newFailedCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "failed",
		GroupID: "sync",
		Short:   "List change log entries that stopped retrying",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				entries, err := store.ChangeLog().Failed(cmd.Context())
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(w, "no failed entries")
					return nil
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\t%s/%s\tretries=%d\t%s\n", e.ID, e.Action, e.Kind, e.RecordID, e.RetryCount, e.Error)
				}
				return nil
			})
		},
	}

	var all bool
	retry := &cobra.Command{
		Use:   "retry [entry-id...]",
		Short: "Move failed entries back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return errors.New("pass entry ids or --all")
			}
			ctx := cmd.Context()
			e, err := a.newEngine(ctx, snapshotNetwork{})
			if err != nil {
				return err
			}
			defer e.Close()

			if all {
				n, err := e.orch.RetryAllFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %d entries\n", n)
				return nil
			}
			for _, arg := range args {
				id, err := parseEntryID(arg)
				if err != nil {
					return err
				}
				if err := e.orch.RetryFailed(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued entry %d\n", id)
			}
			return nil
		},
	}
	retry.Flags().BoolVar(&all, "all", false, "Requeue every failed entry")

	discard := &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop a failed change and restore the last synced record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseEntryID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := a.newEngine(ctx, snapshotNetwork{})
			if err != nil {
				return err
			}
			defer e.Close()

			entry, err := e.orch.DiscardFailed(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded entry %d (%s %s/%s)\n", entry.ID, entry.Action, entry.Kind, entry.RecordID)
			return nil
		},
	}

	cmd.AddCommand(retry, discard)
	return cmd
}
