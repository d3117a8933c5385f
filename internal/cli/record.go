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

func newRecordCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		GroupID: "data",
		Short:   "Create, read and edit local records",
		Long: `Record commands write to the local store exactly like the field app does:
every change is validated and queued for sync.

Kinds: farms, fields, observations, sensor_readings, tasks.`,
	}
	cmd.AddCommand(
		newRecordCreateCommand(a),
		newRecordGetCommand(a),
		newRecordListCommand(a),
		newRecordUpdateCommand(a),
		newRecordDeleteCommand(a),
	)
	return cmd
}

func (a *app) withStore(cmd *cobra.Command, fn func(store *fieldsqlite.Store) error) error {
	db, store, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(store)
}

func newRecordCreateCommand(a *app) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create <kind> <json>",
		Short: "Create a record and print its id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fieldsync.ParseKind(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				if id != "" {
					if err := store.CreateWithID(cmd.Context(), kind, id, json.RawMessage(args[1])); err != nil {
						return err
					}
				} else if id, err = store.Create(cmd.Context(), kind, json.RawMessage(args[1])); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Use this id instead of a generated one")
	return cmd
}

func newRecordGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <kind> <id>",
		Short: "Print a record as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fieldsync.ParseKind(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				rec, err := store.Get(cmd.Context(), kind, args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
}

func newRecordListCommand(a *app) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List records of a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fieldsync.ParseKind(args[0])
			if err != nil {
				return err
			}
			filter := fieldsqlite.Filter{Status: fieldsync.SyncStatus(status), Limit: limit}
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				recs, err := store.Query(cmd.Context(), kind, filter, nil)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.SyncStatus, r.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only records with this sync status (pending, synced, conflict)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of records")
	return cmd
}

func newRecordUpdateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <kind> <id> <json-patch>",
		Short: "Merge a JSON patch into a record (null removes a field)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fieldsync.ParseKind(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				return store.Update(cmd.Context(), kind, args[1], json.RawMessage(args[2]))
			})
		},
	}
}

func newRecordDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <kind> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := fieldsync.ParseKind(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *fieldsqlite.Store) error {
				return store.Delete(cmd.Context(), kind, args[1])
			})
		},
	}
}
