package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/logger"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

func newStateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit the state store",
		Long: `Inspect and edit the project's state store. Keys are written with their
segments joined by "::", e.g. "syncId=users-to-crm::$lastCursor=id".`,
	}

	list := &cobra.Command{
		Use:   "list [prefix]",
		Short: "List entries under a prefix, or the state of every sync",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store, prefixes []store.Key) error {
				if len(args) == 1 {
					key, err := store.ParseKey(args[0])
					if err != nil {
						return err
					}
					prefixes = []store.Key{key}
				}
				return listEntries(ctx, cmd.OutOrStdout(), st, prefixes)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := store.ParseKey(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store, _ []store.Key) error {
				value, ok, err := st.Get(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					return errors.Newf(errors.ErrorTypeNotFound, "no value stored under %s", key)
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}

	var prefix bool
	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key, or everything under it with --prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := store.ParseKey(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd.Context(), func(ctx context.Context, st store.Store, _ []store.Key) error {
				if !prefix {
					return st.Del(ctx, key)
				}
				n, err := st.Size(ctx, key)
				if err != nil {
					return err
				}
				if err := st.DeleteByPrefix(ctx, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries\n", n)
				return nil
			})
		},
	}
	del.Flags().BoolVar(&prefix, "prefix", false, "Delete every entry equal to or nested under the key")

	cmd.AddCommand(list, get, del)
	return cmd
}

// withStore opens the project's store for fn. It also passes the namespace
// of every sync in the project.
func (a *app) withStore(ctx context.Context, fn func(ctx context.Context, st store.Store, namespaces []store.Key) error) error {
	project, err := a.loadProject()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, project.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	namespaces := make([]store.Key, 0, len(project.Syncs))
	for _, id := range project.SyncIDs() {
		namespaces = append(namespaces, store.Key{"syncId=" + id})
	}
	return fn(ctx, st, namespaces)
}

func listEntries(ctx context.Context, out io.Writer, st store.Store, prefixes []store.Key) error {
	for _, prefix := range prefixes {
		err := st.Stream(ctx, prefix, func(e store.Entry) error {
			_, err := fmt.Fprintf(out, "%s\t%s\n", e.Key, e.Value)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
