package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncmaven/syncmaven-sub000/internal/pipeline"
	"github.com/syncmaven/syncmaven-sub000/pkg/connector/protocol"
	"github.com/syncmaven/syncmaven-sub000/pkg/errors"
	"github.com/syncmaven/syncmaven-sub000/pkg/json"
	"github.com/syncmaven/syncmaven-sub000/pkg/store"
)

const defaultDescribeTimeout = 2 * time.Minute

func newDescribeCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "describe <destination-id>",
		Short: "Print a destination's spec and streams as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, streams, err := a.describe(cmd.Context(), args[0], timeout)
			if spec == nil {
				return err
			}
			data, mErr := json.MarshalIndent(struct {
				Spec    *protocol.Spec       `json:"spec"`
				Streams *protocol.StreamSpec `json:"streams,omitempty"`
			}{spec, streams}, "", "  ")
			if mErr != nil {
				return errors.Wrap(mErr, errors.ErrorTypeInternal, "failed to encode spec")
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultDescribeTimeout, "Maximum time to wait for the connector")
	return cmd
}

func newStreamsCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "streams <destination-id>",
		Short: "List the streams a destination accepts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, streams, err := a.describe(cmd.Context(), args[0], timeout)
			if err != nil {
				return err
			}
			printStreams(cmd.OutOrStdout(), streams)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultDescribeTimeout, "Maximum time to wait for the connector")
	return cmd
}

func (a *app) describe(ctx context.Context, id string, timeout time.Duration) (*protocol.Spec, *protocol.StreamSpec, error) {
	project, err := a.loadProject()
	if err != nil {
		return nil, nil, err
	}
	return pipeline.NewRunner(project, store.NewMemoryStore()).Describe(ctx, id, timeout)
}

func printStreams(out io.Writer, streams *protocol.StreamSpec) {
	rows := [][]string{{"STREAM", "DEFAULT", "DESCRIPTION"}}
	for _, s := range streams.Streams {
		def := ""
		if s.Name == streams.DefaultStream {
			def = "yes"
		}
		rows = append(rows, []string{s.Name, def, s.Description})
	}
	fmt.Fprint(out, renderTable(rows))
}
