package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/config"
	"sitesync/internal/queue"
	"sitesync/internal/session"
	"sitesync/internal/storage"
	"sitesync/pkg/exception"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// QueueOptions holds flags of the queue commands.
type QueueOptions struct {
	*RootOptions
	Kind    string
	Channel string
	JSON    bool
}

// NewQueueCommand builds the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or empty the persisted offline queue",
	}
	cmd.PersistentFlags().StringVar(&opts.Kind, "kind", "", "only entries of this kind (chat|notification|task|status)")
	cmd.PersistentFlags().StringVar(&opts.Channel, "channel", "", "only entries of this channel or project")

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "Print queued messages, oldest first",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listQueue(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	listCmd.Flags().BoolVar(&opts.JSON, "json", false, "print entries as a JSON array")

	clearCmd := &cobra.Command{
		Use:           "clear",
		Short:         "Remove queued messages",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clearQueue(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func (opts *QueueOptions) kind() (queue.Kind, error) {
	kind := queue.Kind(opts.Kind)
	if kind != "" && !kind.Valid() {
		return "", errors.Wrap(exception.ErrQueueUnknownKind, opts.Kind)
	}
	return kind, nil
}

// withQueue opens the configured store, loads the queue and runs fn.
func withQueue(ctx context.Context, cfg config.Loaded, fn func(q *queue.Queue) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := session.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(store); err != nil {
			logs.Warnf("close storage, err: %+v", err)
		}
	}()

	q, err := queue.New(store, cfg.Queue)
	if err != nil {
		return err
	}
	if _, err := q.Load(ctx); err != nil {
		return err
	}
	return fn(q)
}

func listQueue(ctx context.Context, opts *QueueOptions, w io.Writer) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	kind, err := opts.kind()
	if err != nil {
		return err
	}
	return withQueue(ctx, cfg, func(q *queue.Queue) error {
		entries := q.Select(kind, opts.Channel)
		if opts.JSON {
			if entries == nil {
				entries = []queue.QueuedMessage{}
			}
			data, err := json.MarshalIndent(entries, "", "  ")
			if err != nil {
				return errors.Wrap(err, "encode entries")
			}
			_, err = fmt.Fprintln(w, string(data))
			return err
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tKIND\tCHANNEL\tENQUEUED\tRETRIES\tLAST ERROR")
		for _, m := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
				m.ID, m.Type, m.ChannelID, m.EnqueuedTime().UTC().Format(time.RFC3339), m.RetryCount, m.MaxRetries, m.LastError)
		}
		return tw.Flush()
	})
}

func clearQueue(ctx context.Context, opts *QueueOptions, w io.Writer) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	kind, err := opts.kind()
	if err != nil {
		return err
	}
	return withQueue(ctx, cfg, func(q *queue.Queue) error {
		var removed int
		if kind == "" && opts.Channel == "" {
			removed = q.Size()
			q.Clear()
		} else {
			removed = q.ClearScope(kind, opts.Channel)
		}
		_, err := fmt.Fprintf(w, "removed %d queued message(s), %d left\n", removed, q.Size())
		return err
	})
}
