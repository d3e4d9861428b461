package main

import (
	"github.com/spf13/cobra"

	"sitesync/internal/config"
)

// RootOptions holds flags shared by every command.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand builds the sitesync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sitesync",
		Short: "Real-time sync client for project chat, tasks, notifications and presence",
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML or JSON config")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	return cmd
}

func (opts *RootOptions) load() (config.Loaded, error) {
	if opts.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(opts.ConfigPath)
}
