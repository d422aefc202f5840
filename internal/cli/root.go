// Package cli команды replay-cli: управление воспроизведением через REST API
// и просмотр сообщений из NATS или SSE.
package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions глобальные флаги.
type RootOptions struct {
	Server  string
	Format  string // "text" | "json"
	Timeout time.Duration
}

// ValidFormats допустимые форматы вывода.
var ValidFormats = []string{"text", "json"}

// NewRootCommand создаёт корневую команду replay-cli.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "replay-cli",
		Short:         "Trial history replay client",
		Long:          "Starts, controls and watches trial history replays of the replay service.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Server, "server", "s", "http://localhost:8088", "replay service base URL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "request timeout")

	cmd.AddCommand(NewStartCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewRateCommand(opts))
	cmd.AddCommand(NewCancelCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewInvalidateCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewTailCommand(opts))

	return cmd
}
