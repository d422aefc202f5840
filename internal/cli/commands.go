package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/annel0/trial-replay/internal/api"
	"github.com/annel0/trial-replay/internal/cache"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/spf13/cobra"
)

func parseTrialID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid trial id %q", arg)
	}
	return id, nil
}

// NewStartCommand запускает воспроизведение испытания.
func NewStartCommand(opts *RootOptions) *cobra.Command {
	var rate float64

	cmd := &cobra.Command{
		Use:   "start <trial-id>",
		Short: "Start a replay and print the subscriber id",
		Example: `  replay-cli start 42
  replay-cli start 42 --rate 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trialID, err := parseTrialID(args[0])
			if err != nil {
				return err
			}

			path := fmt.Sprintf("/trial/%d/history_data", trialID)
			if cmd.Flags().Changed("rate") {
				path += "?rate=" + strconv.FormatFloat(rate, 'f', -1, 64)
			}

			var res api.StartReplayResponse
			if err := newClient(opts).do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "▶️  %s\n", res.SubscriberID)
				fmt.Fprintf(w, "   trial %d, %d entries, rate %g, topic %s\n", res.TrialID, res.Entries, res.Rate, res.Topic)
			})
		},
	}
	cmd.Flags().Float64Var(&rate, "rate", 1, "playback rate")
	return cmd
}

// NewHistoryCommand печатает собранный таймлайн испытания.
func NewHistoryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <trial-id>",
		Short: "Print the merged timeline of a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trialID, err := parseTrialID(args[0])
			if err != nil {
				return err
			}

			var tl timeline.Timeline
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, fmt.Sprintf("/trial/%d/history_data", trialID), nil, &tl); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, tl, func(w io.Writer) {
				fmt.Fprintf(w, "📜 trial %d: %d entries [%d..%d]\n", tl.TrialID, tl.Len(), tl.RangeStart, tl.RangeEnd)
				for _, e := range tl.Entries {
					fmt.Fprintf(w, "   %d  %s\n", e.Timestamp, formatPoints(e.Points))
				}
			})
		},
	}
}

// NewRateCommand меняет скорость активной сессии.
func NewRateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "rate <subscriber-id> <rate>",
		Short:   "Change the playback rate of an active replay",
		Example: "  replay-cli rate 1700000000000-42-1a2b3c4d 0.5",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rate, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rate %q", args[1])
			}

			var res struct {
				SubscriberID string  `json:"subscriberId"`
				Rate         float64 `json:"rate"`
			}
			body := map[string]float64{"rate": rate}
			path := "/trial/history_data/" + url.PathEscape(args[0]) + "/rate"
			if err := newClient(opts).do(cmd.Context(), http.MethodPut, path, body, &res); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "⏩ %s rate %g\n", res.SubscriberID, res.Rate)
			})
		},
	}
}

// NewCancelCommand останавливает активную сессию.
func NewCancelCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <subscriber-id>",
		Short: "Cancel an active replay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/trial/history_data/" + url.PathEscape(args[0])
			if err := newClient(opts).do(cmd.Context(), http.MethodDelete, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "⏹️  %s cancelled\n", args[0])
			return nil
		},
	}
}

// NewSessionsCommand список активных сессий.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List active replays",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Sessions []replay.Snapshot `json:"sessions"`
				Total    int               `json:"total"`
			}
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/trial/history_data", nil, &res); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "🎬 %d active replays\n", res.Total)
				for _, s := range res.Sessions {
					fmt.Fprintf(w, "   %s  trial=%d  %s  %d/%d  rate=%g\n",
						s.SubscriberID, s.TrialID, s.State, s.Cursor, s.Total, s.Rate)
				}
			})
		},
	}
}

// NewStatsCommand счётчики кеша таймлайнов.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show timeline cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var st cache.Stats
			if err := newClient(opts).do(cmd.Context(), http.MethodGet, "/trial/history_cache/stats", nil, &st); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts.Format, st, func(w io.Writer) {
				fmt.Fprintln(w, "📊 Timeline cache")
				fmt.Fprintf(w, "   size:          %d\n", st.Size)
				fmt.Fprintf(w, "   hits/misses:   %d/%d (%.1f%%)\n", st.Hits, st.Misses, st.HitRatio*100)
				fmt.Fprintf(w, "   puts:          %d\n", st.Puts)
				fmt.Fprintf(w, "   evictions:     %d\n", st.Evictions)
				fmt.Fprintf(w, "   invalidations: %d\n", st.Invalidations)
			})
		},
	}
}

// NewInvalidateCommand сбрасывает кеш испытания.
func NewInvalidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <trial-id>",
		Short: "Drop the cached timeline of a trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trialID, err := parseTrialID(args[0])
			if err != nil {
				return err
			}
			if err := newClient(opts).do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/trial/%d/history_cache", trialID), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🧹 trial %d invalidated\n", trialID)
			return nil
		},
	}
}
