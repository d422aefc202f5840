package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

// WatchOptions флаги команды watch.
type WatchOptions struct {
	*RootOptions
	Rate       float64
	Subscriber string
}

// NewWatchCommand запускает воспроизведение и печатает его поток (SSE).
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch [trial-id]",
		Short: "Start a replay and print it as it plays",
		Long: `Start a replay over the service's SSE endpoint and print each entry at the
replay pace. With --subscriber, attach to an already running replay instead.`,
		Example: `  replay-cli watch 42 --rate 10
  replay-cli watch --subscriber 1700000000000-42-1a2b3c4d`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch {
			case opts.Subscriber != "":
				path = "/trial/history_data/" + url.PathEscape(opts.Subscriber) + "/stream"
			case len(args) == 1:
				trialID, err := parseTrialID(args[0])
				if err != nil {
					return err
				}
				path = fmt.Sprintf("/trial/%d/history_stream", trialID)
				if cmd.Flags().Changed("rate") {
					path += "?rate=" + strconv.FormatFloat(opts.Rate, 'f', -1, 64)
				}
			default:
				return fmt.Errorf("trial id or --subscriber is required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watch(ctx, cmd, opts, path)
		},
	}
	cmd.Flags().Float64Var(&opts.Rate, "rate", 1, "playback rate")
	cmd.Flags().StringVar(&opts.Subscriber, "subscriber", "", "attach to a running replay")
	return cmd
}

func watch(ctx context.Context, cmd *cobra.Command, opts *WatchOptions, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(opts.Server, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// без таймаута клиента: поток живёт столько, сколько воспроизведение
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}

	out := cmd.OutOrStdout()
	if id := resp.Header.Get("X-Subscriber-Id"); id != "" && opts.Format == "text" {
		fmt.Fprintf(out, "▶️  %s\n", id)
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var msg broadcast.Message
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &msg); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		printMessage(out, opts.Format, &msg)
		if msg.IsSentinel() {
			return nil
		}
		count++
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() == nil {
		return fmt.Errorf("stream closed after %d entries without completion", count)
	}
	return nil
}

// TailOptions флаги команды tail.
type TailOptions struct {
	*RootOptions
	NATSURL    string
	Prefix     string
	Subscriber string
	Limit      int
}

// NewTailCommand печатает сообщения воспроизведений из NATS.
func NewTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print replay messages published to NATS",
		Long: `Subscribe to <prefix>.<subscriber-id> (or <prefix>.> for all replays) and
print replay messages. With --subscriber the command exits on the completion
message of that replay.`,
		Example: `  replay-cli tail --nats nats://localhost:4222
  replay-cli tail --subscriber 1700000000000-42-1a2b3c4d`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return tail(ctx, cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.NATSURL, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "trial.history", "subject prefix")
	cmd.Flags().StringVar(&opts.Subscriber, "subscriber", "", "only this replay")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "stop after N messages (0 = unlimited)")
	return cmd
}

func tail(ctx context.Context, cmd *cobra.Command, opts *TailOptions) error {
	nc, err := nats.Connect(opts.NATSURL, nats.Name("replay-cli"), nats.Timeout(opts.Timeout))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	subject := opts.Prefix + ".>"
	if opts.Subscriber != "" {
		subject = broadcast.Topic(opts.Prefix, opts.Subscriber)
	}

	msgs := make(chan *nats.Msg, 256)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	out := cmd.OutOrStdout()
	if opts.Format == "text" {
		fmt.Fprintf(out, "🎬 Tailing %s on %s\n", subject, opts.NATSURL)
	}

	count := 0
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			if opts.Format == "text" {
				fmt.Fprintf(out, "\n📊 %d messages in %s\n", count, time.Since(started).Truncate(time.Millisecond))
			}
			return nil
		case m := <-msgs:
			var msg broadcast.Message
			if err := json.Unmarshal(m.Data, &msg); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "⚠️  %s: bad message: %v\n", m.Subject, err)
				continue
			}
			printMessage(out, opts.Format, &msg)
			count++

			if opts.Subscriber != "" && msg.IsSentinel() {
				return nil
			}
			if opts.Limit > 0 && count >= opts.Limit {
				return nil
			}
		}
	}
}
