package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"payrecon/internal/common/events"
	natsclient "payrecon/internal/common/nats"
	"payrecon/internal/order"
	"payrecon/internal/poll"
)

var Version = "dev"

type options struct {
	server  string
	timeout time.Duration
	verbose bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "paywatch",
		Short:         "Create payment orders and watch them settle",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("PAYRECON_URL", "http://localhost:8080"), "payrecon base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "http-timeout", 30*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every attempt")

	rootCmd.AddCommand(createCmd(opts))
	rootCmd.AddCommand(statusCmd(opts))
	rootCmd.AddCommand(waitCmd(opts))
	rootCmd.AddCommand(eventsCmd(opts))

	return rootCmd
}

func (o *options) client() *poll.Client {
	return poll.NewClient(poll.ClientConfig{BaseURL: o.server, Timeout: o.timeout})
}

func (o *options) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func createCmd(opts *options) *cobra.Command {
	var (
		quantity int
		amount   string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an order and print its payment URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (quantity > 0) == (amount != "") {
				return fmt.Errorf("exactly one of --quantity or --amount is required")
			}
			created, err := opts.client().CreateOrder(cmd.Context(), poll.CreateOrderRequest{Quantity: quantity, Amount: amount})
			if err != nil {
				return fmt.Errorf("creating order: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(created)
			}
			fmt.Fprintf(out, "Reference:   %s\n", created.Reference)
			fmt.Fprintf(out, "Amount:      %s\n", created.Amount)
			fmt.Fprintf(out, "Expires at:  %s\n", created.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Payment URL: %s\n", created.PaymentURL)
			return nil
		},
	}

	cmd.Flags().IntVarP(&quantity, "quantity", "q", 0, "Number of items at the shop unit price")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "Explicit amount in SOL")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "Output as JSON")

	return cmd
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status [reference]",
		Short: "Print an order's current status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := opts.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func waitCmd(opts *options) *cobra.Command {
	def := poll.DefaultConfig()
	cfg := def

	cmd := &cobra.Command{
		Use:   "wait [reference]",
		Short: "Poll with backoff until the order is paid",
		Long: `Poll the order's status until it is paid, backing off
exponentially between attempts. Exits non-zero if the order expires,
is unknown, or attempts run out.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			p := poll.NewPoller(opts.client(), cfg, opts.logger(cmd.ErrOrStderr()))
			p.OnAttempt = func(attempt int, status order.Status, err error) {
				if err != nil {
					fmt.Fprintf(out, "attempt %d: error: %v\n", attempt, err)
					return
				}
				fmt.Fprintf(out, "attempt %d: %s\n", attempt, status)
			}

			if err := p.PollUntilPaid(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(out, "paid")
			return nil
		},
	}

	cmd.Flags().IntVar(&cfg.MaxAttempts, "attempts", def.MaxAttempts, "Maximum status checks")
	cmd.Flags().DurationVar(&cfg.BaseDelay, "base-delay", def.BaseDelay, "Delay before the second check")
	cmd.Flags().DurationVar(&cfg.MaxDelay, "max-delay", def.MaxDelay, "Upper bound on the delay between checks")

	return cmd
}

func eventsCmd(opts *options) *cobra.Command {
	var (
		natsURL   string
		stream    string
		reference string
		since     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail order lifecycle events from NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := opts.logger(cmd.ErrOrStderr())
			client, err := natsclient.New(cmd.Context(), natsclient.Config{
				URL:           natsURL,
				Name:          "paywatch",
				Stream:        stream,
				MaxReconnects: 5,
				ReconnectWait: time.Second,
			}, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			out := cmd.OutOrStdout()
			err = client.Tail(cmd.Context(), from, func(e *events.Event) error {
				if reference == "" || e.AggregateID == reference {
					printEvent(out, e)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&stream, "stream", envOr("NATS_STREAM", "ORDERS"), "JetStream stream holding order events")
	cmd.Flags().StringVarP(&reference, "reference", "r", "", "Only show events for this order")
	cmd.Flags().DurationVar(&since, "since", 0, "Replay events newer than this instead of only new ones")

	return cmd
}

func printEvent(w io.Writer, e *events.Event) {
	fmt.Fprintf(w, "%s  %-24s %s", e.OccurredAt.Format(time.RFC3339), e.Type, e.AggregateID)
	if e.Type == order.EventOrderPaymentMismatch {
		var m order.PaymentMismatchEvent
		if err := e.DecodeData(&m); err == nil {
			fmt.Fprintf(w, "  reason=%s signature=%s", m.Reason, m.Signature)
		}
	}
	fmt.Fprintln(w)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
