package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Zereker/nats"
)

type config struct {
	server  string
	options string
	debug   bool
}

func main() {
	cfg := &config{}

	rootCmd := &cobra.Command{
		Use:   "echo",
		Short: "Publish, subscribe and echo requests over a NATS server",
		Long: `echo talks to a NATS server with the synchronous client.

The reply command answers every request with its own payload, so running
"echo reply" in one terminal and "echo req" in another round trips a message.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfg.server, "server", "s", "nats://127.0.0.1:4222", "Server URL")
	rootCmd.PersistentFlags().StringVarP(&cfg.options, "config", "c", "", "YAML file with connection options")
	rootCmd.PersistentFlags().BoolVar(&cfg.debug, "debug", false, "Log every frame")

	rootCmd.AddCommand(
		pubCmd(cfg),
		subCmd(cfg),
		reqCmd(cfg),
		replyCmd(cfg),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (cfg *config) connect(ctx context.Context) (*nats.Conn, error) {
	opts := nats.DefaultOptions()
	if cfg.options != "" {
		var err error
		if opts, err = nats.LoadOptions(cfg.options); err != nil {
			return nil, err
		}
	}

	level := slog.LevelInfo
	if cfg.debug || opts.Debug() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	return nats.Dial(ctx, cfg.server, opts, nats.LoggerOption(logger))
}

func pubCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "pub <subject> <message>",
		Short: "Publish a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cfg.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.Publish(args[0], []byte(args[1])); err != nil {
				return err
			}
			// Round trip so the server has seen the PUB before we hang up.
			return conn.Ping()
		},
	}
}

func subCmd(cfg *config) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Print messages received on a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cfg.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeOnSignal(conn)()

			sid, err := conn.Subscribe(args[0], func(msg *nats.Msg) {
				fmt.Printf("[%s] %s\n", msg.Subject, msg.Data)
			})
			if err != nil {
				return err
			}
			if count > 0 {
				if err := conn.AutoUnsubscribe(sid, count); err != nil {
					return err
				}
			}

			return serve(conn, count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many messages (0 runs until interrupted)")

	return cmd
}

func reqCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "req <subject> <message>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cfg.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer conn.Close()

			return conn.Request(args[0], []byte(args[1]), func(msg *nats.Msg) {
				fmt.Printf("%s\n", msg.Data)
			})
		},
	}
}

func replyCmd(cfg *config) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "reply <subject>",
		Short: "Answer requests on a subject with their own payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := cfg.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer closeOnSignal(conn)()

			var replyErr error
			sid, err := conn.Subscribe(args[0], func(msg *nats.Msg) {
				if err := msg.Respond(msg.Data); err != nil && replyErr == nil {
					replyErr = err
				}
			})
			if err != nil {
				return err
			}
			if count > 0 {
				if err := conn.AutoUnsubscribe(sid, count); err != nil {
					return err
				}
			}

			if err := serve(conn, count); err != nil {
				return err
			}
			return replyErr
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many requests (0 runs until interrupted)")

	return cmd
}

// serve dispatches count messages, or until the session closes when count
// is zero.
func serve(conn *nats.Conn, count int) error {
	if count > 0 {
		if err := conn.Wait(count); err != nil {
			return err
		}
		return conn.Ping()
	}

	for {
		if err := conn.Wait(1); err != nil {
			if conn.State() == nats.StateClosed && errors.Is(conn.Err(), nats.ErrConnectionClosed) {
				return nil
			}
			return err
		}
	}
}

// closeOnSignal closes conn on SIGINT or SIGTERM, which unblocks a pending
// Wait. The returned function closes conn and stops listening.
func closeOnSignal(conn *nats.Conn) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			slog.Info("shutting down...")
			_ = conn.Close()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
		_ = conn.Close()
	}
}
