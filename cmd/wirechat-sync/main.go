package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	logpkg "github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/session"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "wirechat-sync",
		Short:         "Keep chat rooms in sync with a wirechat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(newRoomsCommand(opts), newWatchCommand(opts), newSendCommand(opts))
	return cmd
}

// bootstrap loads configuration and builds the app.
func bootstrap(opts *rootOptions) (*app.App, *zerolog.Logger, error) {
	cfg, path, err := config.Load(logpkg.New("info"), opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	cfg.UpdateFrom(config.Config{LogLevel: opts.logLevel})

	logger := logpkg.New(cfg.LogLevel)
	logger.Debug().Str("config", path).Msg("configuration loaded")

	a, err := app.New(cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}

func newRoomsCommand(opts *rootOptions) *cobra.Command {
	var nameLike string
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms visible to the configured identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, _, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rooms, err := a.Controller().RefreshRooms(cmd.Context(), nameLike)
			if err != nil {
				return err
			}
			printRooms(cmd.OutOrStdout(), rooms)
			return nil
		},
	}
	cmd.Flags().StringVar(&nameLike, "name", "", "filter rooms by name")
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var roomID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a room and stream its messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, logger, err := bootstrap(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return err
			}

			s, err := openRoom(ctx, a, roomID)
			if err != nil {
				_ = a.Close()
				return err
			}

			out := cmd.OutOrStdout()
			for _, m := range s.Messages() {
				printMessage(out, m)
			}
			logger.Info().Str("room_id", roomID).Stringer("unread", s.Unread().State()).Msg("watching room")
			sub := s.Watch(func(m core.Message) { printMessage(out, m) })
			defer sub.Close()

			<-ctx.Done()
			return a.Close()
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var (
		roomID  string
		quoted  string
		mention []string
	)
	cmd := &cobra.Command{
		Use:   "send [text]",
		Short: "Send a message to a room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := bootstrap(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				return err
			}
			s, err := openRoom(ctx, a, roomID)
			if err != nil {
				return err
			}
			msg, err := s.Send(ctx, strings.Join(args, " "), quoted, mention...)
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id")
	cmd.Flags().StringVar(&quoted, "quote", "", "id of the message to quote")
	cmd.Flags().StringSliceVar(&mention, "mention", nil, "user ids to mention")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func openRoom(ctx context.Context, a *app.App, roomID string) (*session.Session, error) {
	if _, err := a.Controller().RefreshRooms(ctx, ""); err != nil {
		return nil, fmt.Errorf("refresh rooms: %w", err)
	}
	return a.Controller().OpenByID(ctx, roomID)
}

func printRooms(w io.Writer, rooms []core.Room) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tJOINED\tMEMBERS\tUNREAD")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\n", r.ID, r.Name, r.Joined, r.MemberCount, r.UnreadCount)
	}
	_ = tw.Flush()
}

func printMessage(w io.Writer, m core.Message) {
	name := m.Sender.Name
	if name == "" {
		name = m.SenderID
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", m.OccurredAt.Local().Format(time.TimeOnly), name, m.Content)
}
