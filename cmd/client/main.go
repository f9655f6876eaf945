package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/roomcast/roomcast/internal/client/media"
	"github.com/roomcast/roomcast/internal/client/orch"
	"github.com/roomcast/roomcast/internal/client/signaling"
)

var (
	flagServer    string
	flagPassword  string
	flagBroadcast bool
	flagSTUN      []string
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:   "roomcast",
	Short: "Join the room as a viewer or broadcaster",
	Long: `Roomcast connects to a room server over websocket signaling and
negotiates direct WebRTC links with the room's broadcasters.

Examples:
  roomcast --server http://localhost:8080
  roomcast --server https://room.example.com --password secret --broadcast`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flagServer, "server", "s", "http://localhost:8080", "room server URL")
	rootCmd.Flags().StringVarP(&flagPassword, "password", "p", "", "room password, if the room is gated")
	rootCmd.Flags().BoolVarP(&flagBroadcast, "broadcast", "b", false, "request a broadcast slot after joining")
	rootCmd.Flags().StringSliceVar(&flagSTUN, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "verbose logging")
}

func run(ctx context.Context) error {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	client := signaling.NewClient(flagServer, flagPassword)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()
	log.Info().Str("server", flagServer).Msg("connected")

	factory := orch.NewPionFactory(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: flagSTUN}},
	})
	o := orch.New(client, &media.SyntheticSource{}, factory)
	defer o.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	if flagBroadcast {
		o.StartBroadcast(ctx)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		case <-ticker.C:
			view := o.Session().Snapshot()
			ev := log.Info().
				Str("you", string(view.You)).
				Bool("broadcasting", view.IsBroadcasting).
				Int("broadcasters", len(view.Broadcasters)).
				Int("streams", len(view.RemoteStreams))
			if view.Err != nil {
				ev = ev.AnErr("last_error", view.Err)
			}
			ev.Msg("room status")
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("client exited")
		os.Exit(1)
	}
}
