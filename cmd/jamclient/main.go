package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/dkeye/jamroom/internal/adapters/rtc"
	"github.com/dkeye/jamroom/internal/client/media"
	"github.com/dkeye/jamroom/internal/client/monitor"
	"github.com/dkeye/jamroom/internal/client/sched"
	sigclient "github.com/dkeye/jamroom/internal/client/signal"
	"github.com/dkeye/jamroom/internal/client/session"
	"github.com/dkeye/jamroom/internal/config"
	"github.com/dkeye/jamroom/internal/domain"
)

var (
	name       string
	instrument string
	noAudio    bool
	refresh    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "jamclient",
	Short: "Headless jamroom participant",
	Long: `jamclient joins a jamroom signaling server as a participant, keeps peer links to
every other member and prints the room with per-peer link quality.`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new room and stay in it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd, "")
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <roomId>",
	Short: "Join an existing room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd, domain.RoomID(args[0]))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("client.server_url", "", "signaling websocket URL")
	pf.String("log_level", "", "log level (debug, info, warn, error)")
	pf.StringVarP(&name, "name", "n", "", "display name")
	pf.StringVarP(&instrument, "instrument", "i", "", "instrument you play")
	pf.BoolVar(&noAudio, "no-audio", false, "join without an audio track")
	pf.DurationVar(&refresh, "refresh", 5*time.Second, "room table refresh period")

	rootCmd.AddCommand(createCmd, joinCmd)
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, roomID domain.RoomID) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	sess := session.New(session.Config{
		Monitor: monitor.FromClientConfig(cfg.Client),
		Media:   domain.MediaFlags{Audio: !noAudio},
	}, media.SilenceSource{}, rtc.NewConnector(cfg.Client.STUN), sched.RealClock())

	up := make(chan struct{}, 1)
	hooks := sess.SignalHooks()
	onUp := hooks.OnUp
	hooks.OnUp = func(id domain.ConnID) {
		onUp(id)
		select {
		case up <- struct{}{}:
		default:
		}
	}
	client := sigclient.New(cfg.Client.ServerURL, hooks, sigclient.Options{})
	sess.Attach(client)

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("module", "jamclient").Msg("signaling stopped")
		}
	})
	defer wg.Wait()
	defer cancel()

	select {
	case <-up:
	case <-ctx.Done():
		return ctx.Err()
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, 10*time.Second)
	var snap domain.RoomSnapshot
	if roomID == "" {
		snap, err = sess.CreateRoom(reqCtx, name, instrument)
	} else {
		snap, err = sess.JoinRoom(reqCtx, roomID, name, instrument)
	}
	reqCancel()
	if err != nil {
		return err
	}
	fmt.Printf("room %s, you are %s\n", snap.RoomID, sess.LocalID())
	render(os.Stdout, sess)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sess.LeaveRoom()
		case <-ticker.C:
			render(os.Stdout, sess)
		case ev := <-sess.Events():
			report(ev)
		}
	}
}

func report(ev session.Event) {
	switch e := ev.(type) {
	case session.ParticipantsChanged:
		log.Info().Str("module", "jamclient").Int("participants", len(e.Participants)).Msg("participants changed")
	case session.AdminChanged:
		log.Info().Str("module", "jamclient").Str("admin", string(e.Admin)).Msg("admin changed")
	case session.PeerStateChanged:
		log.Info().Str("module", "jamclient").Str("peer", string(e.PeerID)).Str("state", string(e.State)).Msg("peer state")
	case session.PeerDisconnected:
		log.Warn().Err(e.Err).Str("module", "jamclient").Str("peer", string(e.PeerID)).Msg("peer lost")
	case session.RemoteTrack:
		log.Info().Str("module", "jamclient").Str("peer", string(e.PeerID)).Str("kind", e.Track.Kind().String()).Msg("remote track")
	case session.Error:
		log.Warn().Err(e.Err).Str("module", "jamclient").Msg("session error")
	}
}

func render(w io.Writer, sess *session.Session) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle("Room " + string(sess.RoomID()))
	t.AppendHeader(table.Row{"ID", "Name", "Instrument", "Admin", "Audio", "State", "Quality", "Latency"})
	for _, p := range sess.Participants() {
		if p.ID == sess.LocalID() {
			t.AppendRow(table.Row{p.ID, p.Name + " (you)", p.Instrument, p.IsAdmin, p.Media.Audio, "-", "-", "-"})
			continue
		}
		q := sess.Quality(p.ID)
		t.AppendRow(table.Row{
			p.ID, p.Name, p.Instrument, p.IsAdmin, p.Media.Audio,
			sess.PeerState(p.ID),
			fmt.Sprintf("%.1f %s", q.Score, q.Category),
			fmt.Sprintf("%d ms", q.LatencyMs),
		})
	}
	t.Render()
}
