package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/roomrelay/config"
	"github.com/mossy-p/roomrelay/internal/client"
	"github.com/mossy-p/roomrelay/internal/logging"
	"github.com/mossy-p/roomrelay/internal/webrtcpeer"
)

const joinTimeout = 15 * time.Second

var (
	flagJoinServer   string
	flagJoinName     string
	flagJoinPrivate  bool
	flagJoinToken    string
	flagJoinSTUN     string
	flagJoinTURN     string
	flagJoinTURNUser string
	flagJoinTURNPass string
)

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room as a headless peer",
	Long: `Join a room and negotiate receive-only audio and video with every member.

Commands read from stdin:
  /mic     toggle the microphone flag
  /cam     toggle the camera flag
  /who     list participants
  /leave   leave the room and exit
Anything else is sent as chat.

Examples:
  signaling join lobby --name Ada
  signaling join 42 --private
  signaling join 42 --token 9f86d081884c7d659a2feaa0c55ad015`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		applyClientFlags(&cfg.Client)
		logging.Init(cfg.LogLevel, true)
		return joinRoom(cmd.Context(), cfg.Client, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&flagJoinServer, "server", "", "relay websocket URL (overrides SIGNALING_URL)")
	f.StringVarP(&flagJoinName, "name", "n", "", "display name")
	f.BoolVar(&flagJoinPrivate, "private", false, "create the room as private if it does not exist")
	f.StringVar(&flagJoinToken, "token", "", "invite token of a private room")
	f.StringVar(&flagJoinSTUN, "stun", "", "STUN server URL (overrides STUN_SERVER)")
	f.StringVar(&flagJoinTURN, "turn", "", "TURN server URL (overrides TURN_SERVER)")
	f.StringVar(&flagJoinTURNUser, "turn-user", "", "TURN username")
	f.StringVar(&flagJoinTURNPass, "turn-pass", "", "TURN password")
}

func applyClientFlags(c *config.ClientConfig) {
	if flagJoinServer != "" {
		c.SignalingURL = flagJoinServer
	}
	if flagJoinSTUN != "" {
		c.STUNServer = flagJoinSTUN
	}
	if flagJoinTURN != "" {
		c.TURNServer = flagJoinTURN
	}
	if flagJoinTURNUser != "" {
		c.TURNUser = flagJoinTURNUser
	}
	if flagJoinTURNPass != "" {
		c.TURNPass = flagJoinTURNPass
	}
}

func joinRoom(parent context.Context, cfg config.ClientConfig, roomID string, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	conn, err := client.Dial(dialCtx, cfg.SignalingURL)
	if err != nil {
		return err
	}

	transport, err := webrtcpeer.NewTransport(cfg, webrtcpeer.WithTrackHandler(drainTrack))
	if err != nil {
		_ = conn.Close()
		return err
	}

	room := client.NewRoom(conn, transport,
		client.WithChatHandler(func(m client.ChatMessage) {
			fmt.Fprintf(out, "%s: %s\n", m.Name, m.Text)
		}),
		client.WithEventHandler(func(ev client.Event) {
			printEvent(out, ev)
		}),
		client.WithErrorHandler(func(err error) {
			fmt.Fprintf(out, "! %v\n", err)
		}),
	)
	defer room.Close()

	res, err := room.Join(dialCtx, client.JoinOptions{
		RoomID:      roomID,
		DisplayName: flagJoinName,
		IsPrivate:   flagJoinPrivate,
		Token:       flagJoinToken,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Joined room %s as %s\n", res.RoomID, room.SelfID())
	if res.Token != "" {
		fmt.Fprintf(out, "Invite token: %s\n", res.Token)
	}
	for _, m := range res.Others {
		fmt.Fprintf(out, "  %s (%s)\n", m.DisplayName, m.ID)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return leave(room)
		case <-room.Stopped():
			return errors.New("connection to relay closed")
		case line, ok := <-lines:
			if !ok {
				return leave(room)
			}
			done, err := runCommand(room, strings.TrimSpace(line), out)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

func runCommand(room *client.Room, line string, out io.Writer) (done bool, err error) {
	switch line {
	case "":
		return false, nil
	case "/leave":
		return true, leave(room)
	case "/mic":
		st, err := room.ToggleMic()
		if err == nil {
			fmt.Fprintf(out, "mic %s\n", onOff(st.MicOn))
		}
		return false, err
	case "/cam":
		st, err := room.ToggleCam()
		if err == nil {
			fmt.Fprintf(out, "camera %s\n", onOff(st.CamOn))
		}
		return false, err
	case "/who":
		for _, p := range room.Participants() {
			fmt.Fprintf(out, "  %s (%s) mic %s, camera %s\n",
				p.DisplayName, p.ID, onOff(p.Media.MicOn), onOff(p.Media.CamOn))
		}
		return false, nil
	default:
		return false, room.SendChat(line)
	}
}

func printEvent(out io.Writer, ev client.Event) {
	p := ev.Participant
	switch ev.Kind {
	case client.EventJoined:
		fmt.Fprintf(out, "* %s joined\n", p.DisplayName)
	case client.EventLeft:
		fmt.Fprintf(out, "* %s left\n", p.DisplayName)
	case client.EventMediaState:
		fmt.Fprintf(out, "* %s: mic %s, camera %s\n", p.DisplayName, onOff(p.Media.MicOn), onOff(p.Media.CamOn))
	case client.EventRoomClosed:
		fmt.Fprintln(out, "* room closed by operator")
	case client.EventDisconnected:
		fmt.Fprintln(out, "* disconnected")
	}
}

// drainTrack reads a remote track until it ends so pion's buffers do not
// fill up.
func drainTrack(remoteID string, track *webrtc.TrackRemote) {
	go func() {
		buf := make([]byte, 1500)
		var packets int
		for {
			if _, _, err := track.Read(buf); err != nil {
				log.Debug().Str("remote", remoteID).Int("packets", packets).Msg("remote track ended")
				return
			}
			packets++
		}
	}()
}

// leave tolerates a room that already closed under us
func leave(room *client.Room) error {
	if err := room.Leave(); err != nil && !errors.Is(err, client.ErrNotInRoom) {
		return err
	}
	return nil
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
