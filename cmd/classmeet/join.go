package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/classmeet/classmeet/internal/coordinator"
	"github.com/classmeet/classmeet/internal/media"
	"github.com/classmeet/classmeet/internal/peerlink"
	"github.com/classmeet/classmeet/internal/protocol"
	"github.com/classmeet/classmeet/internal/signalclient"
)

var (
	flagJoinRelay    string
	flagJoinName     string
	flagJoinRole     string
	flagJoinAPIKey   string
	flagJoinToken    string
	flagJoinStun     []string
	flagJoinTurn     string
	flagJoinTurnUser string
	flagJoinTurnPass string
	flagJoinVerbose  bool
)

var joinCmd = &cobra.Command{
	Use:     "join <room>",
	Aliases: []string{"j"},
	Short:   "Join a room and stay until interrupted",
	Long: `Join a room on a relay as a synthetic participant. The client publishes
generated audio and video, answers every negotiation, and prints roster, chat
and state events until it receives SIGINT or SIGTERM.

Examples:
  classmeet join standup --relay http://localhost:8080 --name alice
  classmeet join standup --relay https://relay.example.org --name bob --role host --api-key s3cret
  classmeet join standup --stun stun:stun.l.google.com:19302`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin(cmd.Context(), args[0])
	},
}

func runJoin(parent context.Context, room string) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelWarn
	if flagJoinVerbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	role, err := protocol.ParseRole(flagJoinRole)
	if err != nil {
		return err
	}

	iceServers, err := resolveICEServers(ctx)
	if err != nil {
		return err
	}

	wsURL, err := signalURL(flagJoinRelay)
	if err != nil {
		return err
	}
	dialer := &signalclient.WebSocketDialer{URL: wsURL}
	switch {
	case flagJoinToken != "":
		dialer.Credential = flagJoinToken
		dialer.CredentialKind = signalclient.CredentialToken
	case flagJoinAPIKey != "":
		dialer.Credential = flagJoinAPIKey
		dialer.CredentialKind = signalclient.CredentialAPIKey
	}

	capture := media.NewSyntheticCapture()
	co, err := coordinator.New(coordinator.Config{
		Room:        room,
		DisplayName: flagJoinName,
		Role:        role,
		Dialer:      dialer,
		Links:       peerlink.NewPionFactory(iceServers, capture, logger),
		Capture:     capture,
		Logger:      logger,
		OnEvent:     printEvent,
	})
	if err != nil {
		return err
	}

	if err := co.Join(ctx); err != nil {
		return err
	}
	fmt.Printf("joined %q as %s (%s), %d other member(s)\n",
		room, flagJoinName, role, len(co.Members()))

	<-ctx.Done()
	fmt.Println("leaving")
	co.Leave()
	return nil
}

// resolveICEServers prefers explicit --stun/--turn flags; without them it asks
// the relay, which also mints short-lived TURN credentials when it can.
func resolveICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer
	for _, u := range flagJoinStun {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	if flagJoinTurn != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{flagJoinTurn},
			Username:   flagJoinTurnUser,
			Credential: flagJoinTurnPass,
		})
	}
	if len(servers) > 0 {
		return servers, nil
	}
	return fetchICEServers(ctx, flagJoinRelay)
}

func fetchICEServers(ctx context.Context, relayURL string) ([]webrtc.ICEServer, error) {
	u, err := url.JoinPath(relayURL, "/webrtc/ice")
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ICE servers: relay returned %s", resp.Status)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	return body.ICEServers, nil
}

// signalURL turns the relay's HTTP base URL into its websocket endpoint.
func signalURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid relay URL scheme %q", u.Scheme)
	}
	u.Path = "/signal"
	u.RawQuery = ""
	return u.String(), nil
}

func printEvent(msg protocol.ServerMessage) {
	switch msg.Type {
	case protocol.ServerTypeMemberJoined:
		fmt.Printf("* %s joined (%s)\n", msg.Member.DisplayName, msg.Member.Role)
	case protocol.ServerTypeMemberLeft:
		fmt.Printf("* %s left\n", msg.MemberID)
	case protocol.ServerTypeChat:
		fmt.Printf("<%s> %s\n", msg.Entry.SenderName, msg.Entry.Body)
	case protocol.ServerTypeReaction:
		fmt.Printf("[%s reacted %s]\n", msg.Entry.SenderName, msg.Entry.Body)
	case protocol.ServerTypeStateUpdate:
		fmt.Printf("* %s state changed\n", msg.MemberID)
	case protocol.ServerTypeError:
		fmt.Printf("! relay error %s: %s\n", msg.Code, msg.Message)
	}
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVar(&flagJoinRelay, "relay", "http://localhost:8080", "Relay base URL")
	joinCmd.Flags().StringVarP(&flagJoinName, "name", "n", "", "Display name (required)")
	joinCmd.Flags().StringVar(&flagJoinRole, "role", "attendee", "Role: host or attendee")
	joinCmd.Flags().StringVar(&flagJoinAPIKey, "api-key", "", "API key for api_key relays")
	joinCmd.Flags().StringVar(&flagJoinToken, "token", "", "JWT for jwt relays")
	joinCmd.Flags().StringSliceVar(&flagJoinStun, "stun", nil, "STUN server URL (repeatable, skips relay ICE discovery)")
	joinCmd.Flags().StringVar(&flagJoinTurn, "turn", "", "TURN server URL")
	joinCmd.Flags().StringVar(&flagJoinTurnUser, "turn-user", "", "TURN username")
	joinCmd.Flags().StringVar(&flagJoinTurnPass, "turn-pass", "", "TURN password")
	joinCmd.Flags().BoolVarP(&flagJoinVerbose, "verbose", "v", false, "Debug logging")

	_ = joinCmd.MarkFlagRequired("name")
}
