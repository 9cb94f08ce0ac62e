package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"riderlink/internal/app"
	"riderlink/internal/chat"
	"riderlink/internal/models"
	"riderlink/internal/presence"
	"riderlink/internal/session"
	"riderlink/internal/tracking"
)

const watchHelp = `Commands:
  app active|background|inactive   report an app lifecycle change
  net connected|disconnected       report a connectivity change
  say <text>                       send a chat message
  retry                            resend the last failed message
  messages                         print the conversation
  refresh                          pull the shipment snapshot now
  timeline                         print the shipment timeline
  state                            print presence and connection state
  logout                           log out and stop
  quit                             stop
`

func buildWatchCmd(state *cliState) *cobra.Command {
	var shipmentID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync core and drive it from standard input",
		Long: `Run the sync core for the stored session.

Lifecycle and network changes, chat messages and tracking requests are read
line by line from standard input. With --shipment the shipment's chat and
status timeline are followed and printed as they change.

` + watchHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, closeStore, err := openSessions(state)
			if err != nil {
				return err
			}
			defer closeStore()

			w := &watcher{out: cmd.OutOrStdout(), sessions: sessions}
			return w.run(cmd.Context(), state, shipmentID, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&shipmentID, "shipment", "s", "", "Shipment to follow (chat and status timeline)")
	return cmd
}

type watcher struct {
	sessions *session.Manager
	app      *app.App
	conv     *chat.Conversation
	tracker  *tracking.Tracker

	mu          sync.Mutex
	out         io.Writer
	lastFailure *chat.SendFailure
}

func (w *watcher) printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.out, format, args...)
}

func (w *watcher) run(ctx context.Context, state *cliState, shipmentID string, in io.Reader) error {
	a, err := app.Start(ctx, state.cfg, w.sessions,
		app.ChatOptions(
			chat.OnChange(w.onMessages),
			chat.OnSendFailure(w.onSendFailure),
		),
		app.TrackingOptions(tracking.OnChange(w.onSnapshot)),
	)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return fmt.Errorf("%w: run 'riderlink login' first", err)
		}
		return err
	}
	w.app = a
	defer func() { _ = a.Close() }()

	if shipmentID != "" {
		if w.tracker, err = a.Track(ctx, shipmentID); err != nil {
			w.printf("tracking: %v (showing last known state)\n", err)
		}
		if w.conv, err = a.OpenConversation(ctx, shipmentID, w.sessions.Current().UserID); err != nil {
			w.printf("chat: %v\n", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	w.printf("watching; type 'help' for commands\n")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.Channel().Done():
			return a.Channel().Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := w.handle(ctx, line)
			if err != nil {
				w.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the loop should stop.
func (w *watcher) handle(ctx context.Context, line string) (bool, error) {
	name, arg := parseCommand(line)
	switch name {
	case "":
		return false, nil
	case "help":
		w.printf("%s", watchHelp)
	case "app":
		s, err := presence.ParseAppState(arg)
		if err != nil {
			return false, err
		}
		w.app.Presence().Lifecycle(s)
	case "net":
		s, err := presence.ParseNetworkState(arg)
		if err != nil {
			return false, err
		}
		w.app.Presence().Network(s)
	case "say":
		if w.conv == nil {
			return false, errors.New("no conversation; start with --shipment")
		}
		_, err := w.conv.Send(arg)
		return false, err
	case "retry":
		if w.conv == nil {
			return false, errors.New("no conversation; start with --shipment")
		}
		w.mu.Lock()
		f := w.lastFailure
		w.lastFailure = nil
		w.mu.Unlock()
		if f == nil {
			return false, errors.New("nothing to retry")
		}
		_, err := w.conv.Retry(f)
		return false, err
	case "messages":
		if w.conv == nil {
			return false, errors.New("no conversation; start with --shipment")
		}
		for _, m := range w.conv.Messages() {
			w.printf("%s\n", formatMessage(m))
		}
	case "refresh":
		if w.tracker == nil {
			return false, errors.New("no shipment; start with --shipment")
		}
		return false, w.tracker.Refresh(ctx)
	case "timeline":
		if w.tracker == nil {
			return false, errors.New("no shipment; start with --shipment")
		}
		w.printTimeline()
	case "state":
		p := w.app.Presence().State()
		ch := w.app.Channel()
		w.printf("realtime: %s %s\n", ch.State(), ch.Transport())
		w.printf("presence: online=%t app=%s network=%s\n", p.IsOnline, p.App, p.Network)
	case "logout":
		if err := w.app.Close(); err != nil {
			w.printf("shutdown: %v\n", err)
		}
		if err := w.sessions.Logout(); err != nil {
			return true, err
		}
		w.printf("logged out\n")
		return true, nil
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q; type 'help'", name)
	}
	return false, nil
}

func parseCommand(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	name, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func (w *watcher) onMessages(msgs []models.Message) {
	if len(msgs) == 0 {
		return
	}
	w.printf("chat: %s\n", formatMessage(msgs[len(msgs)-1]))
}

func (w *watcher) onSendFailure(f *chat.SendFailure) {
	w.mu.Lock()
	w.lastFailure = f
	w.mu.Unlock()
	w.printf("chat: message %q not sent (%v); type 'retry' to resend\n", f.Content, f.Err)
}

func (w *watcher) onSnapshot(s models.ShipmentSnapshot) {
	d := tracking.DisplayFor(s.Status)
	w.printf("shipment %s: %s - %s\n", s.ShipmentID, d.Title, d.Description)
}

func (w *watcher) printTimeline() {
	if f := w.tracker.Freshness(); f.Stale {
		w.printf("(stale: %v)\n", f.LastError)
	}
	for _, e := range w.tracker.Timeline() {
		marker := " "
		if e.Latest {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s  %-20s %s", marker, e.Event.Timestamp.Local().Format(time.DateTime), e.Display.Title, e.Event.LocationLabel)
		w.printf("%s\n", strings.TrimRight(line, " "))
	}
}

func formatMessage(m models.Message) string {
	state := ""
	if m.DeliveryState == models.DeliveryPending {
		state = " (sending)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format(time.TimeOnly), m.SenderID, m.Content, state)
}
