package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/nexus-chat/internal/client"
	"github.com/Tyrowin/nexus-chat/internal/logging"
	"github.com/Tyrowin/nexus-chat/internal/protocol"
)

func init() {
	clientCmd.Flags().String("url", "ws://localhost:8080/ws", "gateway websocket URL")
	clientCmd.Flags().String("origin", "http://localhost:8080", "Origin header sent on the handshake")
	clientCmd.Flags().String("token", "", "bearer token (defaults to $NEXUS_TOKEN)")
	clientCmd.Flags().Bool("debug", false, "log socket activity to stderr")
	rootCmd.AddCommand(clientCmd)
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Interactive terminal client",
	Long: `Interactive terminal client for the gateway.

Commands:
  /join <conversation>   join a conversation and make it current
  /leave [conversation]  leave a conversation
  /read                  mark the current conversation read
  /who                   list online subjects
  /history               print the current conversation
  /quit                  exit
Any other line is sent to the current conversation.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, _ := cmd.Flags().GetString("url")
		origin, _ := cmd.Flags().GetString("origin")
		token, _ := cmd.Flags().GetString("token")
		debug, _ := cmd.Flags().GetBool("debug")
		if token == "" {
			token = os.Getenv("NEXUS_TOKEN")
		}

		log := zap.NewNop()
		if debug {
			l, err := logging.New("debug", logging.FormatConsole)
			if err != nil {
				return err
			}
			log = l
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return runClient(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), client.Options{
			URL:    url,
			Origin: origin,
			Logger: log,
		}, token)
	},
}

type terminal struct {
	mu      sync.Mutex
	out     io.Writer
	app     *client.App
	current string
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func runClient(ctx context.Context, in io.Reader, out io.Writer, opts client.Options, token string) error {
	term := &terminal{out: out}
	done := make(chan struct{})
	var doneOnce sync.Once

	opts.OnFatal = func(err error) {
		term.printf("! connection lost for good: %v", err)
		doneOnce.Do(func() { close(done) })
	}

	app := client.NewApp(client.AppOptions{
		Socket: opts,
		OnSendFailure: func(p client.Provisional, reason string) {
			term.printf("! message %q not delivered: %s", p.Content, reason)
		},
		OnError: func(ev protocol.ErrorEvent) {
			term.printf("! %s %s rejected: %s", ev.Event, ev.ConversationID, ev.Reason)
		},
		OnTyping: func(conversationID string) {
			if who := term.app.Typing.Typing(conversationID); len(who) > 0 {
				term.printf("~ %s typing in %s", strings.Join(who, ", "), conversationID)
			}
		},
	})
	term.app = app

	app.Socket.On(protocol.EventMessage, func(env protocol.Envelope) {
		var ev protocol.MessageEvent
		if env.Bind(&ev) == nil {
			term.printf("[%s] %s %s: %s", ev.ConversationID, ev.CreatedAt.Local().Format(time.Kitchen), ev.SenderID, ev.Content)
		}
	})
	app.Socket.On(protocol.EventJoined, func(env protocol.Envelope) {
		var ev protocol.JoinedEvent
		if env.Bind(&ev) == nil {
			term.printf("* joined %s", ev.ConversationID)
		}
	})
	app.Socket.On(protocol.EventPresence, func(env protocol.Envelope) {
		var ev protocol.PresenceEvent
		if env.Bind(&ev) == nil {
			term.printf("* %s is %s", ev.UserID, ev.Status)
		}
	})

	if err := app.SetCredential(ctx, token); err != nil {
		return err
	}
	defer func() { _ = app.SetCredential(context.Background(), "") }()

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
			return nil
		case <-done:
			return app.Socket.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := term.handle(strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the client should exit.
func (t *terminal) handle(line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if t.current == "" {
			t.printf("! /join a conversation first")
			return false
		}
		if _, err := t.app.Send(t.current, line); err != nil {
			t.printf("! %v", err)
		}
		return false
	}

	fields := strings.Fields(line)
	arg := t.current
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit":
		return true
	case "/join":
		if len(fields) < 2 {
			t.printf("! usage: /join <conversation>")
			return false
		}
		t.current = arg
		t.app.Open(arg)
	case "/leave":
		t.app.Close(arg)
		if arg == t.current {
			t.current = ""
		}
	case "/read":
		t.app.MarkRead(arg)
	case "/who":
		t.printf("* online: %s", strings.Join(t.app.Presence.Online(), ", "))
	case "/history":
		for _, it := range t.app.Messages.Visible(arg) {
			mark := ""
			if it.Provisional {
				mark = " (" + it.Status.String() + ")"
			}
			t.printf("  %s %s: %s%s", it.CreatedAt.Local().Format(time.Kitchen), it.SenderID, it.Content, mark)
		}
	default:
		t.printf("! unknown command %s", fields[0])
	}
	return false
}
