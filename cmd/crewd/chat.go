package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/httpclient"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/server/app"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

const (
	chatRequestTimeout = 15 * time.Second
	closeNotFound      = 4004
)

type chatOptions struct {
	server string
	title  string
	plain  bool
}

func newChatCommand() *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [conversation-id]",
		Short: "Talk to a crew from the terminal",
		Long:  "chat opens a conversation stream. Without an id a new conversation is created.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), opts, args)
		},
	}
	cmd.Flags().StringVarP(&opts.server, "server", "s", "http://localhost:8000", "crewd base URL")
	cmd.Flags().StringVar(&opts.title, "title", "", "title for a new conversation")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "disable colors and markdown styling")
	return cmd
}

func runChat(ctx context.Context, opts *chatOptions, args []string) error {
	base := strings.TrimRight(opts.server, "/")
	var convID string
	if len(args) == 1 {
		convID = args[0]
	} else {
		conv, err := createConversation(ctx, base, opts.title)
		if err != nil {
			return err
		}
		convID = conv.ID
	}

	wsURL, err := streamURL(base, convID)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	interactive := isTTY()
	md, err := newMarkdownRenderer(opts.plain || !interactive)
	if err != nil {
		md = nil
	}

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("you> "),
		HistoryFile:       filepath.Join(homeDir, ".crewd-history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	session := &chatSession{conn: conn, out: rl.Stdout(), md: md}
	fmt.Fprintln(session.out, gray("conversation "+convID+"  (type exit to leave)"))

	done := make(chan error, 1)
	go func() {
		done <- session.readLoop()
		_ = rl.Close()
	}()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" || line == "/quit" {
			break
		}

		if q, ok := session.pendingQuestion(); ok && line == "" && interactive && len(q.Options) > 0 {
			choice, err := chooseOption(q)
			if err != nil {
				continue
			}
			line = choice
		}
		if line == "" {
			continue
		}
		if err := session.submit(line); err != nil {
			fmt.Fprintln(session.out, red("send failed: "+err.Error()))
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		return nil
	}
}

// chatSession is the client side of one conversation stream.
type chatSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	out     io.Writer
	md      *markdownRenderer

	mu      sync.Mutex
	pending *conversation.Event
}

func (s *chatSession) readLoop() error {
	for {
		var ev conversation.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				switch closeErr.Code {
				case closeNotFound:
					return fmt.Errorf("conversation not found")
				case websocket.CloseNormalClosure, websocket.CloseGoingAway:
					return nil
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		s.track(ev)
		if text := formatEvent(ev, s.md); text != "" {
			fmt.Fprintln(s.out, text)
		}
	}
}

// track remembers the newest open question so a bare reply answers it.
func (s *chatSession) track(ev conversation.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case conversation.EventQuestion:
		q := ev
		s.pending = &q
	case conversation.EventAnswer:
		if s.pending != nil && (ev.QuestionID == "" || ev.QuestionID == s.pending.QuestionID) {
			s.pending = nil
		}
	case conversation.EventComplete:
		s.pending = nil
	}
}

func (s *chatSession) pendingQuestion() (conversation.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return conversation.Event{}, false
	}
	return *s.pending, true
}

// submit sends line as the answer to the open question, or as a new message.
func (s *chatSession) submit(line string) error {
	s.mu.Lock()
	q := s.pending
	s.pending = nil
	s.mu.Unlock()

	frame := app.Inbound{Type: string(conversation.EventUserMessage), Content: line}
	if q != nil {
		frame = app.Inbound{
			Type:       string(conversation.EventAnswer),
			Content:    resolveAnswer(*q, line),
			QuestionID: q.QuestionID,
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

// resolveAnswer maps option numbers ("2" or "1,3") to option values.
func resolveAnswer(q conversation.Event, input string) string {
	if len(q.Options) == 0 {
		return input
	}
	parts := strings.Split(input, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > len(q.Options) {
			return input
		}
		values = append(values, q.Options[n-1].Value)
	}
	if q.SelectionType != conversation.SelectionCheckbox && len(values) > 1 {
		return input
	}
	return strings.Join(values, ", ")
}

func chooseOption(q conversation.Event) (string, error) {
	labels := make([]string, len(q.Options))
	for i, opt := range q.Options {
		labels[i] = opt.Label
		if opt.Description != "" {
			labels[i] += " - " + opt.Description
		}
	}
	sel := promptui.Select{
		Label: q.Content,
		Items: labels,
		Size:  min(len(labels), 10),
	}
	idx, _, err := sel.Run()
	if err != nil {
		return "", err
	}
	return strconv.Itoa(idx + 1), nil
}

// formatEvent renders one event as terminal text. Echoes of the user's own
// live input are suppressed.
func formatEvent(ev conversation.Event, md *markdownRenderer) string {
	switch ev.Type {
	case conversation.EventStatus:
		line := "status: " + ev.Status
		if ev.Reattached {
			line += " (reattached)"
		}
		return gray(line)
	case conversation.EventUserMessage, conversation.EventAnswer:
		if !ev.Replayed {
			return ""
		}
		return gray("you> ") + ev.Content
	case conversation.EventAgentMessage:
		switch ev.Subtype {
		case conversation.SubtypeThinking:
			return gray(ev.Sender + " is thinking: " + ev.Content)
		case conversation.SubtypeToolCall:
			return yellow(fmt.Sprintf("%s -> %s %s", ev.Sender, ev.Tool, ev.Content))
		case conversation.SubtypeToolResult:
			return gray(fmt.Sprintf("%s <- %s", ev.Sender, firstLine(ev.Content)))
		default:
			return bold(ev.Sender+": ") + ev.Content
		}
	case conversation.EventQuestion:
		var b strings.Builder
		b.WriteString(cyan("? " + ev.Content))
		for i, opt := range ev.Options {
			fmt.Fprintf(&b, "\n  %d. %s", i+1, opt.Label)
			if opt.Description != "" {
				b.WriteString(gray("  " + opt.Description))
			}
		}
		if len(ev.Options) > 0 && !ev.Replayed {
			b.WriteString(gray("\n  (answer with a number, or press Enter to pick)"))
		}
		return b.String()
	case conversation.EventSystem:
		return gray("-- " + ev.Content)
	case conversation.EventSynthesisReady:
		return gray("-- synthesis ready")
	case conversation.EventComplete:
		return green("Run complete") + "\n" + md.Render(ev.Output)
	case conversation.EventError:
		msg := ev.Message
		if msg == "" {
			msg = ev.Content
		}
		return red("error: " + msg)
	default:
		return ""
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func createConversation(ctx context.Context, base, title string) (*conversation.Conversation, error) {
	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/conversations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpclient.New(chatRequestTimeout, logging.Nop()).Do(req)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		data, _ := httpclient.ReadAllWithLimit(resp.Body, 4096)
		return nil, fmt.Errorf("create conversation: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var conv conversation.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

// streamURL maps an http(s) base URL to the conversation's ws(s) endpoint.
func streamURL(base, conversationID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/conversations/" + url.PathEscape(conversationID) + "/ws"
	return u.String(), nil
}
