package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/user"
	"strings"
	"sync"

	"github.com/chzyer/readline"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/sortarena/internal/arena"
	"github.com/michaelbrown/sortarena/internal/server"
)

var (
	serverFlag string
	nameFlag   string
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room from the terminal",
	Long: `Join a battle room as an interactive participant.

Commands:
  /load <file>     share the code in file with the room
  /code            print the room's current code
  /start           start a battle
  /submit [file]   submit the room's code, or the code in file
  /who             list participants
  /quit            leave

Examples:
  sortarena join lobby
  sortarena join lobby --name ada --server ws://arena.local:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runJoin,
}

func init() {
	joinCmd.Flags().StringVar(&serverFlag, "server", "ws://localhost:8080", "Server address")
	joinCmd.Flags().StringVar(&nameFlag, "name", "", "Display name (default: your login)")
	rootCmd.AddCommand(joinCmd)
}

// session is the terminal participant's view of the room.
type session struct {
	mu     sync.Mutex
	id     string
	code   string
	roster []arena.Participant
	out    io.Writer
}

func runJoin(cmd *cobra.Command, args []string) error {
	name := nameFlag
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}

	endpoint, err := roomURL(serverFlag, args[0], name)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", endpoint, err)
	}
	defer conn.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("\033[36m%s>\033[0m ", args[0]),
		HistoryFile:     "/tmp/sortarena_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	s := &session{out: rl.Stdout()}
	fmt.Fprintf(s.out, "Sortarena - room %s as %s\nType /help for commands, /quit to exit\n\n", args[0], name)

	go func() {
		s.readLoop(conn)
		rl.Close()
	}()

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(s.out, "Goodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if !strings.HasPrefix(input, "/") {
			fmt.Fprintln(s.out, "Commands start with /. Type /help.")
			continue
		}

		quit, err := s.handleCommand(conn, input)
		if err != nil {
			fmt.Fprintf(s.out, "\033[31m%v\033[0m\n", err)
		}
		if quit {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}

func roomURL(base, room, name string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid server address %q: want ws:// or http://", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + room
	u.RawPath = ""
	q := u.Query()
	if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// outgoing mirrors the server's inbound message shape.
type outgoing struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

func (s *session) handleCommand(conn *websocket.Conn, input string) (quit bool, err error) {
	parts := strings.Fields(input)
	switch parts[0] {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help":
		fmt.Fprintln(s.out, "/load <file>  /code  /start  /submit [file]  /who  /quit")

	case "/load":
		if len(parts) < 2 {
			return false, errors.New("usage: /load <file>")
		}
		data, err := os.ReadFile(parts[1])
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.code = string(data)
		s.mu.Unlock()
		return false, conn.WriteJSON(outgoing{Type: "codeChange", Code: string(data)})

	case "/code":
		s.mu.Lock()
		code := s.code
		s.mu.Unlock()
		fmt.Fprintln(s.out, code)

	case "/start":
		return false, conn.WriteJSON(outgoing{Type: "startBattle"})

	case "/submit":
		s.mu.Lock()
		code := s.code
		s.mu.Unlock()
		if len(parts) > 1 {
			data, err := os.ReadFile(parts[1])
			if err != nil {
				return false, err
			}
			code = string(data)
		}
		return false, conn.WriteJSON(outgoing{Type: "submit", Code: code})

	case "/who":
		s.mu.Lock()
		roster := s.roster
		s.mu.Unlock()
		for _, p := range roster {
			marker := " "
			if p.ID == s.id {
				marker = "*"
			}
			fmt.Fprintf(s.out, " %s %s\n", marker, p.DisplayName)
		}

	default:
		return false, fmt.Errorf("unknown command %s", parts[0])
	}
	return false, nil
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *session) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				fmt.Fprintf(s.out, "\n\033[31mdisconnected: %v\033[0m\n", err)
			}
			return
		}
		s.render(f)
	}
}

func (s *session) render(f frame) {
	w := s.out
	switch f.Type {
	case server.EventWelcome:
		var p server.Welcome
		if json.Unmarshal(f.Payload, &p) == nil {
			s.mu.Lock()
			s.id = p.ParticipantID
			s.mu.Unlock()
		}

	case server.EventJoined:
		var info arena.RoomInfo
		if json.Unmarshal(f.Payload, &info) == nil {
			fmt.Fprintf(w, "Joined %s (%s, %d here)\n", info.ID, info.Phase, len(info.Participants))
		}

	case arena.EventCodeUpdate:
		var code string
		if json.Unmarshal(f.Payload, &code) == nil {
			s.mu.Lock()
			s.code = code
			s.mu.Unlock()
			fmt.Fprintf(w, "\033[90mcode updated (%d lines)\033[0m\n", strings.Count(code, "\n")+1)
		}

	case arena.EventRoster:
		var roster []arena.Participant
		if json.Unmarshal(f.Payload, &roster) == nil {
			s.mu.Lock()
			s.roster = roster
			s.mu.Unlock()
			names := make([]string, len(roster))
			for i, p := range roster {
				names[i] = p.DisplayName
			}
			fmt.Fprintf(w, "\033[90mhere: %s\033[0m\n", strings.Join(names, ", "))
		}

	case arena.EventCountdownTick:
		var n int
		if json.Unmarshal(f.Payload, &n) == nil && n > 0 {
			fmt.Fprintf(w, "\033[33mbattle in %d...\033[0m\n", n)
		}

	case arena.EventBattleStart:
		var start arena.BattleStart
		if json.Unmarshal(f.Payload, &start) == nil {
			fmt.Fprintf(w, "\033[33;1mGO!\033[0m round %d, %d values: %s\n", start.Round, len(start.TestInput), preview(start.TestInput, 10))
		}

	case arena.EventSubmitted:
		var id string
		if json.Unmarshal(f.Payload, &id) == nil {
			fmt.Fprintf(w, "\033[90m%s submitted\033[0m\n", s.nameOf(id))
		}

	case arena.EventExecutionResult:
		var res arena.ExecutionResult
		if json.Unmarshal(f.Payload, &res) == nil {
			fmt.Fprintf(w, "your run finished in %d ms\n", res.ElapsedMillis)
		}

	case arena.EventExecutionFailure:
		var fail arena.ExecutionFailure
		if json.Unmarshal(f.Payload, &fail) == nil {
			hint := ""
			if fail.Retryable {
				hint = " (fix it and /submit again)"
			}
			fmt.Fprintf(w, "\033[31m%s\033[0m%s\n", fail.Reason, hint)
		}

	case arena.EventBattleResults:
		var res arena.BattleResults
		if json.Unmarshal(f.Payload, &res) == nil {
			fmt.Fprintf(w, "\nResults, round %d\n", res.Round)
			for _, r := range res.Results {
				name := r.DisplayName
				if name == "" {
					name = r.ParticipantID
				}
				if r.Correct {
					fmt.Fprintf(w, "%3d. \033[32m%-20s %6d ms ✓\033[0m\n", r.Rank, truncate(name, 20), r.ElapsedMillis)
				} else {
					fmt.Fprintf(w, "%3d. \033[90m%-20s %6d ms ✗ %s\033[0m\n", r.Rank, truncate(name, 20), r.ElapsedMillis, r.Failure)
				}
			}
			fmt.Fprintln(w)
		}

	case server.EventError:
		var e server.ErrorPayload
		if json.Unmarshal(f.Payload, &e) == nil {
			fmt.Fprintf(w, "\033[31m%s\033[0m\n", e.Message)
		}
	}
}

func (s *session) nameOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.roster {
		if p.ID == id {
			return p.DisplayName
		}
	}
	return id
}
