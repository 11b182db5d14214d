package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	hubchat "github.com/innovision/productivityhub/sdk/golang"
)

var chatProject int64

var errQuit = errors.New("quit")

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().Int64VarP(&chatProject, "project", "p", 0, "Project id to join")
	_ = chatCmd.MarkFlagRequired("project")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Join a project chat interactively",
	Long: `Join a project chat: history is printed, then new messages as they arrive.
Type a line to send it. Commands:
  /project <id>  switch project
  /who           show who is typing
  /quit          leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn := newConnection(cfg, true)
		session := hubchat.NewSession(conn, newClient(cfg),
			hubchat.WithSessionLogger(logger),
			hubchat.WithHistoryLimit(historyLimit(cfg)),
		)
		defer session.Close()

		out := newChatPrinter(os.Stdout)
		session.OnMessages(out.messages)
		session.OnTyping(out.typing)
		session.OnState(out.state)
		session.OnHistoryError(func(err error) {
			fmt.Fprintf(os.Stderr, "History unavailable: %v\n", err)
		})

		lines := readLines(os.Stdin)
		name := senderName(cfg)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			if err := conn.Connect(dialCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Could not reach the chat server: %v\n", err)
			}
			<-ctx.Done()
			return conn.Disconnect()
		})
		g.Go(func() error {
			out.switchProject(chatProject)
			if err := session.SetProject(ctx, chatProject); err != nil {
				logger.Warn().Err(err).Msg("subscriptions incomplete")
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return errQuit
					}
					if err := handleChatLine(ctx, session, out, name, cfg.Auth.AvatarURL, line); err != nil {
						return err
					}
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
			return err
		}
		return nil
	},
}

func handleChatLine(ctx context.Context, s *hubchat.Session, out *chatPrinter, name, avatar, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/quit":
		return errQuit
	case line == "/who":
		out.println(valueOrDefault(hubchat.TypingSummary(s.TypingUsers()), "Nobody is typing"))
		return nil
	case strings.HasPrefix(line, "/project"):
		id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/project")), 10, 64)
		if err != nil {
			out.println("Usage: /project <id>")
			return nil
		}
		out.switchProject(id)
		if err := s.SetProject(ctx, id); err != nil {
			logger.Warn().Err(err).Msg("subscriptions incomplete")
		}
		return nil
	case strings.HasPrefix(line, "/"):
		out.println("Unknown command " + strings.Fields(line)[0])
		return nil
	}

	if err := s.SendMessage(line, name, avatar); err != nil {
		out.println(fmt.Sprintf("Not sent: %v", err))
	}
	return nil
}

// readLines forwards stdin lines until EOF. The goroutine outlives the
// command if stdin never closes; the process exits anyway.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// ============================================================================
// Output
// ============================================================================

// chatPrinter prints each message once, in list order, plus typing and
// connection changes.
type chatPrinter struct {
	mu      sync.Mutex
	w       io.Writer
	seen    map[string]struct{}
	summary string
}

func newChatPrinter(w io.Writer) *chatPrinter {
	return &chatPrinter{w: w, seen: make(map[string]struct{})}
}

func (p *chatPrinter) switchProject(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
	p.summary = ""
	fmt.Fprintf(p.w, "== project %d ==\n", id)
}

func (p *chatPrinter) messages(msgs []hubchat.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		k := printKey(m)
		if _, ok := p.seen[k]; ok {
			continue
		}
		p.seen[k] = struct{}{}
		fmt.Fprintln(p.w, formatMessage(m))
	}
}

func (p *chatPrinter) typing(users []string) {
	summary := hubchat.TypingSummary(users)
	p.mu.Lock()
	defer p.mu.Unlock()
	if summary == p.summary {
		return
	}
	p.summary = summary
	if summary != "" {
		fmt.Fprintf(p.w, "   ... %s\n", summary)
	}
}

func (p *chatPrinter) state(s hubchat.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "-- %s --\n", s)
}

func (p *chatPrinter) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func printKey(m hubchat.ChatMessage) string {
	if m.ID != nil {
		return "id:" + strconv.FormatInt(*m.ID, 10)
	}
	return fmt.Sprintf("%s\x00%s\x00%d", m.SenderName, m.Content, m.Timestamp)
}
