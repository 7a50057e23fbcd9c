package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/handler"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/middleware"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/session"
	"github.com/chatsync/internal/startup"
	"golang.org/x/sync/errgroup"
)

var (
	errQuit   = errors.New("quit")
	errLogout = errors.New("logout")
)

func main() {
	logger.SetPrefix("client")
	configPath := flag.String("config", "", "path to client.yaml (overrides CONFIG_PATH)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("CONFIG_PATH", *configPath)
	}

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if cfg.SelfID == "" {
		logger.Error("SELF_ID is required")
		os.Exit(1)
	}
	logger.Infof("starting client self=%s server=%s token=%s", cfg.SelfID, cfg.ServerURL, middleware.MaskSecret(cfg.SessionToken))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := startup.OpenSnapshotStore(ctx, cfg.Cache, 10*time.Second)
	defer store.Close()

	out := &printer{w: os.Stdout}
	sess := session.New(session.FromConfig(cfg, store, out))
	if err := sess.Start(ctx); err != nil {
		logger.Errorf("session start: %v", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.InspectAddr != "" {
		srv := &http.Server{
			Addr:              cfg.InspectAddr,
			Handler:           handler.NewRouter(sess, cfg.CORSAllowedOrigins),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("inspector listening on %s", cfg.InspectAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("inspector: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		return runCommands(gctx, sess, readLines(os.Stdin), out)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sess.Done():
			return errors.New("session loop exited")
		}
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch {
	case errors.Is(err, errLogout):
		if err := sess.Logout(closeCtx); err != nil {
			logger.Errorf("logout: %v", err)
		}
	default:
		if err != nil && !errors.Is(err, errQuit) {
			logger.Errorf("client: %v", err)
		}
		if err := sess.Close(closeCtx); err != nil {
			logger.Errorf("close: %v", err)
		}
	}
	logger.Info("client stopped")
}

// readLines feeds stdin lines into a channel that is closed on EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return lines
}

func runCommands(ctx context.Context, sess *session.Session, lines <-chan string, out *printer) error {
	out.println(helpText)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			out.println(err.Error())
			continue
		}
		if err := execute(ctx, sess, cmd, out); err != nil {
			if errors.Is(err, errQuit) || errors.Is(err, errLogout) {
				return err
			}
			out.println("error: " + err.Error())
		}
	}
}

func execute(ctx context.Context, sess *session.Session, cmd command, out *printer) error {
	switch cmd.verb {
	case verbQuit:
		return errQuit
	case verbLogout:
		return errLogout
	case verbHelp:
		out.println(helpText)
		return nil
	case verbList:
		v, err := sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.conversations(v.Conversations, time.Now())
		return nil
	case verbShow:
		v, err := sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		out.thread(v)
		return nil
	}

	var opErr error
	err := sess.Do(ctx, func(e *chat.Engine) {
		switch cmd.verb {
		case verbOpen:
			opErr = e.Open(cmd.arg)
		case verbLeave:
			e.Leave()
		case verbTyping:
			e.Input(cmd.text)
		case verbUnsend:
			opErr = e.Unsend(cmd.arg)
		case verbSend, verbReply:
			d := cmd.draft
			if cmd.verb == verbReply {
				target, ok := findMessage(e.Snapshot().Messages, cmd.arg)
				if !ok {
					opErr = fmt.Errorf("reply %s: %w", cmd.arg, chat.ErrNoMessage)
					return
				}
				d.ReplyTo = target.Reply()
			}
			e.Input(d.Content)
			_, opErr = e.Send(d)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

func findMessage(msgs []model.Message, id model.ID) (model.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// printer renders engine notifications on stdout. Observer callbacks run on the
// event loop while commands print from the input goroutine.
type printer struct {
	chat.NopObserver
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

func (p *printer) TypingChanged(chatID model.ID, active bool) {
	if active {
		p.println(fmt.Sprintf("· %s is typing…", chatID))
	}
}

func (p *printer) ReceiptChanged(label string) {
	if label != "" {
		p.println("· " + label)
	}
}

func (p *printer) SendFailed(h chat.SendHandle, err error) {
	p.println(fmt.Sprintf("! message not sent (%s): %v", h.TempID, err))
}

func (p *printer) conversations(list []model.Conversation, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(list) == 0 {
		fmt.Fprintln(p.w, "no conversations")
		return
	}
	for _, c := range list {
		dot := " "
		if c.IsOnline {
			dot = "●"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		fmt.Fprintf(p.w, "%s [%s] %s%s  %s  %s\n", dot, c.ID, c.Name, unread, c.PreviewLabel(), chat.CompactAge(c.LastMessageAt.Time, now))
	}
}

func (p *printer) thread(v chat.View) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v.OpenChatID == "" {
		fmt.Fprintln(p.w, "no open conversation")
		return
	}
	for _, m := range v.Messages {
		who := string(m.SenderID)
		if m.IsOwn {
			who = "me"
		}
		state := ""
		if chat.IsTemp(m.ID) {
			state = " (sending)"
		}
		fmt.Fprintf(p.w, "[%s] %s: %s%s\n", m.ID, who, model.PreviewText(m.Kind, m.Content), state)
	}
	if v.SeenLabel != "" {
		fmt.Fprintln(p.w, "  "+v.SeenLabel)
	}
	if v.RemoteTyping {
		fmt.Fprintln(p.w, "  typing…")
	}
}
