package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"boltalka/internal/chat"
	"boltalka/internal/config"
	"boltalka/internal/creds"
	"boltalka/internal/models"
	"boltalka/internal/rest"
	"boltalka/internal/router"
	"boltalka/internal/session"
	"boltalka/internal/transport"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := creds.Open(cfg.StateFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	api := rest.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, store, logger)
	rt := router.New(logger)

	var sess *session.Session
	tr := transport.New(cfg.WSURL, rt.Dispatch, func(err error) { sess.TransportDown(err) }, logger)
	sess = session.New(store, rt, tr, logger)

	if store.Username() == "" {
		if err := promptLogin(ctx, api); err != nil {
			return err
		}
	}

	svc := chat.NewService(ctx, api, tr, store.Username(), logger)
	rt.Subscribe(models.EventChatMessage, svc.HandleEvent)
	rt.Subscribe(models.EventWildcard, func(env models.Envelope) {
		logger.Debug("event received", "type", env.Type)
	})
	svc.OnChange(func() { printLatest(svc) })

	return runSession(ctx, sess, func(gCtx context.Context) error {
		if err := svc.RefreshConversations(gCtx); err != nil {
			fmt.Println("could not load conversations:", err)
		}
		return repl(gCtx, svc, sess)
	})
}

// errQuit is how the repl ends the process on purpose; it cancels the
// group so the session loop stops too, then run swallows it.
var errQuit = errors.New("quit")

func runSession(ctx context.Context, sess *session.Session, repl func(context.Context) error) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sess.Run(gCtx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-sess.Invalidated():
				fmt.Println("session expired, please restart and log in again")
			}
		}
	})

	g.Go(func() error {
		return repl(gCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func promptLogin(ctx context.Context, api *rest.Client) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	fmt.Print("password: ")
	password, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	return api.Login(ctx, strings.TrimSpace(username), strings.TrimSpace(password))
}

func printLatest(svc *chat.Service) {
	msgs := svc.Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	prefix := last.Sender
	if last.IsMine {
		prefix = "me"
	}
	fmt.Printf("[%s] %s: %s\n", last.Timestamp, prefix, last.Content)
}

func repl(ctx context.Context, svc *chat.Service, sess *session.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: /list /select <n> /friends /dm <user> /group <name> <users...> /search <query> /jump <ts> /deck <name> /logout /quit")

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := svc.Send(line); err != nil {
				fmt.Println("send failed:", err)
			}
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return errQuit
		case "/logout":
			if err := sess.Logout(); err != nil {
				fmt.Println("logout failed:", err)
			}
			return errQuit
		case "/list":
			for i, c := range svc.Conversations() {
				name := c.Name
				if c.Kind == models.ConversationKindDirect {
					name = otherParticipant(c, svc.Username())
				}
				fmt.Printf("%2d. %-20s unread:%d  %s\n", i+1, name, c.UnreadCount, c.LastMessagePreview)
			}
		case "/select":
			if len(fields) != 2 {
				fmt.Println("usage: /select <n>")
				continue
			}
			n, err := strconv.Atoi(fields[1])
			list := svc.Conversations()
			if err != nil || n < 1 || n > len(list) {
				fmt.Println("no such conversation")
				continue
			}
			if err := svc.Select(ctx, list[n-1].ID); err != nil {
				fmt.Println("select failed:", err)
				continue
			}
			for _, m := range svc.Messages() {
				sender := m.Sender
				if m.IsMine {
					sender = "me"
				}
				fmt.Printf("[%s] %s: %s\n", m.Timestamp, sender, m.Content)
			}
		case "/friends":
			friends, err := svc.FriendsForGroup(ctx)
			if err != nil {
				fmt.Println("failed:", err)
				continue
			}
			fmt.Println(strings.Join(friends, ", "))
		case "/dm":
			if len(fields) != 2 {
				fmt.Println("usage: /dm <user>")
				continue
			}
			if err := svc.StartDM(ctx, fields[1]); err != nil {
				fmt.Println("failed:", err)
			}
		case "/group":
			if len(fields) < 3 {
				fmt.Println("usage: /group <name> <users...>")
				continue
			}
			if err := svc.CreateGroup(ctx, fields[1], fields[2:]); err != nil {
				fmt.Println("failed:", err)
			}
		case "/search":
			if len(fields) < 2 {
				fmt.Println("usage: /search <query>")
				continue
			}
			results, err := svc.Search(ctx, strings.Join(fields[1:], " "))
			if err != nil {
				fmt.Println("search failed:", err)
				continue
			}
			for _, r := range results {
				fmt.Printf("%.2f [%s] %s: %s\n", r.Score, r.Timestamp, r.Sender, r.Content)
			}
		case "/jump":
			if len(fields) != 2 {
				fmt.Println("usage: /jump <timestamp>")
				continue
			}
			msg, idx, err := svc.JumpToMessage(fields[1])
			if errors.Is(err, models.ErrNotFound) {
				fmt.Println("message not in loaded history")
				continue
			}
			fmt.Printf("#%d [%s] %s: %s\n", idx, msg.Timestamp, msg.Sender, msg.Content)
		case "/deck":
			if len(fields) == 1 {
				svc.SetDeck("")
				continue
			}
			svc.SetDeck(fields[1])
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errQuit
}

func otherParticipant(c models.ConversationSummary, me string) string {
	for _, p := range c.Participants {
		if p != me {
			return p
		}
	}
	return "unknown"
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
