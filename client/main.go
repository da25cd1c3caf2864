package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mahaj/presence-sync/pkg/api"
	"github.com/mahaj/presence-sync/pkg/auth"
	"github.com/mahaj/presence-sync/pkg/config"
	"github.com/mahaj/presence-sync/pkg/conversation"
	"github.com/mahaj/presence-sync/pkg/logging"
	"github.com/mahaj/presence-sync/pkg/model"
	"github.com/mahaj/presence-sync/pkg/presence"
	"github.com/mahaj/presence-sync/pkg/pushchan"
	"github.com/mahaj/presence-sync/pkg/retry"
)

func main() {
	envFile := flag.String("env", ".env", "dotenv file to load")
	apiAddr := flag.String("api", "", "api base url (overrides SYNC_API_URL)")
	pushAddr := flag.String("push", "", "websocket push url (overrides SYNC_PUSH_URL)")
	backend := flag.String("backend", "", "push backend: websocket, redis or kafka")
	token := flag.String("token", "", "bearer token (overrides SYNC_TOKEN)")
	devUser := flag.String("dev-user", "", "mint a local token for this user id")
	devSecret := flag.String("dev-secret", "secret", "signing key for -dev-user")
	dmUser := flag.String("dm", "", "user id to open a conversation with")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *apiAddr != "" {
		cfg.APIURL = *apiAddr
	}
	if *pushAddr != "" {
		cfg.PushURL = *pushAddr
	}
	if *backend != "" {
		cfg.PushBackend = *backend
	}
	if *token != "" {
		cfg.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogEncoding)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 1. Session token
	session := auth.NewSession(cfg.Token)
	if *devUser != "" {
		tok, err := auth.GenerateToken([]byte(*devSecret), *devUser, 24*time.Hour)
		if err != nil {
			logger.Fatal("mint dev token", zap.Error(err))
		}
		session.Set(tok)
	}
	if !session.Valid() {
		logger.Fatal("no valid session token; set SYNC_TOKEN or use -dev-user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := api.New(cfg.APIURL, session, api.WithLogger(logger))
	me, err := client.Me(ctx)
	if err != nil {
		logger.Fatal("fetch profile", zap.Error(err))
	}
	logger.Info("signed in", zap.String("user_id", me.ID), zap.String("name", me.Name))

	// 2. Presence
	policy := retry.Default
	policy.Attempts = cfg.RetryAttempts
	presenceCtl := presence.NewController(client, session,
		presence.WithLogger(logger),
		presence.WithRetry(policy),
	)
	presenceCtl.Subscribe(func(s *model.PresenceState) {
		if s == nil {
			logger.Debug("presence cleared")
			return
		}
		logger.Debug("presence", zap.Bool("online", s.IsOnline), zap.Time("last_seen_at", s.LastSeenAt))
	})
	if err := presenceCtl.Login(ctx, me.PresenceTimeoutMinutes); err != nil {
		logger.Warn("initial online transition failed", zap.Error(err))
	}

	// 3. Push channel and conversations
	sub, closeSub := newSubscriber(cfg, session, logger)
	defer closeSub()

	engine := conversation.NewEngine(client,
		conversation.WithContacts(client),
		conversation.WithLogger(logger),
	)
	if err := engine.Connect(ctx, sub, *me); err != nil {
		logger.Fatal("subscribe push channel", zap.Error(err))
	}

	printConversations(engine.LoadConversations(ctx, me.ID))

	var printed sync.Map
	engine.Subscribe(func(s conversation.Snapshot) {
		for _, m := range s.Thread {
			if m.ID == "" {
				continue
			}
			if _, seen := printed.LoadOrStore(m.ID, struct{}{}); seen {
				continue
			}
			fmt.Printf("\r%s: %s\n> ", senderName(m), m.Text)
		}
	})

	if *dmUser != "" {
		engine.OpenConversation(ctx, *dmUser)
	}

	// 4. Read from stdin
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Print("> ")
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("interrupt")
			break loop
		case text, ok := <-lines:
			if !ok || text == "/quit" {
				break loop
			}
			handleLine(ctx, engine, text, logger)
			fmt.Print("> ")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := presenceCtl.Logout(shutdownCtx); err != nil {
		logger.Warn("offline transition failed", zap.Error(err))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("close push channel", zap.Error(err))
	}
}

func handleLine(ctx context.Context, engine *conversation.Engine, text string, logger *zap.Logger) {
	switch {
	case text == "/list":
		printConversations(engine.Conversations())
	case strings.HasPrefix(text, "/open "):
		engine.OpenConversation(ctx, strings.TrimSpace(strings.TrimPrefix(text, "/open ")))
	default:
		to := engine.OpenCounterpart()
		if to == "" {
			fmt.Println("no open conversation; use /open <user id>")
			return
		}
		if _, err := engine.SendMessage(ctx, text, to); err != nil {
			if !errors.Is(err, conversation.ErrEmptyMessage) {
				logger.Warn("send failed", zap.String("to", to), zap.Error(err))
			}
		}
	}
}

func newSubscriber(cfg *config.Config, session *auth.Session, logger *zap.Logger) (pushchan.Subscriber, func()) {
	switch cfg.PushBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return pushchan.NewRedis(rdb, logger), func() { rdb.Close() }
	case config.BackendKafka:
		return pushchan.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic, logger), func() {}
	default:
		return pushchan.NewWebSocket(cfg.PushURL, session,
			pushchan.WithReconnect(pushchan.DefaultReconnect),
			pushchan.WithWebSocketLogger(logger),
		), func() {}
	}
}

func printConversations(convs []model.Conversation) {
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for _, c := range convs {
		unread := ""
		if c.Unread > 0 {
			unread = fmt.Sprintf(" (%d new)", c.Unread)
		}
		when := "-"
		if !c.LastMessageTime.IsZero() {
			when = c.LastMessageTime.Local().Format("Jan 2 15:04")
		}
		fmt.Printf("%-12s %-20s %-12s %s%s\n", c.UserID, c.UserName, when, c.LastMessage, unread)
	}
}

func senderName(m model.Message) string {
	if m.Sender != nil && m.Sender.Name != "" {
		return m.Sender.Name
	}
	return m.SenderID
}
