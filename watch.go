package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nexus-im/miniblog/syncengine"
)

type watchOptions struct {
	server    string
	email     string
	password  string
	redisURL  string
	openConvo int64
}

func newWatchCommand() *cobra.Command {
	var o watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log in as a user and follow their conversations in real time",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if o.password == "" {
				o.password = os.Getenv("MINIBLOG_PASSWORD")
			}
			if o.email == "" || o.password == "" {
				return errors.New("--email and a password (--password or MINIBLOG_PASSWORD) are required")
			}
			return watch(cmd, o, logger)
		},
	}
	cmd.Flags().StringVar(&o.server, "server", "http://localhost:8080", "miniblog server base URL")
	cmd.Flags().StringVar(&o.email, "email", "", "account email")
	cmd.Flags().StringVar(&o.password, "password", "", "account password")
	cmd.Flags().StringVar(&o.redisURL, "watermarks-redis", "", "Redis URL for persisting last-read marks (in memory when empty)")
	cmd.Flags().Int64Var(&o.openConvo, "open", 0, "conversation id to keep open and focused")
	return cmd
}

func watch(cmd *cobra.Command, o watchOptions, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := syncengine.NewHTTPClient(o.server, syncengine.DefaultClientConfig())
	if err != nil {
		return err
	}
	me, err := client.Login(ctx, o.email, o.password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger = logger.With(zap.Int64("user_id", me.ID), zap.String("user", me.Name))

	var marks syncengine.WatermarkStore = syncengine.NewMemoryWatermarks()
	if o.redisURL != "" {
		opts, err := redis.ParseURL(o.redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		marks = syncengine.NewRedisWatermarks(rdb, "")
	}

	wsURL := "ws" + strings.TrimPrefix(client.Endpoint("/ws"), "http")
	transport := syncengine.NewWSTransport(wsURL, client.Token, client, logger)
	client.UseSocket(transport.SocketID)

	var engine *syncengine.Engine
	engine = syncengine.New(syncengine.Options{
		API:        client,
		Transport:  transport,
		Watermarks: marks,
		Logger:     logger,
		Notify: func(c syncengine.Conversation, m syncengine.Message) {
			logger.Info("new message",
				zap.Int64("conversation_id", c.ID),
				zap.String("from", m.User.Name),
				zap.String("content", m.Content),
				zap.Int("unread", engine.TotalUnread()))
		},
	})
	defer func() { _ = engine.Close() }()

	if err := engine.Bootstrap(ctx, me); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	for _, c := range engine.Conversations() {
		logger.Info("conversation",
			zap.Int64("conversation_id", c.ID),
			zap.String("title", engine.Title(c.ID)),
			zap.Int("messages", len(c.Messages)),
			zap.Int("unread", engine.UnreadCount(c.ID)))
	}
	if o.openConvo != 0 {
		if err := engine.OpenConversation(ctx, o.openConvo); err != nil {
			return fmt.Errorf("open conversation %d: %w", o.openConvo, err)
		}
	}

	<-ctx.Done()
	logger.Info("stopped", zap.Int("unread", engine.TotalUnread()))
	return nil
}
