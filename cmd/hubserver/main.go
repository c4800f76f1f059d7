package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parley/chat-hub/internal/ai"
	"github.com/parley/chat-hub/internal/config"
	"github.com/parley/chat-hub/internal/hub"
	"github.com/parley/chat-hub/internal/protocol"
	"github.com/parley/chat-hub/internal/ratelimit"
	"github.com/parley/chat-hub/internal/relay"
	"github.com/parley/chat-hub/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigin:  cfg.AllowedOrigin,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	// --- Redis (optional) — enables per-connection rate limiting ---
	var limiter *ratelimit.Limiter
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Redis at %s: %v", cfg.RedisAddr, err)
		}
		limiter = ratelimit.NewLimiter(rdb)
	}

	// --- NATS (optional) — enables the event relay firehose ---
	var eventRelay *relay.Relay
	if cfg.NATSURL != "" {
		relayConfig := relay.DefaultConfig()
		relayConfig.URL = cfg.NATSURL
		eventRelay, err = relay.New(relayConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- Completion gateway ---
	gateway := ai.NewHTTPGateway(ai.Config{
		Endpoint: cfg.AIEndpoint,
		APIKey:   cfg.AIAPIKey,
		Model:    cfg.AIModel,
		Timeout:  cfg.AITimeout,
	})

	log.Printf("chat hub starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  allowed_origin:  %s", cfg.AllowedOrigin)
	log.Printf("  worker_pool:     %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  read_timeout:    %s", cfg.ReadTimeout)
	log.Printf("  write_timeout:   %s", cfg.WriteTimeout)
	log.Printf("  rate_limiting:   %v", limiter != nil)
	log.Printf("  event_relay:     %v", eventRelay != nil)
	log.Printf("  ai_model:        %s", cfg.AIModel)

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch)
	dispatcher.SetServer(server)

	router := hub.NewRouter(hub.Options{
		Transport: server,
		Gateway:   gateway,
		Limiter:   limiter,
		Relay:     eventRelay,
	})

	dispatcher.Register(protocol.TypeRegisterUser, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.RegisterUserMsg)
		if !ok {
			return
		}
		router.HandleRegister(conn.ID, m.Username)
	})

	dispatcher.Register(protocol.TypePrivateMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.PrivateMessageMsg)
		if !ok {
			return
		}
		router.HandlePrivateMessage(conn.ID, m)
	})

	dispatcher.Register(protocol.TypeCreateGroup, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.CreateGroupMsg)
		if !ok {
			return
		}
		router.HandleCreateGroup(conn.ID, m.Group)
	})

	dispatcher.Register(protocol.TypeJoinGroup, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinGroupMsg)
		if !ok {
			return
		}
		router.HandleJoinGroup(conn.ID, m.Group)
	})

	dispatcher.Register(protocol.TypeGroupMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.GroupMessageMsg)
		if !ok {
			return
		}
		router.HandleGroupMessage(conn.ID, m)
	})

	dispatcher.Register(protocol.TypeAskAI, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.AskAIMsg)
		if !ok {
			return
		}
		router.HandleAskAI(conn.ID, m.Message)
	})

	// Disconnects free the display name and purge room memberships, then fan
	// out updated peer and group lists.
	server.SetOnDisconnect(router.HandleDisconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if eventRelay != nil {
			eventRelay.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if rdb != nil {
			if err := rdb.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
