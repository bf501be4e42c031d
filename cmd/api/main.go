package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	ossignal "os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"unitynets-realtime/internal/chat"
	"unitynets-realtime/internal/config"
	"unitynets-realtime/internal/domain/conversation"
	"unitynets-realtime/internal/domain/message"
	"unitynets-realtime/internal/domain/signal"
	"unitynets-realtime/internal/domain/user"
	"unitynets-realtime/internal/handler"
	"unitynets-realtime/internal/identity"
	"unitynets-realtime/internal/realtime"
	"unitynets-realtime/internal/repository"
	"unitynets-realtime/internal/server"
	"unitynets-realtime/internal/signaling"
	"unitynets-realtime/pkg/database"
	"unitynets-realtime/pkg/events"
	"unitynets-realtime/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.New(cfg.Server.Environment)
	defer appLogger.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(
		&user.User{},
		&conversation.Conversation{},
		&conversation.Participant{},
		&message.Message{},
		&signal.CallSignal{},
	); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	broker := events.NewRedisBroker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, appLogger)
	feed := realtime.NewFeed(broker)

	userRepo := repository.NewUserRepository(db)
	signalRepo := repository.NewSignalRepository(db)
	convRepo := repository.NewConversationRepository(db)
	msgRepo := repository.NewMessageRepository(db)

	identitySvc := identity.NewService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	channel := signaling.NewChannel(signalRepo, userRepo, feed, appLogger)
	messageSvc := chat.NewMessageService(msgRepo, convRepo, feed, appLogger)
	convStore := chat.NewConversationStore(convRepo, msgRepo, feed, nil, appLogger)
	channel.SetCallLogger(messageSvc)

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(feed, convRepo, messageSvc, appLogger)
	go func() {
		if err := hub.Run(ctx); err != nil && ctx.Err() == nil {
			appLogger.Errorf("hub stopped: %v", err)
		}
	}()

	authHandler := handler.NewAuthHandler(identitySvc)
	convHandler := handler.NewConversationHandler(convStore, messageSvc)
	msgHandler := handler.NewMessageHandler(messageSvc)
	signalHandler := handler.NewSignalHandler(channel, cfg.Call)
	wsHandler := server.NewWebSocketHandler(hub, identitySvc, appLogger)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	api := r.Group("/api/v1")
	api.POST("/auth/register", authHandler.Register)
	api.POST("/auth/login", authHandler.Login)

	auth := api.Group("", identity.Middleware(identitySvc))
	auth.GET("/me", authHandler.Me)

	auth.GET("/conversations", convHandler.List)
	auth.POST("/conversations/direct", convHandler.Direct)
	auth.POST("/conversations/group", convHandler.CreateGroup)
	auth.POST("/conversations/:id/read", convHandler.MarkRead)
	auth.POST("/conversations/:id/pin", convHandler.Pin)
	auth.DELETE("/conversations/:id/pin", convHandler.Unpin)
	auth.POST("/conversations/:id/mute", convHandler.Mute)
	auth.DELETE("/conversations/:id/mute", convHandler.Unmute)

	auth.GET("/conversations/:id/messages", msgHandler.List)
	auth.POST("/conversations/:id/messages", msgHandler.Send)
	auth.PATCH("/messages/:id", msgHandler.Edit)
	auth.DELETE("/messages/:id", msgHandler.Delete)
	auth.POST("/messages/:id/reactions", msgHandler.ToggleReaction)

	auth.POST("/signals", signalHandler.Create)
	auth.GET("/signals/config", signalHandler.CallConfig)
	auth.GET("/signals/:id", signalHandler.Get)
	auth.POST("/signals/:id/offer", signalHandler.WriteOffer)
	auth.POST("/signals/:id/answer", signalHandler.WriteAnswer)
	auth.POST("/signals/:id/candidates", signalHandler.AppendCandidate)
	auth.POST("/signals/:id/status", signalHandler.UpdateStatus)

	r.GET("/ws", wsHandler.Handle)

	appLogger.Infof("starting server on port %s", cfg.Server.Port)
	if err := r.Run(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
