package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/cache"
	"github.com/mossy-p/webrtc-matchmaking/internal/collab"
	"github.com/mossy-p/webrtc-matchmaking/internal/handlers"
	"github.com/mossy-p/webrtc-matchmaking/internal/hub"
	"github.com/mossy-p/webrtc-matchmaking/internal/middleware"
	"github.com/mossy-p/webrtc-matchmaking/internal/redis"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	// Redis is a best-effort mirror; the server still runs without it.
	var store cache.Cache
	if err := redis.Connect(cfg.Redis); err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running with in-memory cache only")
		store = cache.NewMemory()
	} else {
		defer redis.Close()
		store = redis.NewCache()
		log.Info().Msg("redis connection established")
	}

	collaborators := collab.New(cfg.Collab)
	clients := handlers.NewClientSet()

	h := hub.New(hub.Options{
		ScanInterval:     cfg.Match.ScanInterval,
		FallbackDelay:    cfg.Match.FallbackDelay,
		HandshakeTimeout: cfg.Match.HandshakeTimeout,
		CooldownTTL:      cfg.Match.CooldownTTL,
		HeartbeatIdle:    cfg.Call.HeartbeatIdle,
		SweepInterval:    cfg.Call.SweepInterval,
		GraceWindow:      cfg.Call.GraceWindow,
	}, clients, store, collaborators)
	go h.Run(ctx)

	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/auth/login", handlers.Login(cfg.JWTSecret))
		apiGroup.GET("/stats", middleware.JWTAuth(cfg.JWTSecret), handlers.GetStats(h, store))
	}

	socket := &handlers.SocketHandler{
		Hub:       h,
		Collab:    collaborators,
		Clients:   clients,
		JWTSecret: cfg.JWTSecret,
	}
	router.GET("/ws/signal", socket.HandleSignaling)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("matchmaking server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
}
