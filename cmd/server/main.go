package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/adoptapet/adoptapet-backend/internal/config"
	"github.com/adoptapet/adoptapet-backend/internal/database"
	"github.com/adoptapet/adoptapet-backend/internal/handlers"
	"github.com/adoptapet/adoptapet-backend/internal/middleware"
	"github.com/adoptapet/adoptapet-backend/internal/routes"
	"github.com/adoptapet/adoptapet-backend/internal/services"
	"github.com/adoptapet/adoptapet-backend/pkg/clientip"
	"github.com/adoptapet/adoptapet-backend/pkg/logger"
)

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger.Init(cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		logger.Debug().Msg("no .env file found")
	}
	clientip.TrustForwardedHeaders(cfg.TrustProxy)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	// Chat store backend
	var repo services.ChatRepository
	var closers []func()
	switch cfg.StoreDriver {
	case "badger":
		db, err := database.OpenBadger(cfg.BadgerPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open Badger")
		}
		badgerRepo, err := services.NewBadgerChatRepository(db)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init Badger repository")
		}
		repo = badgerRepo
		closers = append(closers, func() {
			_ = badgerRepo.Close()
			_ = db.Close()
		})
	default:
		client, db, err := database.ConnectMongo(connectCtx, cfg.MongoURI)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to MongoDB")
		}
		if err := services.EnsureChatIndexes(connectCtx, db); err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure chat indexes")
		}
		repo = services.NewMongoChatRepository(db)
		closers = append(closers, func() { _ = database.DisconnectMongo(client) })
	}

	redisClient, err := database.ConnectRedis(connectCtx, cfg.RedisURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	if cfg.ChatCache {
		repo = services.NewCachedChatRepository(repo, redisClient)
	}

	pg, err := database.ConnectPostgres(connectCtx, cfg.PostgresURI)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	if err := database.InitPostgresTables(connectCtx, pg); err != nil {
		logger.Fatal().Err(err).Msg("failed to init PostgreSQL tables")
	}
	closers = append(closers, func() { _ = pg.Close() })

	auth := services.ChainAuthenticator{services.NewRedisSessionAuthenticator(redisClient)}
	if cfg.JWTSecret != "" {
		auth = append(auth, services.NewJWTAuthenticator(cfg.JWTSecret))
	}

	moderator, err := services.NewModerator(cfg.CensoredWords, services.DefaultCensorRune)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build moderator")
	}

	store := services.NewChatStore(repo, moderator, cfg.MaxMessageLength)
	presence := services.NewPresenceTracker()
	gateway := services.NewGateway(store, presence, services.GatewayOptions{
		RequireAuth:    cfg.RealtimeRequireAuth,
		SendRatePerSec: cfg.SendRatePerSec,
		SendBurst:      cfg.SendBurst,
		Location:       cfg.Location(),
	})
	directory := services.NewPostgresUserDirectory(pg, services.NewCacheService(redisClient))

	socketIO := handlers.NewChatSocketIO(gateway, auth, cfg.AllowedOrigins)
	socketIO.Start()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	if cfg.IsProduction() {
		for _, mw := range middleware.ProductionSecurity(cfg.AllowedHost) {
			r.Use(mw)
		}
		logger.Info().Str("allowed_host", cfg.AllowedHost).Msg("production security enabled")
	}

	routes.SetupRoutes(r, routes.Deps{
		Auth:      auth,
		Chat:      handlers.NewChatHandler(store, gateway, presence, directory, cfg.Location()),
		WebSocket: handlers.NewChatWebSocket(gateway, auth, cfg.AllowedOrigins),
		SocketIO:  socketIO,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Environment).
			Str("store", cfg.StoreDriver).
			Bool("realtime_require_auth", cfg.RealtimeRequireAuth).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := socketIO.Close(); err != nil {
		logger.Warn().Err(err).Msg("socket.io close")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	presence.Reset()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	logger.Info().Msg("server stopped")
}
