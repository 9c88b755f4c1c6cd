package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/PaulBabatuyi/marketchat/internal/auth"
	"github.com/PaulBabatuyi/marketchat/internal/config"
	"github.com/PaulBabatuyi/marketchat/internal/data"
	"github.com/PaulBabatuyi/marketchat/internal/db"
	"github.com/PaulBabatuyi/marketchat/internal/gateway"
	"github.com/PaulBabatuyi/marketchat/internal/logging"
	"github.com/PaulBabatuyi/marketchat/internal/middleware"
	"github.com/PaulBabatuyi/marketchat/internal/presence"
	"github.com/PaulBabatuyi/marketchat/internal/telemetry"
	"github.com/PaulBabatuyi/marketchat/internal/watermark"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config - load - failed")
	}
	log := logging.New(cfg.Service.Name, cfg.Logger)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("main - run - failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.Init(ctx, cfg)
	if err != nil {
		return err
	}

	dbClient, err := db.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = dbClient.Close(context.Background())
	}()
	if err := dbClient.CreateIndexes(ctx, cfg.Messaging.ReviewCollections); err != nil {
		return err
	}

	deps := gateway.Deps{
		Store: data.NewDocumentStore(dbClient, log),
		Users: data.NewUsersStore(dbClient.UsersCollection()),
		JWT:   newJWTManager(cfg.Auth),
		Log:   log,
	}

	if cfg.Redis.URL != "" {
		rdb, err := presence.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		deps.Mirror = presence.NewRedisMirror(rdb, cfg.Presence.OnlineWindow)
		log.Info().Msg("main - presence mirror - enabled")
	}

	sqlDB, err := watermark.Open(cfg.SQLite.WatermarkPath)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	deps.Marks = watermark.NewSQLiteStore(sqlDB)

	deps.AuthLimiter = middleware.NewLimiterStore(cfg.RateLimit.AuthRPM, cfg.RateLimit.Burst, time.Minute)
	defer deps.AuthLimiter.Stop()
	deps.ActionLimiter = middleware.NewLimiterStore(cfg.RateLimit.ActionRPM, cfg.RateLimit.Burst*10, time.Minute)
	defer deps.ActionLimiter.Stop()

	srv := gateway.NewServer(deps, gateway.Settings{
		CORSOrigins:       cfg.Service.CORSOrigins,
		Heartbeat:         cfg.Presence.Heartbeat,
		SeenDebounce:      cfg.Messaging.SeenDebounce,
		DeliveryHintDelay: cfg.Messaging.DeliveryHintDelay,
		ReviewCollections: cfg.Messaging.ReviewCollections,
	})

	tls := cfg.Service.TLSCert != "" && cfg.Service.TLSKey != ""

	httpServer := &http.Server{
		Addr:              cfg.Service.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var grpcOpts []grpc.ServerOption
	if tls {
		creds, err := credentials.NewServerTLSFromFile(cfg.Service.TLSCert, cfg.Service.TLSKey)
		if err != nil {
			return err
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	grpcServer := gateway.NewGRPCServer(log, grpcOpts...)
	health := gateway.NewHealth(dbClient, 10*time.Second, log)
	health.Register(grpcServer)
	go health.Run(ctx)

	lis, err := net.Listen("tcp", cfg.Service.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.Service.GRPCAddr).Msg("main - grpc - listening")
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		log.Info().Str("addr", cfg.Service.HTTPAddr).Bool("tls", tls).Msg("main - http - listening")
		var err error
		if tls {
			err = httpServer.ListenAndServeTLS(cfg.Service.TLSCert, cfg.Service.TLSKey)
		} else {
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("main - shutdown - signal received")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("main - serve - stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	health.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("main - http shutdown - failed")
	}
	grpcServer.GracefulStop()
	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("main - tracer shutdown - failed")
	}
	return serveErr
}

// newJWTManager prefers the rotating key set over the single secret.
func newJWTManager(cfg *config.AuthConfig) *auth.JWTManager {
	if len(cfg.Keys) > 0 {
		return auth.NewJWTManagerFromKeys(cfg.Keys, cfg.ActiveKID, cfg.TokenTTL)
	}
	return auth.NewJWTManager(cfg.Secret, cfg.TokenTTL)
}
