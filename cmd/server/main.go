package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"shelfkeeper/internal/app"
	"shelfkeeper/internal/config"
	"shelfkeeper/internal/server"
	"shelfkeeper/internal/util"
	"shelfkeeper/pkg/store"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session TTL: %v", err)
	}
	jwtTTL, err := config.ParseDuration("jwtTTL", cfg.JWTTTL)
	if err != nil {
		log.Fatalf("failed to parse jwt TTL: %v", err)
	}
	jwtLeeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse jwt verify keys: %v", err)
	}
	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxyCIDRs))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	appCore, err := app.New(app.Config{Store: dataStore})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	tokens, err := store.NewJWTSessionStore(store.JWTConfig{
		PrivateKeyPath: cfg.JWTPrivateKeyPath,
		PublicKeyPath:  cfg.JWTPublicKeyPath,
		KeyID:          cfg.JWTKeyID,
		VerifyKeyFiles: verifyKeys,
		TTL:            jwtTTL,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		Leeway:         jwtLeeway,
	}, store.NewRedisTokenRevoker(rdb, ""))
	if err != nil {
		log.Fatalf("failed to init token store: %v", err)
	}
	sessions := store.NewRedisSessionStore(rdb, "", sessionTTL)

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Tokens:                   tokens,
		Sessions:                 sessions,
		SessionTTL:               sessions.TTL(),
		Redis:                    rdb,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
		AllowedOrigins:           config.SplitList(cfg.CORSAllowedOrigins),
		TrustedProxies:           trusted,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("shelfkeeper listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("shelfkeeper stopped")
}
