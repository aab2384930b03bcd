// Command bootstrap migrates the database and creates the first
// administrator. Running it again changes nothing.
package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"shelfkeeper/internal/app"
	"shelfkeeper/internal/config"
	"shelfkeeper/internal/util"
)

func main() {
	cfg, err := config.LoadBootstrap(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.InitLogger(cfg.LogLevel)

	appCore, err := app.New(app.Config{DatabaseURL: cfg.DatabaseURL})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	defer appCore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	user, created, err := appCore.EnsureAdmin(ctx, app.AdminSeed{
		Username: cfg.AdminUsername,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
	})
	if err != nil {
		log.Fatalf("failed to seed admin: %v", err)
	}
	if created {
		slog.Info("admin account created", "username", user.Username)
		return
	}
	slog.Info("admin account already exists", "username", user.Username)
}
