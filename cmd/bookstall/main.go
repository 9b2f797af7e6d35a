package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"bookstall/internal/app"
	"bookstall/internal/config"
	"bookstall/internal/realtime"
	"bookstall/internal/server"
	"bookstall/internal/util"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	sessionTTL, err := config.ParseSessionTTL(cfg.SessionTTL)
	if err != nil {
		log.Fatalf("failed to parse session ttl: %v", err)
	}

	hub := realtime.NewHub()
	appCore, err := app.New(app.Config{
		DatabaseURL:          cfg.DatabaseURL,
		MinioEndpoint:        cfg.MinioEndpoint,
		MinioAccessKey:       cfg.MinioAccessKey,
		MinioSecretKey:       cfg.MinioSecretKey,
		MinioBookBucket:      cfg.MinioBookBucket,
		MinioThumbnailBucket: cfg.MinioThumbnailBucket,
		MinioUseSSL:          cfg.MinioUseSSL,
		RedisAddr:            cfg.RedisAddr,
		RedisPassword:        cfg.RedisPassword,
		JWTSecret:            cfg.JWTSecret,
		SessionTTL:           sessionTTL,
		AdminEmail:           cfg.AdminEmail,
		MerchantUPIID:        cfg.MerchantUPIID,
		MerchantName:         cfg.MerchantName,
		Currency:             cfg.Currency,
		Publisher:            hub,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                     appCore,
		Hub:                     hub,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		TrustedProxies:          cfg.TrustedProxies,
		MaxUploadBytes:          cfg.MaxUploadBytes,
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

	slog.Info("bookstall server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
