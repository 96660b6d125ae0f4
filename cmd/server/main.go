package main

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"go.uber.org/zap"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/hub"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/server"
	"realtime-chat/internal/storage"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	srvCfg := server.EnvConfig{}
	if err := env.Parse(&srvCfg); err != nil {
		sugar.Fatalf("Cannot parse server env config: %v", err)
	}

	storeCfg := storage.Config{}
	if err := env.Parse(&storeCfg); err != nil {
		sugar.Fatalf("Cannot parse storage env config: %v", err)
	}

	authCfg := auth.EnvConfig{}
	if err := env.Parse(&authCfg); err != nil {
		sugar.Fatalf("Cannot parse auth env config: %v", err)
	}

	store, err := storage.New(sugar, storeCfg)
	if err != nil {
		sugar.Fatalf("Cannot create Store instance: %v", err)
	}

	verifier := auth.NewVerifier(authCfg.Secret, authCfg.TokenTTL)
	authSvc := auth.NewService(sugar, store, verifier)

	tracker := presence.NewTracker(sugar, store)
	h := hub.New(sugar, store, tracker)

	serverOpts := []server.Option{
		server.WithEnvConfig(srvCfg),
		server.ReadTimeout(5 * time.Second),
	}

	srv, err := server.NewServer(sugar, store, authSvc, verifier, h, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}
