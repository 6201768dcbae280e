package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/internal/devserver"
	"github.com/putto11262002/chatsync/pkg/logger"
	"github.com/putto11262002/chatsync/pkg/server"
)

func main() {
	configPath := flag.String("config", ".", "directory holding chatsync-devserver.yaml")
	flag.Parse()

	serverCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	config, err := chatsync.LoadServerConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprint(os.Stderr, chatsync.FormatValidationErrors(err))
		os.Exit(1)
	}

	l := logger.New(config.LogLevel, os.Stdout)
	backend, err := devserver.New(serverCtx, devserver.Options{
		Secret:         config.Auth.Secret,
		TokenTTL:       config.Auth.TokenTTL,
		SQLiteFile:     config.SQLite.File,
		AllowedOrigins: config.AllowedOrigins,
		Logger:         l,
	})
	if err != nil {
		log.Fatalf("start backend: %v", err)
	}

	s := server.Server{
		Server: &http.Server{
			Handler: backend.Handler(),
			Addr:    net.JoinHostPort(config.Hostname, fmt.Sprint(config.Port)),
		},
		CleanUpFuncs: []func(context.Context){
			func(context.Context) {
				if err := backend.Close(); err != nil {
					l.Error(fmt.Sprintf("close backend: %v", err))
				}
			},
		},
		Logger: l,
	}

	if err := s.Start(serverCtx); err != nil {
		log.Fatalf("server: %v", err)
	}
}
