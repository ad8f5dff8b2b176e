package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/betagouv/zacharie-sub005/api"
	"github.com/betagouv/zacharie-sub005/auth"
	"github.com/betagouv/zacharie-sub005/carcasse"
	"github.com/betagouv/zacharie-sub005/db"
	"github.com/betagouv/zacharie-sub005/dispatch"
	"github.com/betagouv/zacharie-sub005/entity"
	"github.com/betagouv/zacharie-sub005/fei"
	"github.com/betagouv/zacharie-sub005/intermediaire"
)

func main() {
	logger := log.New(os.Stderr, "zacharie-api ", log.LstdFlags)

	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("migrations_dir", "migrations")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetConfigName("zacharie")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/zacharie")
	v.SetEnvPrefix("zacharie")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			logger.Fatalf("read config: %v", err)
		}
	}

	connString := v.GetString("database_url")
	jwtSecret := v.GetString("jwt_secret")
	if connString == "" || jwtSecret == "" {
		logger.Fatal("database_url and jwt_secret must be configured")
	}

	if err := db.Migrate(connString, v.GetString("migrations_dir")); err != nil {
		logger.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		logger.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	entityRepo := entity.NewRepository(pool)
	carcasseRepo := carcasse.NewRepository(pool)
	dispatcher := dispatch.NewDispatcher(
		&dispatch.LogNotifier{Logger: logger},
		dispatch.NewPGWebhookSender(pool),
		entityRepo,
		entityRepo,
		carcasseRepo,
		logger,
	)

	authSvc := auth.NewService(auth.NewRepository(pool), jwtSecret)
	feiSvc := fei.NewService(pool, fei.NewRepository(pool), dispatcher)
	carcasseSvc := carcasse.NewService(pool, carcasseRepo)
	intermediaireRepo := intermediaire.NewRepository(pool)

	server := api.NewServer(authSvc, feiSvc, carcasseSvc, intermediaireRepo, entityRepo, logger)

	httpServer := &http.Server{
		Addr:         v.GetString("listen_addr"),
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("serve: %v", err)
		}
	case sig := <-stop:
		logger.Printf("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(ctx, v.GetDuration("shutdown_timeout"))
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}
}
