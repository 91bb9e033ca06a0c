package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/valu/devicekeys/internal/api"
	"github.com/valu/devicekeys/internal/config"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/internal/service"
	"github.com/valu/devicekeys/internal/vault"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatal().Err(err).Msg("Error loading .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	log.Logger = log.With().Caller().Logger()

	v, err := config.LoadConfig("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse config")
	}

	dbInstance, err := initDatabase(cfg.Database.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer dbInstance.Close()
	log.Info().Msg("Connected to the DB")

	db := repository.New(dbInstance)
	secrets := vault.NewClient(cfg.SecretStore.URL, cfg.SecretStore.Token,
		time.Duration(cfg.SecretStore.TimeoutSeconds)*time.Second)
	emitter := service.NewLogEmitter(&log.Logger)

	exchange := service.NewKeyExchange(db, db, secrets, emitter, &log.Logger)
	rotation := service.NewRotation(db, db, secrets, emitter, &log.Logger)
	revocation := service.NewRevocation(db, secrets, emitter, &log.Logger)
	sweeper := service.NewSweeper(db, rotation, secrets, &log.Logger,
		time.Duration(cfg.Sweep.IntervalHours)*time.Hour)

	router := api.SetupRoutes(api.Deps{
		Exchange:   exchange,
		Rotation:   rotation,
		Revocation: revocation,
		History:    db,
		Devices:    db,
		Auth:       api.NewAuthenticator(cfg.Auth.JWTSecret, &log.Logger),
		Log:        &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.Server.Port).Msg("Starting server")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
}

func initDatabase(dbUrl string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dbUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
