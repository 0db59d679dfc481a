package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/entitysync/internal/auth"
	"github.com/MarcoPoloResearchLab/entitysync/internal/config"
	"github.com/MarcoPoloResearchLab/entitysync/internal/database"
	"github.com/MarcoPoloResearchLab/entitysync/internal/engine"
	"github.com/MarcoPoloResearchLab/entitysync/internal/ids"
	"github.com/MarcoPoloResearchLab/entitysync/internal/logging"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/remote/tgremote"
	"github.com/MarcoPoloResearchLab/entitysync/internal/server"
	"github.com/MarcoPoloResearchLab/entitysync/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

type service struct {
	config    config.AppConfig
	myUserID  ids.UserID
	backend   storage.Backend
	validator *auth.SessionValidator
	logger    *zap.Logger
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Level: appConfig.Log.Level, Format: appConfig.Log.Format})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	myUserID, err := ids.NewUserID(appConfig.Engine.MyUserID)
	if err != nil {
		return err
	}

	backend, err := openBackend(appConfig.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	svc := service{
		config:    appConfig,
		myUserID:  myUserID,
		backend:   backend,
		validator: validator,
		logger:    logger,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !appConfig.Telegram.Enabled() {
		logger.Warn("telegram.api_id is not set, remote fetches are unavailable")
		return svc.serve(signalCtx, remote.Offline{}, nil)
	}

	updates := tgremote.NewHandler(nil, myUserID, logger.Named("updates"))
	return tgremote.Run(signalCtx, tgremote.Config{
		APIID:             appConfig.Telegram.APIID,
		APIHash:           appConfig.Telegram.APIHash,
		SessionPath:       appConfig.Telegram.SessionPath,
		RequestsPerSecond: appConfig.Telegram.RequestsPerSecond,
		FloodMaxWait:      appConfig.Telegram.FloodMaxWait,
	}, updates, logger, func(ctx context.Context, client *tgremote.Client) error {
		return svc.serve(ctx, client, updates)
	})
}

func openBackend(cfg config.StorageConfig, logger *zap.Logger) (storage.Backend, error) {
	if cfg.UsesPebble() {
		store, err := storage.OpenPebble(cfg.DSN, nil)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	db, err := database.Open(cfg.Driver, cfg.DSN, logger)
	if err != nil {
		return nil, err
	}
	return storage.NewSQLStore(db), nil
}

// serve runs the engine and the HTTP API until ctx is cancelled or either of them fails. updates,
// when set, starts delivering pushed updates once the engine exists.
func (s service) serve(ctx context.Context, client remote.Client, updates *tgremote.Handler) error {
	engineConfig := s.config.Engine
	syncEngine, err := engine.New(engine.Config{
		MyUserID:         s.myUserID,
		Remote:           client,
		Values:           s.backend,
		Log:              s.backend,
		UserFullTTL:      engineConfig.UserFullTTL,
		ChatFullTTL:      engineConfig.ChatFullTTL,
		ChannelFullTTL:   engineConfig.ChannelFullTTL,
		ParticipantTTL:   engineConfig.ParticipantTTL,
		SaveRetryDelay:   engineConfig.SaveRetryDelay,
		UserBatchSize:    engineConfig.UserBatchSize,
		ChatBatchSize:    engineConfig.ChatBatchSize,
		FetchConcurrency: engineConfig.FetchConcurrency,
		Logger:           s.logger.Named("engine"),
	})
	if err != nil {
		return err
	}
	if updates != nil {
		updates.Attach(syncEngine)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         syncEngine,
		Validator:      s.validator,
		AllowedOrigins: s.config.AllowedOrigins,
		Logger:         s.logger.Named("http"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	engineErrCh := make(chan error, 1)
	go func() {
		engineErrCh <- syncEngine.Run(engineCtx)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("address", s.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	var runErr error
	engineExited := false
	select {
	case <-ctx.Done():
	case runErr = <-httpErrCh:
	case runErr = <-engineErrCh:
		engineExited = true
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	cancelEngine()
	if !engineExited {
		if err := <-engineErrCh; err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}
