package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/campusfix/backend/internal/auth"
	"github.com/campusfix/backend/internal/classifier"
	"github.com/campusfix/backend/internal/config"
	"github.com/campusfix/backend/internal/database"
	"github.com/campusfix/backend/internal/logging"
	"github.com/campusfix/backend/internal/rooms"
	"github.com/campusfix/backend/internal/server"
	"github.com/campusfix/backend/internal/tickets"
	"github.com/campusfix/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "campusfix-api",
		Short: "Campus facilities complaint backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("google-client-id", defaults.GetString("google.client_id"), "Google OAuth client ID")
	cmd.PersistentFlags().String("google-jwks-url", defaults.GetString("google.jwks_url"), "Google JWKS URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("staff-emails", defaults.GetStringSlice("auth.staff_emails"), "Emails promoted to the staff role on sign-in")
	cmd.PersistentFlags().String("classifier-endpoint", defaults.GetString("classifier.endpoint"), "Image classifier endpoint URL (when empty, strict-category photos follow the fail-open policy)")
	cmd.PersistentFlags().Int("classifier-timeout-seconds", defaults.GetInt("classifier.timeout_seconds"), "Classifier request timeout in seconds")
	cmd.PersistentFlags().Bool("classifier-fail-open", defaults.GetBool("classifier.fail_open"), "Accept strict-category tickets when the classifier is unreachable")
	cmd.PersistentFlags().Int("karma-fake-penalty", defaults.GetInt("karma.fake_penalty"), "Karma deducted from a reporter on a fake verdict")
	cmd.PersistentFlags().Int("karma-resolved-reward", defaults.GetInt("karma.resolved_reward"), "Karma awarded to a reporter on a resolved verdict")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "google.client_id", "google-client-id")
	bindFlag(cmd, "google.jwks_url", "google-jwks-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.staff_emails", "staff-emails")
	bindFlag(cmd, "classifier.endpoint", "classifier-endpoint")
	bindFlag(cmd, "classifier.timeout_seconds", "classifier-timeout-seconds")
	bindFlag(cmd, "classifier.fail_open", "classifier-fail-open")
	bindFlag(cmd, "karma.fake_penalty", "karma-fake-penalty")
	bindFlag(cmd, "karma.resolved_reward", "karma-resolved-reward")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "campusfix-auth",
		Audience:      "campusfix-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	googleVerifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
		Audience:       appConfig.GoogleClientID,
		JWKSURL:        appConfig.GoogleJWKSURL,
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		StaffEmails: appConfig.StaffEmails,
	})
	if err != nil {
		return err
	}

	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	var evidenceClassifier classifier.Classifier
	if appConfig.ClassifierEndpoint != "" {
		evidenceClassifier, err = classifier.NewHTTPClassifier(classifier.HTTPClassifierConfig{
			Endpoint: appConfig.ClassifierEndpoint,
			Timeout:  appConfig.ClassifierTimeout,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
	}

	ticketService, err := tickets.NewService(tickets.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  tickets.NewUUIDProvider(),
		Users:       userService,
		Classifier:  evidenceClassifier,
		Rooms:       roomService,
		KarmaPolicy: appConfig.KarmaPolicy,
		FailOpen:    appConfig.ClassifierFailOpen,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		GoogleVerifier: googleVerifier,
		TokenManager:   tokenManager,
		Tickets:        ticketService,
		Users:          userService,
		Rooms:          roomService,
		Dispatcher:     server.NewDispatcher(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
