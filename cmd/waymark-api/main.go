package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/waymark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/config"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/database"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/geocode"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/landmarks"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/server"
	"github.com/MarcoPoloResearchLab/waymark/backend/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "waymark-api",
		Short: "Waymark landmark map backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	inviteCmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint a single-use invite code",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintInvite()
		},
	}
	rootCmd.AddCommand(inviteCmd)

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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("storage.data_dir"), "Per-game snapshot and log directory")
	cmd.PersistentFlags().String("photos-dir", defaults.GetString("storage.photos_dir"), "Live photo directory")
	cmd.PersistentFlags().String("trash-dir", defaults.GetString("storage.trash_dir"), "Retired photo retention directory")
	cmd.PersistentFlags().String("games", defaults.GetString("games"), "Comma-separated game table identifiers")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("maps-api-key", "", "Google Maps geocoding API key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "storage.data_dir", "data-dir")
	bindFlag(cmd, "storage.photos_dir", "photos-dir")
	bindFlag(cmd, "storage.trash_dir", "trash-dir")
	bindFlag(cmd, "games", "games")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "geocode.api_key", "maps-api-key")
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

	provider, err := geocode.NewGoogleProvider(appConfig.GoogleMapsAPIKey)
	if err != nil {
		return err
	}
	geocodeCache, err := geocode.NewCache(geocode.CacheConfig{
		Database: db,
		Provider: provider,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	tables, err := landmarks.OpenTables(landmarks.TablesConfig{
		DataDir:     appConfig.DataDir,
		PhotosDir:   appConfig.PhotosDir,
		TrashDir:    appConfig.TrashDir,
		Games:       appConfig.Games,
		Resolver:    landmarks.NewResolver(geocodeCache),
		Clock:       time.Now,
		Logger:      logger,
		LockTimeout: appConfig.LockTimeout,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	sessionIssuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningKey),
		Issuer:        "waymark-api",
		CookieName:    appConfig.SessionCookieName,
		SessionTTL:    appConfig.SessionTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tables:   tables,
		Users:    userService,
		Sessions: sessionIssuer,
		Realtime: server.NewRealtimeDispatcher(),
		Logger:   logger,
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

func mintInvite() error {
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

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	code, err := userService.CreateInvite()
	if err != nil {
		return err
	}
	fmt.Println(code)
	return nil
}
