package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/cache"
	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/MarcoPoloResearchLab/parley/internal/dashboard"
	"github.com/MarcoPoloResearchLab/parley/internal/database"
	"github.com/MarcoPoloResearchLab/parley/internal/ids"
	"github.com/MarcoPoloResearchLab/parley/internal/logging"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/MarcoPoloResearchLab/parley/internal/server"
	"github.com/MarcoPoloResearchLab/parley/internal/social"
	"github.com/MarcoPoloResearchLab/parley/internal/teams"
	"github.com/MarcoPoloResearchLab/parley/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley-api",
		Short: "Parley chat backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand(), newListenCommand())

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for cache and cross-process fan-out (empty disables)")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("cors.allowed_origins"), "Comma separated browser origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "cookie-name")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
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

	coordinator := cache.NewDisabled()
	if appConfig.CacheEnabled() {
		coordinator, err = cache.Open(ctx, appConfig.RedisURL, appConfig.CacheTTL, logger)
		if err != nil {
			return err
		}
		defer coordinator.Close()
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()

	membership, err := chat.NewMembershipDirectory(db, logger)
	if err != nil {
		return err
	}
	registry, err := realtime.NewRegistry(membership, appConfig.RealtimeShards)
	if err != nil {
		return err
	}
	dispatcher, err := realtime.NewDispatcher(realtime.DispatcherConfig{
		Registry: registry,
		Members:  membership,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	if coordinator.Enabled() {
		relay, err := realtime.NewRedisRelay(coordinator.Client(), appConfig.RealtimeRelayChannel, logger)
		if err != nil {
			return err
		}
		waitRelay, err := relay.Start(relayCtx, dispatcher.Deliver)
		if err != nil {
			return err
		}
		defer func() {
			stopRelay()
			waitRelay()
		}()
		dispatcher.SetRelay(relay)
		logger.Info("realtime relay enabled", zap.String("channel", appConfig.RealtimeRelayChannel))
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Cache:    coordinator,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Users:      usersService,
		Events:     dispatcher,
		Cache:      coordinator,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	personalSpaces, err := chat.NewPersonalSpaceResolver(chat.PersonalSpaceResolverConfig{
		Database:   db,
		Cache:      coordinator,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	teamsService, err := teams.NewService(teams.ServiceConfig{
		Database:      db,
		Chat:          chatService,
		Cache:         coordinator,
		Events:        dispatcher,
		Subscriptions: registry,
		IDProvider:    idProvider,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	chatService.SetRoleResolver(teamsService)
	usersService.SetTeammateLister(teamsService)

	socialService, err := social.NewService(social.ServiceConfig{
		Database:   db,
		Cache:      coordinator,
		Events:     dispatcher,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dashboardService, err := dashboard.NewService(dashboard.ServiceConfig{
		Rooms:         chatService,
		Teams:         teamsService,
		Friends:       socialService,
		Notifications: socialService,
		Cache:         coordinator,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Registry:      registry,
		Authenticator: users.NewAuthenticator(sessionValidator, usersService),
		Poster: realtime.MessagePosterFunc(func(ctx context.Context, userID, roomID, content string) error {
			_, err := chatService.PostMessage(ctx, userID, roomID, content)
			return err
		}),
		IDs:            idProvider,
		SendBuffer:     appConfig.RealtimeSendBuffer,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            usersService,
		Chat:             chatService,
		PersonalSpaces:   personalSpaces,
		Teams:            teamsService,
		Social:           socialService,
		Dashboard:        dashboardService,
		Gateway:          gateway,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		// Hijacked websocket connections are not tracked by Shutdown.
		gateway.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		gateway.Close()
		return err
	}
}
