package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/assets"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/config"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/database"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/messages"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/server"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "duet-api",
		Short: "Duet one-to-one chat backend",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Session token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Origins allowed to call the API with credentials")
	cmd.PersistentFlags().String("redis-url", "", "Redis URL for send rate limiting; empty disables limiting")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	uploader, err := newUploader(appConfig.Cloudinary, logger)
	if err != nil {
		return err
	}
	mailer, err := newMailer(appConfig.SMTP, logger)
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Hasher:     auth.NewPasswordHasher(bcrypt.DefaultCost),
		Uploader:   uploader,
		Mailer:     mailer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Users:      userService,
		Uploader:   uploader,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "duet-api",
		Audience:      "duet-client",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     tokenIssuer,
		CookieName: appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	limiter, err := newLimiter(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway := realtime.NewGateway(realtime.GatewayConfig{
		SendBuffer: appConfig.RealtimeBuffer,
		Logger:     logger,
	})
	gatewayCtx, stopGateway := context.WithCancel(context.Background())
	defer stopGateway()
	go gateway.Run(gatewayCtx)

	socket, err := realtime.NewHandler(realtime.HandlerConfig{
		Gateway:       gateway,
		Authenticator: sessions,
		CheckOrigin:   originChecker(appConfig.AllowedOrigins),
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Tokens:   tokenIssuer,
		Users:    userService,
		Messages: messageService,
		Realtime: socket,
		Limiter:  limiter,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		CookieName:     appConfig.CookieName,
		SecureCookie:   appConfig.SecureCookie,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked sockets are not tracked by Shutdown; stopping the gateway closes them.
		stopGateway()
		<-gateway.Done()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newUploader(cfg config.CloudinaryConfig, logger *zap.Logger) (assets.Uploader, error) {
	if !cfg.Enabled() {
		logger.Warn("cloudinary not configured: image uploads disabled")
		return assets.DisabledUploader{}, nil
	}
	return assets.NewCloudinaryUploader(assets.CloudinaryConfig{
		CloudName: cfg.CloudName,
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
		Folder:    "duet",
		Logger:    logger,
	})
}

func newMailer(cfg config.SMTPConfig, logger *zap.Logger) (notify.Mailer, error) {
	if cfg.Host == "" {
		return notify.LogMailer{Logger: logger}, nil
	}
	return notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Sender:   cfg.Sender,
		Logger:   logger,
	})
}

func newLimiter(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (ratelimit.Limiter, error) {
	if appConfig.RedisURL == "" {
		logger.Info("redis not configured: send rate limiting disabled")
		return ratelimit.Unlimited{}, nil
	}
	client, err := ratelimit.NewRedisClient(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, err
	}
	return ratelimit.NewRedisLimiter(ratelimit.RedisConfig{
		Client: client,
		Limit:  appConfig.SendPerMinute,
		Window: time.Minute,
		Logger: logger,
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	origins := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origins[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := origins[origin]; ok {
			return true
		}
		parsed, err := url.Parse(origin)
		return err == nil && parsed.Host == r.Host
	}
}
