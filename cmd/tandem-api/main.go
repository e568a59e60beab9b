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

	"github.com/MarcoPoloResearchLab/tandem/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/config"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/database"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/tandem/backend/internal/server"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuerName   = "tandem-auth"
	tokenAudienceName = "tandem-api"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tandem-api",
		Short: "Tandem room synchronization service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("server.http_address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", defaults.GetString("server.allowed_origins"), "Comma-separated browser origins allowed to connect")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for presence rosters (empty disables presence)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (empty leaves the surface open)")

	bindFlag(cmd, "server.http_address", "http-address")
	bindFlag(cmd, "server.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

// newTokenCommand mints a handshake token against the configured signing
// secret, for local clients and smoke tests.
func newTokenCommand() *cobra.Command {
	var subject string
	var displayName string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a collaboration token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        tokenIssuerName,
				Audience:      tokenAudienceName,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueCollabToken(cmd.Context(), subject, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in_s=%d\n", token, expiresIn)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Subject claim for the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name shown on room rosters")
	return cmd
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

	documentStore, err := docstore.NewStore(docstore.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	collabService, err := collab.NewService(collab.ServiceConfig{
		Store:           documentStore,
		Logger:          logger,
		DebounceWindow:  appConfig.DebounceWindow,
		IdleTimeout:     appConfig.IdleTimeout,
		FlushBackoff:    appConfig.FlushBackoff,
		SendBufferDepth: appConfig.SendBufferDepth,
	})
	if err != nil {
		return err
	}

	var roster *presence.Roster
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", appConfig.RedisAddress, err)
		}
		defer redisClient.Close()
		roster, err = presence.NewRoster(presence.RosterConfig{
			Client: redisClient,
			TTL:    appConfig.PresenceTTL,
		})
		if err != nil {
			return err
		}
		logger.Info("presence rosters enabled", zap.String("address", appConfig.RedisAddress))
	}

	var tokens server.TokenValidator
	if appConfig.SigningSecret != "" {
		issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(appConfig.SigningSecret),
			Issuer:        tokenIssuerName,
			Audience:      tokenAudienceName,
			TokenTTL:      appConfig.TokenTTL,
		})
		if err != nil {
			return err
		}
		tokens = issuer
	} else {
		logger.Warn("no signing secret configured, collaboration surface is open")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Collab:         collabService,
		Documents:      documentStore,
		Presence:       roster,
		Tokens:         tokens,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collabService.StartJanitor(signalCtx)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)

		// Every room's pending fragments must reach the store before the
		// process exits.
		if err := collabService.Close(shutdownCtx); err != nil {
			logger.Error("final flush failed", zap.Error(err))
			if shutdownErr == nil {
				shutdownErr = err
			}
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
