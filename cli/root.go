// Package cli is the entry point of the authcache daemon. It parses flags,
// loads the configuration, wires the services together (cache store,
// changelog poller, replication driver, SigV4 verifier, HTTP API) and runs
// them until a shutdown signal or an unrecoverable replication failure.
//
// Startup sequence:
//  1. Load configuration (flags, environment, config file)
//  2. Connect to redis, retrying with backoff
//  3. Load the persisted replication state
//  4. Connect and bind to the directory server
//  5. Start the replication driver
//  6. Start the HTTP API
//
// The replicator and the HTTP API share one store handle; the replicator is
// its only writer.
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ecliptic-io/authcache/api"
	"github.com/ecliptic-io/authcache/auth"
	"github.com/ecliptic-io/authcache/common"
	"github.com/ecliptic-io/authcache/config"
	"github.com/ecliptic-io/authcache/directory"
	"github.com/ecliptic-io/authcache/replicator"
	"github.com/ecliptic-io/authcache/store"
)

// cfgFile holds the --config flag value; empty means the default search
// locations (./authcache.yaml, /etc/authcache/authcache.yaml).
var cfgFile string

// RootCmd is the daemon command. There are no subcommands: the replicator
// and the verification API always run together, because the API must be able
// to refuse service while the cache is virgin.
var RootCmd = &cobra.Command{
	Use:   "authcache",
	Short: "directory-backed authentication cache with SigV4 verification",
	Long: `authcache replicates accounts, users, roles, policies and access keys
from an LDAP changelog into redis and serves authentication lookups and AWS
Signature Version 4 verification over HTTP.

Configuration can be provided via command-line flags, environment variables
with the AUTHCACHE_ prefix, or a YAML/JSON configuration file.`,
	RunE: runServer,
	// Errors are logged by runServer itself; cobra should not repeat them.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./authcache.yaml)")

	RootCmd.PersistentFlags().String("port", "", "HTTP listen port")
	RootCmd.PersistentFlags().String("redis-url", "", "redis connection URL")
	RootCmd.PersistentFlags().String("ldap-url", "", "directory server URL")
	RootCmd.PersistentFlags().String("ldap-bind-dn", "", "directory bind DN")
	RootCmd.PersistentFlags().String("ldap-bind-password", "", "directory bind password")
	RootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	viper.BindPFlag("server.port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("redis.url", RootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("ldap.url", RootCmd.PersistentFlags().Lookup("ldap-url"))
	viper.BindPFlag("ldap.bind_dn", RootCmd.PersistentFlags().Lookup("ldap-bind-dn"))
	viper.BindPFlag("ldap.bind_password", RootCmd.PersistentFlags().Lookup("ldap-bind-password"))
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

// instanceHook stamps every log entry with the process instance id.
type instanceHook struct {
	id string
}

func (h *instanceHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *instanceHook) Fire(e *logrus.Entry) error {
	e.Data["instance"] = h.id
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := common.NewLogger(cfg.Log.Level, cfg.Log.Format)
	// One id per process so restarts can be told apart in aggregated logs.
	logger.AddHook(&instanceHook{id: uuid.NewString()})
	log := common.Component(logger, "cli")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Connect(ctx, store.Config{
		URL:            cfg.Redis.URL,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
		RetryMin:       cfg.Redis.RetryMin,
		RetryMax:       cfg.Redis.RetryMax,
	}, common.Component(logger, "store"))
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		return err
	}
	defer st.Close()

	state, err := replicator.LoadState(ctx, st)
	if err != nil {
		log.WithError(err).Error("failed to load replication state")
		return err
	}
	log.WithFields(logrus.Fields{
		"changenumber": state.ChangeNumber,
		"virgin":       state.Virgin,
	}).Info("loaded replication state")

	poller, err := directory.Dial(directory.Config{
		URL:          cfg.LDAP.URL,
		BindDN:       cfg.LDAP.BindDN,
		BindPassword: cfg.LDAP.BindPassword,
		ChangelogDN:  cfg.LDAP.ChangelogDN,
		PollInterval: cfg.LDAP.PollInterval,
		Timeout:      cfg.LDAP.Timeout,
		PageSize:     cfg.LDAP.PageSize,
	}, state.ChangeNumber, common.Component(logger, "poller"))
	if err != nil {
		log.WithError(err).Error("failed to connect to directory server")
		return err
	}
	defer poller.Close()

	driver := replicator.NewDriver(st, poller, state, replicator.DriverConfig{
		RetryMin: cfg.Replicator.RetryMin,
		RetryMax: cfg.Replicator.RetryMax,
	}, common.Component(logger, "replicator"))

	tokens := auth.NewSessionTokenService(auth.SessionTokenConfig{
		Keys:     cfg.Token.Keys,
		MaxBytes: cfg.Token.MaxBytes,
	})
	verifier := auth.NewVerifier(auth.NewResolver(st, tokens), common.Component(logger, "verifier"))
	verifier.SetMaxSkew(cfg.Token.MaxSkew)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	handlers := &api.Handlers{
		Store:    st,
		Verifier: verifier,
		Log:      common.Component(logger, "api"),
	}
	handlers.Register(e)

	errs := make(chan error, 2)

	go func() {
		if err := driver.Run(ctx); err != nil {
			errs <- fmt.Errorf("replication failed: %w", err)
		}
	}()

	address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.WithField("address", address).Info("starting HTTP server")
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("server failed: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down")
	case runErr = <-errs:
		log.WithError(runErr).Error("shutting down after failure")
	}

	// Stop the replication loop first so no commit is in flight while the
	// HTTP server drains.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown did not finish cleanly")
	}

	return runErr
}
