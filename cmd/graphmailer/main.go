package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/goodieshq/graphmailer/pkg/admin"
	"github.com/goodieshq/graphmailer/pkg/cache"
	"github.com/goodieshq/graphmailer/pkg/config"
	"github.com/goodieshq/graphmailer/pkg/logger"
	"github.com/goodieshq/graphmailer/pkg/receiver"
	"github.com/goodieshq/graphmailer/pkg/sender"
	"github.com/goodieshq/graphmailer/pkg/token"
	"github.com/goodieshq/graphmailer/pkg/transport"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the configuration")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Str("path", *envFile).Msg("Failed to load env file")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log.Logger = logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, checks, closeStore, err := openTokenStore(ctx, &cfg.Send.Cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open token cache")
	}
	defer closeStore()

	verifyTLS, err := cfg.Send.Graph.VerifyTLS(cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid TLS configuration")
	}
	if !verifyTLS {
		log.Warn().Str("env", string(cfg.Env)).Msg("TLS verification is disabled for Microsoft Graph")
	}
	client := transport.NewHTTPClient(cfg.Send.Timeout, verifyTLS)
	tokens := token.New(cfg.Send.Graph, store, client, token.WithTimeout(cfg.Send.Timeout))

	// A nil deliverer makes listeners answer DATA with a temporary failure.
	var deliverer receiver.Deliverer
	if gs, err := sender.NewGraphSender(cfg.Send.Graph, tokens, client); err != nil {
		if !cfg.Send.AllowStartWithoutGraph {
			log.Fatal().Err(err).Msg("Failed to configure Microsoft Graph sender")
		}
		log.Warn().Err(err).Msg("Starting without Microsoft Graph, messages will be deferred")
	} else {
		deliverer = gs
		warmToken(ctx, tokens, cfg.Send.Timeout, cfg.Send.AllowStartWithoutGraph)
	}

	var wg sync.WaitGroup
	servers := make([]*smtp.Server, 0, len(cfg.Recv.Listeners))

	for i := range cfg.Recv.Listeners {
		lcfg := &cfg.Recv.Listeners[i]
		server := receiver.NewListener(ctx, lcfg, cfg, deliverer).NewServer(cfg.Recv.Domain)
		servers = append(servers, server)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("listener", lcfg.Name).Str("type", string(lcfg.Type)).Msgf("Starting SMTP server at %s", server.Addr)

			var err error
			if lcfg.Type == config.ListenerSMTPS {
				err = server.ListenAndServeTLS()
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
				log.Error().Err(err).Str("listener", lcfg.Name).Msg("Failed to run SMTP server")
				stop()
			}
		}()
	}

	var adminServer *http.Server
	if cfg.Admin.Addr != "" {
		adminServer = admin.NewServer(cfg.Admin.Addr, admin.NewRouter(log.Logger, checks))
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msgf("Starting admin server at %s", adminServer.Addr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Failed to run admin server")
				stop()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to close SMTP server")
		}
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to close admin server")
		}
	}

	wg.Wait()
	log.Info().Msg("All servers have been shut down. Exiting.")
}

// openTokenStore returns the configured token cache, its health checks and a closer.
func openTokenStore(ctx context.Context, cfg *config.CacheConfig) (cache.Cache[token.CachedToken], admin.Checks, func(), error) {
	switch cfg.Backend {
	case config.CacheRedis:
		client, err := cache.OpenRedis(ctx, cfg.RedisURL, 5, time.Second)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info().Str("prefix", cfg.Prefix).Msg("Using Redis token cache")
		checks := admin.Checks{
			"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
		}
		closer := func() {
			if err := client.Close(); err != nil {
				log.Error().Err(err).Msg("Failed to close Redis client")
			}
		}
		return cache.NewRedis[token.CachedToken](client, cfg.Prefix), checks, closer, nil
	default:
		store := cache.NewMemory[token.CachedToken](time.Minute)
		return store, nil, func() { _ = store.Close() }, nil
	}
}

// warmToken fetches the first token so bad credentials surface at startup.
func warmToken(ctx context.Context, tokens *token.Service, timeout time.Duration, allowFailure bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := tokens.GetToken(ctx); err != nil {
		if !allowFailure {
			log.Fatal().Err(err).Msg("Failed to obtain Microsoft Graph token")
		}
		log.Warn().Err(err).Msg("Failed to obtain Microsoft Graph token, continuing")
		return
	}
	log.Info().Msg("Microsoft Graph credentials verified")
}
