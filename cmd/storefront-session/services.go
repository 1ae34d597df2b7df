package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MarcoPoloResearchLab/storefront-session/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/config"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/credentials"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/database"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/profiles"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/reconcile"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/redirect"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/routing"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/server"
	"github.com/MarcoPoloResearchLab/storefront-session/internal/session"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application is the wired service plus the resources it must release.
type application struct {
	Handler http.Handler
	closers []func() error
}

func (a *application) Close() error {
	var errs []error
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}
	fail := func(err error) (*application, error) {
		_ = app.Close()
		return nil, err
	}

	var db *gorm.DB
	if appConfig.NeedsDatabase() {
		opened, err := database.OpenSQLite(appConfig.DatabasePath, logger)
		if err != nil {
			return fail(err)
		}
		sqlDB, err := opened.DB()
		if err != nil {
			return fail(err)
		}
		app.closers = append(app.closers, sqlDB.Close)
		db = opened
	}

	store, err := buildSessionStore(ctx, appConfig, db, app)
	if err != nil {
		return fail(err)
	}

	resolver, err := buildResolver(appConfig, db, logger)
	if err != nil {
		return fail(err)
	}

	signingSecret := []byte(appConfig.SigningSecret)
	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: signingSecret,
		Issuer:        appConfig.SessionIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: signingSecret,
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return fail(err)
	}

	dispatcher := server.NewRealtimeDispatcher()
	engine, err := reconcile.NewEngine(reconcile.Config{
		Store:     store,
		Resolver:  resolver,
		Notifier:  dispatcher,
		Tokens:    tokenIssuer,
		Validator: validator,
		Logger:    logger.Named("reconcile"),
	})
	if err != nil {
		return fail(err)
	}

	policy := routing.NewPolicy(appConfig.EntryPath, appConfig.AwaitingApprovalPath)
	latches, err := redirect.NewLatches(appConfig.LatchCapacity)
	if err != nil {
		return fail(err)
	}
	processor, err := redirect.NewProcessor(redirect.ProcessorConfig{
		Engine:  engine,
		Flags:   store,
		Policy:  policy,
		Latches: latches,
		Logger:  logger.Named("redirect"),
	})
	if err != nil {
		return fail(err)
	}

	credentialClient, err := credentials.NewClient(credentials.ClientConfig{
		BaseURL: appConfig.CredentialsBaseURL,
		Logger:  logger.Named("credentials"),
	})
	if err != nil {
		return fail(err)
	}

	deps := server.Dependencies{
		Engine:         engine,
		Processor:      processor,
		Credentials:    credentialClient,
		Flags:          store,
		Policy:         policy,
		Realtime:       dispatcher,
		Logger:         logger.Named("http"),
		CookieName:     appConfig.CookieName,
		CookieSecure:   appConfig.CookieSecure,
		AllowedOrigins: appConfig.AllowedOrigins,
		AllowAnyOrigin: appConfig.AllowAnyOrigin,
	}
	if appConfig.GoogleClientID != "" {
		verifier, err := auth.NewGoogleVerifier(auth.GoogleVerifierConfig{
			ClientID: appConfig.GoogleClientID,
			JWKSURL:  appConfig.GoogleJWKSURL,
			Logger:   logger.Named("google"),
		})
		if err != nil {
			return fail(err)
		}
		deps.GoogleVerifier = verifier
	} else {
		logger.Info("google sign-in disabled: google.client_id not set")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return fail(err)
	}
	app.Handler = handler
	return app, nil
}

func buildSessionStore(ctx context.Context, appConfig config.AppConfig, db *gorm.DB, app *application) (session.Store, error) {
	switch appConfig.SessionBackend {
	case config.SessionBackendSQLite:
		return session.NewGormStore(db)
	case config.SessionBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		app.closers = append(app.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return session.NewRedisStore(session.RedisStoreConfig{
			Client: client,
			Prefix: appConfig.RedisKeyPrefix,
			TTL:    appConfig.TokenTTL,
		})
	case config.SessionBackendMemory:
		return session.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported session backend %q", appConfig.SessionBackend)
	}
}

func buildResolver(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (profiles.Resolver, error) {
	switch appConfig.ProfilesSource {
	case config.ProfilesSourceDatabase:
		return profiles.NewStoreResolver(profiles.StoreResolverConfig{
			Database: db,
			Logger:   logger.Named("profiles"),
		})
	case config.ProfilesSourceHTTP:
		return profiles.NewHTTPResolver(profiles.HTTPResolverConfig{
			BaseURL: appConfig.ProfilesBaseURL,
			APIKey:  appConfig.ProfilesAPIKey,
			Timeout: appConfig.ProfilesTimeout,
			Logger:  logger.Named("profiles"),
		})
	default:
		return nil, fmt.Errorf("unsupported profile source %q", appConfig.ProfilesSource)
	}
}
