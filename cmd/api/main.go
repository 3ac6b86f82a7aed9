package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shopkit/api/internal/di"
	"github.com/shopkit/api/internal/handlers"
	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/platform/events"
	pfirestore "github.com/shopkit/api/internal/platform/firestore"
	"github.com/shopkit/api/internal/platform/idempotency"
	"github.com/shopkit/api/internal/platform/observability"
	"github.com/shopkit/api/internal/platform/secrets"
	"github.com/shopkit/api/internal/platform/storage"
	"github.com/shopkit/api/internal/repositories"
	firestorerepo "github.com/shopkit/api/internal/repositories/firestore"
	"github.com/shopkit/api/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	ctx := context.Background()
	started := time.Now().UTC()

	logger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	env, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, env)
	if err != nil {
		return fmt.Errorf("init secret fetcher: %w", err)
	}
	defer func() {
		if cerr := fetcher.Close(); cerr != nil {
			logger.Warn("secrets: fetcher close failed", zap.Error(cerr))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithEnvMap(env),
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(env)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("config: required secrets missing",
				zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("config loaded",
		zap.String("environment", cfg.Environment),
		zap.String("firestore_project", cfg.Firestore.ProjectID),
		zap.Bool("events_enabled", cfg.Events.Enabled),
	)

	provider := pfirestore.NewProvider(cfg.Firestore)
	client, err := provider.Client(ctx)
	if err != nil {
		return fmt.Errorf("init firestore: %w", err)
	}
	defer func() {
		if cerr := provider.Close(context.Background()); cerr != nil {
			logger.Warn("firestore: close failed", zap.Error(cerr))
		}
	}()

	healthRepo, err := newHealthRepository(client, fetcher)
	if err != nil {
		return fmt.Errorf("init health checks: %w", err)
	}

	registry, err := firestorerepo.NewRegistry(provider, healthRepo)
	if err != nil {
		return fmt.Errorf("init repositories: %w", err)
	}

	uploads, err := newUploadSigner(logger, cfg)
	if err != nil {
		return fmt.Errorf("init upload signer: %w", err)
	}

	publisher, closePublisher, err := newOrderEventPublisher(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("init event publisher: %w", err)
	}
	defer closePublisher()

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Uploads: uploads,
		Events:  publisher,
		Logger:  logger,
		Clock:   time.Now,
		Build:   buildInfoFromEnv(env, cfg, started),
	})
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer func() {
		if cerr := container.Close(context.Background()); cerr != nil {
			logger.Warn("container: close failed", zap.Error(cerr))
		}
	}()

	authn := auth.NewAuthenticator(container.Tokens)

	idemStore := idempotency.NewFirestoreStore(client)
	idemMW := idempotency.Middleware(idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		for {
			select {
			case <-cleanupCtx.Done():
				return
			case <-cleanupTicker.C:
				removed, cerr := idemStore.CleanupExpired(cleanupCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				if cerr != nil {
					if !errors.Is(cerr, context.Canceled) {
						logger.Warn("idempotency: cleanup failed", zap.Error(cerr))
					}
					continue
				}
				if removed > 0 {
					logger.Debug("idempotency: cleanup removed records", zap.Int("count", removed))
				}
			}
		}
	}()

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.InjectLoggerMiddleware(logger),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(container.Services.System)),
		handlers.WithAuthRoutes(handlers.NewAuthHandlers(container.Services.Users).Routes),
		handlers.WithMeRoutes(handlers.NewUserHandlers(authn, container.Services.Users).Routes),
		handlers.WithProductRoutes(handlers.NewProductHandlers(authn, container.Services.Products).Routes),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authn, container.Services.Orders, idemMW).Routes),
		handlers.WithAdminUserRoutes(handlers.NewAdminUserHandlers(authn, container.Services.Users).Routes),
		handlers.WithAdminOrderRoutes(handlers.NewAdminOrderHandlers(authn, container.Services.Orders).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		cleanupTicker.Stop()
		cleanupCancel()
		cleanupWG.Wait()
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newUploadSigner(logger *zap.Logger, cfg config.Config) (services.UploadSigner, error) {
	if strings.TrimSpace(cfg.Storage.ImagesBucket) == "" {
		logger.Warn("storage: image uploads disabled; bucket not configured")
		return nil, nil
	}

	signer, err := storage.NewSignerFromConfig(cfg.Storage)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(signer)
	if err != nil {
		return nil, err
	}
	return storage.NewImageUploadSigner(cfg.Storage, client)
}

func newOrderEventPublisher(ctx context.Context, logger *zap.Logger, cfg config.Config) (services.OrderEventPublisher, func(), error) {
	noop := func() {}
	if !cfg.Events.Enabled {
		logger.Info("events: order event publishing disabled")
		return nil, noop, nil
	}

	client, err := pubsub.NewClient(ctx, cfg.Events.ProjectID)
	if err != nil {
		return nil, noop, err
	}
	topic := client.Topic(cfg.Events.OrderTopic)
	publisher, err := events.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		_ = client.Close()
		return nil, noop, err
	}

	closeFn := func() {
		topic.Stop()
		if cerr := client.Close(); cerr != nil {
			logger.Warn("events: pubsub client close failed", zap.Error(cerr))
		}
	}
	return publisher, closeFn, nil
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 2)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIRESTORE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	projectMap := secretProjectMapFromEnv(env)
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_SECRET_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{"Auth.SigningSecret"}
	if env != nil && strings.TrimSpace(env["API_STORAGE_IMAGES_BUCKET"]) != "" {
		required = append(required, "Storage.SignedURLKeyJSON")
	}
	return required
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS entries of the form
// "env=project-id" separated by commas.
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	return parsePairs(env, "API_SECRET_PROJECT_IDS", strings.ToLower)
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS entries of the form
// "name=version" separated by commas.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	return parsePairs(env, "API_SECRET_VERSION_PINS", func(s string) string { return s })
}

func parsePairs(env map[string]string, key string, normalizeKey func(string) string) map[string]string {
	out := make(map[string]string)
	raw := ""
	if env != nil {
		raw = strings.TrimSpace(env[key])
	}
	if raw == "" {
		return out
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := normalizeKey(strings.TrimSpace(parts[0]))
		value := strings.TrimSpace(parts[1])
		if name == "" || value == "" {
			continue
		}
		out[name] = value
	}
	return out
}
