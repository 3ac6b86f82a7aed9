package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shopkit/api/internal/platform/auth"
	"github.com/shopkit/api/internal/platform/config"
	"github.com/shopkit/api/internal/repositories"
	"github.com/shopkit/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Users    services.UserService
	Products services.ProductService
	Orders   services.OrderService
	System   services.SystemService
}

// Dependencies carries optional collaborators supplied by the runtime. Any nil field is
// simply left unwired; services that require it degrade accordingly.
type Dependencies struct {
	Uploads services.UploadSigner
	Events  services.OrderEventPublisher
	Logger  *zap.Logger
	Clock   func() time.Time
	Build   services.BuildInfo
}

// Container wires repositories, services, and shared infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services

	// Tokens is the JWT issuer shared between the user service and the HTTP
	// authentication middleware, so both agree on signing material.
	Tokens *auth.JWTIssuer
}

// NewContainer constructs the runtime dependencies. Production wiring provides a Firestore
// registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps Dependencies) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	issuer, err := auth.NewJWTIssuer(cfg.Auth, clock)
	if err != nil {
		return nil, fmt.Errorf("build token issuer: %w", err)
	}

	svc, err := buildServices(cfg, reg, deps, issuer, clock)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
		Tokens:       issuer,
	}, nil
}

// Close releases resources such as repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, deps Dependencies, issuer *auth.JWTIssuer, clock func() time.Time) (Services, error) {
	var svc Services

	userSvc, err := services.NewUserService(services.UserServiceDeps{
		Users:  reg.Users(),
		Hasher: auth.NewBcryptHasher(0),
		Tokens: issuer,
		Clock:  clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build user service: %w", err)
	}
	svc.Users = userSvc

	productSvc, err := services.NewProductService(services.ProductServiceDeps{
		Products:  reg.Products(),
		Inventory: reg.Inventory(),
		Uploads:   deps.Uploads,
		Clock:     clock,
		Logger:    serviceLogger(deps.Logger, "products"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build product service: %w", err)
	}
	svc.Products = productSvc

	pricing, err := services.NewPricingEngine(cfg.Pricing, services.NoDiscount())
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	reserver, err := services.NewStockReserver(cfg.Inventory, reg.Inventory(), reg, serviceLogger(deps.Logger, "inventory"))
	if err != nil {
		return Services{}, fmt.Errorf("build stock reserver: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		Products:       reg.Products(),
		Reserver:       reserver,
		Pricing:        pricing,
		Numbers:        services.DefaultOrderNumberGenerator,
		NumberAttempts: cfg.Inventory.OrderNumberAttempts,
		Clock:          clock,
		Events:         deps.Events,
		Logger:         serviceLogger(deps.Logger, "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Environment
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			Health: healthRepo,
			Clock:  clock,
			Build:  build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

func serviceLogger(logger *zap.Logger, scope string) func(context.Context, string, map[string]any) {
	if logger == nil {
		return nil
	}
	scoped := logger.Named(scope)
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		scoped.Info(event, zapFields...)
	}
}
