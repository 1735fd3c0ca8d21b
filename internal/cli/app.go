package cli

import (
	"context"
	"fmt"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/credstore"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/paths"
	"github.com/rescale-labs/accountbridge/internal/provider"
	"github.com/rescale-labs/accountbridge/internal/registry"
	"github.com/rescale-labs/accountbridge/internal/sessionpool"
	"github.com/rescale-labs/accountbridge/internal/transfer"
	"github.com/rescale-labs/accountbridge/internal/translog"
	"github.com/rescale-labs/accountbridge/internal/xferengine"
)

// App wires together every core component for a single CLI invocation.
type App struct {
	Bus      *events.EventBus
	Creds    *credstore.Store
	Pool     *sessionpool.Pool
	Log      *translog.Store
	Engine   *xferengine.Engine
	Registry *registry.Registry
	Queue    *transfer.Queue
}

// clientFactory constructs the provider client for an account. The real
// cloud SDK's wire protocol is an external collaborator out of scope here;
// FakeClient is the supplemented stand-in every account is brought up
// against.
func clientFactory(accountID string) provider.Client {
	return provider.NewFakeClient()
}

// NewApp creates every core component, rooted at the OS config directory.
func NewApp(ctx context.Context) (*App, error) {
	if err := paths.EnsureConfigDirectory(); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	bus := events.NewEventBus(constants.EventBusDefaultBuffer)

	creds, err := credstore.New(paths.CredentialPath(), paths.SaltPath())
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}

	pool := sessionpool.New(constants.DefaultSessionPoolCap, creds, clientFactory, bus)

	logStore, err := translog.Open(paths.TransferHistoryPath(), bus)
	if err != nil {
		return nil, fmt.Errorf("opening transfer log: %w", err)
	}

	engine := xferengine.New(pool, logStore, bus, constants.DefaultEngineWorkers)

	reg, err := registry.New(paths.RegistryPath(), creds, pool, clientFactory, bus)
	if err != nil {
		return nil, fmt.Errorf("opening account registry: %w", err)
	}
	reg.SetEngine(engine)

	queue := transfer.NewQueue(bus)

	return &App{
		Bus:      bus,
		Creds:    creds,
		Pool:     pool,
		Log:      logStore,
		Engine:   engine,
		Registry: reg,
		Queue:    queue,
	}, nil
}

// Close flushes pending registry writes and releases held resources.
func (a *App) Close() {
	_ = a.Registry.Flush()
	a.Engine.Shutdown()
	a.Queue.Close()
	_ = a.Log.Close()
	a.Bus.Close()
}
