// Package sessionpool brings accounts online and keeps a bounded number of
// live provider client handles ready for use, evicting by least-recently-
// used when the cap is reached.
package sessionpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/credstore"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/provider"
)

// State is a session's position in the bring-up state machine.
type State string

const (
	Empty        State = "empty"
	LoggingIn    State = "logging_in"
	FetchingNodes State = "fetching_nodes"
	Ready        State = "ready"
	Failed       State = "failed"
	Evicting     State = "evicting"
)

// ErrPoolExhausted is returned by ensure_session when no evictable slot
// becomes available before the deadline.
var ErrPoolExhausted = errors.New("sessionpool: pool exhausted")

// ErrTimeout is returned when a wait exceeds its deadline.
var ErrTimeout = errors.New("sessionpool: timeout")

// ClientFactory constructs a new provider.Client for an account. Swappable
// so tests can inject provider.FakeClient.
type ClientFactory func(accountID string) provider.Client

type entry struct {
	accountID string
	state     State
	client    provider.Client
	err       error
	lastUsed  time.Time
	inUse     int // pinned by in-flight cross-account transfers; never evicted while > 0
	ready     chan struct{} // closed when state leaves LoggingIn/FetchingNodes
}

// Pool owns a bounded set of live client handles keyed by account id.
type Pool struct {
	mu       sync.Mutex
	entries  map[string]*entry
	cap      int
	creds    *credstore.Store
	factory  ClientFactory
	eventBus *events.EventBus

	// exhaustionTimeout and exhaustionPollInterval govern how long
	// ensure_session waits for an evictable slot at capacity. Exported via
	// SetPoolExhaustionTimeout per spec.md's "configurable deadline".
	exhaustionTimeout      time.Duration
	exhaustionPollInterval time.Duration
}

// New creates a Pool with the given cap (default constants.DefaultSessionPoolCap
// if cap <= 0), backed by creds for session token retrieval and factory for
// constructing provider clients.
func New(cap int, creds *credstore.Store, factory ClientFactory, eventBus *events.EventBus) *Pool {
	if cap <= 0 {
		cap = constants.DefaultSessionPoolCap
	}
	return &Pool{
		entries:                make(map[string]*entry),
		cap:                    cap,
		creds:                  creds,
		factory:                factory,
		eventBus:               eventBus,
		exhaustionTimeout:      constants.PoolExhaustionTimeout,
		exhaustionPollInterval: constants.PoolExhaustionPollInterval,
	}
}

// SetPoolExhaustionTimeout overrides the default deadline ensure_session
// waits for an evictable slot before failing with ErrPoolExhausted.
func (p *Pool) SetPoolExhaustionTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exhaustionTimeout = d
}

// EnsureSession brings accountID up to Ready if it is not already, joining
// an in-flight bring-up if one exists, and returns the live handle. If the
// pool is at capacity and every live session is pinned by an in-progress
// transfer, it polls for a slot to free up for up to
// constants.PoolExhaustionTimeout before giving up with ErrPoolExhausted.
func (p *Pool) EnsureSession(ctx context.Context, accountID string) (provider.Client, error) {
	ready, client, err := p.startOrJoin(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return client, nil
	}
	return p.waitAndReturn(ctx, accountID, ready)
}

// startOrJoin returns the live client if accountID is already Ready, or the
// ready channel of a bring-up it started or joined. If the pool is full and
// nothing is evictable, it polls makeRoomLocked until a slot frees or
// constants.PoolExhaustionTimeout elapses.
func (p *Pool) startOrJoin(ctx context.Context, accountID string) (<-chan struct{}, provider.Client, error) {
	p.mu.Lock()
	timeout, pollInterval := p.exhaustionTimeout, p.exhaustionPollInterval
	p.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		e, ok := p.entries[accountID]
		if ok && e.state == Ready {
			e.lastUsed = time.Now()
			client := e.client
			p.mu.Unlock()
			return nil, client, nil
		}
		if ok && (e.state == LoggingIn || e.state == FetchingNodes) {
			// Join the in-flight bring-up.
			ready := e.ready
			p.mu.Unlock()
			return ready, nil, nil
		}

		if err := p.makeRoomLocked(); err == nil {
			e = &entry{accountID: accountID, state: LoggingIn, ready: make(chan struct{})}
			p.entries[accountID] = e
			ready := e.ready
			p.mu.Unlock()
			go p.bringUp(accountID)
			return ready, nil, nil
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil, ErrPoolExhausted
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (p *Pool) waitAndReturn(ctx context.Context, accountID string, ready <-chan struct{}) (provider.Client, error) {
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(constants.SessionWaitTimeout):
		return nil, ErrTimeout
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[accountID]
	if !ok || e.state != Ready {
		if ok && e.err != nil {
			return nil, e.err
		}
		return nil, fmt.Errorf("sessionpool: %s not ready", accountID)
	}
	e.lastUsed = time.Now()
	return e.client, nil
}

// makeRoomLocked evicts the least-recently-used unpinned Ready session if
// the pool is at capacity. Caller holds p.mu.
func (p *Pool) makeRoomLocked() error {
	live := 0
	for _, e := range p.entries {
		if e.state == Ready || e.state == LoggingIn || e.state == FetchingNodes {
			live++
		}
	}
	if live < p.cap {
		return nil
	}

	var lru *entry
	for _, e := range p.entries {
		if e.state != Ready || e.inUse > 0 {
			continue
		}
		if lru == nil || e.lastUsed.Before(lru.lastUsed) {
			lru = e
		}
	}
	if lru == nil {
		return ErrPoolExhausted
	}
	lru.state = Evicting
	delete(p.entries, lru.accountID)
	return nil
}

func (p *Pool) bringUp(accountID string) {
	ctx := context.Background()

	p.mu.Lock()
	e := p.entries[accountID]
	p.mu.Unlock()
	if e == nil {
		return
	}

	token, err := p.creds.Retrieve(ctx, accountID)
	if err != nil {
		p.fail(e, fmt.Errorf("sessionpool: retrieving session: %w", err))
		return
	}

	client := p.factory(accountID)
	loginCtx, cancel := context.WithTimeout(ctx, constants.SessionWaitTimeout)
	_, err = client.FastLogin(loginCtx, token).Wait(loginCtx)
	cancel()
	if err != nil {
		p.fail(e, fmt.Errorf("sessionpool: fast_login: %w", err))
		return
	}

	p.mu.Lock()
	e.state = FetchingNodes
	e.client = client
	p.mu.Unlock()
	p.publishSession(accountID, events.EventLoginProgress)

	if err := p.fetchNodesUntilObservable(ctx, client); err != nil {
		p.fail(e, fmt.Errorf("sessionpool: fetch_nodes: %w", err))
		return
	}

	p.mu.Lock()
	e.state = Ready
	e.lastUsed = time.Now()
	close(e.ready)
	p.mu.Unlock()
	p.publishSession(accountID, events.EventSessionReady)
}

// fetchNodesUntilObservable polls until the root node's child population is
// observable or the fetch timeout elapses, per spec.md's 12s bring-up poll.
func (p *Pool) fetchNodesUntilObservable(ctx context.Context, client provider.Client) error {
	deadline := time.Now().Add(constants.FetchNodesPollTimeout)
	fetchCtx, cancel := context.WithTimeout(ctx, constants.FetchNodesPollTimeout)
	defer cancel()

	root, err := client.FetchNodes(fetchCtx).Wait(fetchCtx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(constants.FetchNodesPollInterval)
	defer ticker.Stop()
	for {
		childrenCtx, childCancel := context.WithTimeout(ctx, constants.FetchNodesPollInterval)
		children, err := client.Children(childrenCtx, root).Wait(childrenCtx)
		childCancel()
		if err == nil && children != nil {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // root reachable is enough even if children never populate
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Pool) fail(e *entry, err error) {
	p.mu.Lock()
	e.state = Failed
	e.err = err
	close(e.ready)
	p.mu.Unlock()
	p.publishSession(e.accountID, events.EventSessionError)
}

func (p *Pool) publishSession(accountID string, eventType events.EventType) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(&events.SessionEvent{
		BaseEvent: events.BaseEvent{EventType: eventType, Time: time.Now()},
		AccountID: accountID,
	})
}

// GetSession does a non-blocking lookup, returning a handle only if the
// account's state is Ready.
func (p *Pool) GetSession(accountID string) (provider.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[accountID]
	if !ok || e.state != Ready {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.client, true
}

// WaitForSession blocks the caller up to timeout for accountID to reach
// Ready, returning whether it did.
func (p *Pool) WaitForSession(ctx context.Context, accountID string, timeout time.Duration) bool {
	p.mu.Lock()
	e, ok := p.entries[accountID]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if e.state == Ready {
		p.mu.Unlock()
		return true
	}
	ready := e.ready
	p.mu.Unlock()

	select {
	case <-ready:
		return p.IsActive(accountID)
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// Invalidate transitions accountID to Empty, discarding the live handle.
func (p *Pool) Invalidate(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, accountID)
}

// IsActive reports whether accountID currently holds a Ready handle.
func (p *Pool) IsActive(accountID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[accountID]
	return ok && e.state == Ready
}

// Pin marks accountID's session as in use by an in-progress cross-account
// transfer, exempting it from LRU eviction until Unpin is called.
func (p *Pool) Pin(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[accountID]; ok {
		e.inUse++
	}
}

// Unpin releases a Pin.
func (p *Pool) Unpin(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[accountID]; ok && e.inUse > 0 {
		e.inUse--
	}
}
