// Package registry is the account bridge's central source of truth: the
// account and group maps, the active account, and settings, persisted to a
// single JSON document. It coordinates the credential store and session
// pool and is the public entry point the CLI (and any GUI collaborator)
// talks to.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/credstore"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/idgen"
	"github.com/rescale-labs/accountbridge/internal/sessionpool"
)

// ErrNotFound is returned when an account or group id does not exist.
var ErrNotFound = errors.New("registry: not found")

// ErrDefaultGroup is returned when removing the implicit default group.
var ErrDefaultGroup = errors.New("registry: cannot remove the default group")

// Account is a user identity on the cloud provider, process-locally
// identified by an AccountId.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	GroupID      string    `json:"group_id"`
	Labels       []string  `json:"labels"`
	Color        string    `json:"color,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	IsDefault    bool      `json:"is_default"`
	StorageUsed  int64     `json:"storage_used"`
	StorageTotal int64     `json:"storage_total"`
	LastLogin    time.Time `json:"last_login"`
	LastSync     time.Time `json:"last_sync"`
}

// Group collects accounts for display purposes. A default group exists for
// the lifetime of the Registry and cannot be removed.
type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color,omitempty"`
	SortOrder  int    `json:"sort_order"`
	Collapsed  bool   `json:"collapsed"`
}

// Settings holds registry-wide tunables that live alongside the account and
// group maps in accounts.json.
type Settings struct {
	MaxCachedSessions       int           `json:"max_cached_sessions"`
	SessionRefreshInterval  time.Duration `json:"session_refresh_interval"`
	AutoRestoreSession      bool          `json:"auto_restore_session"`
	ShowStorageInSwitcher   bool          `json:"show_storage_in_switcher"`
}

func defaultSettings() Settings {
	return Settings{
		MaxCachedSessions:      constants.DefaultMaxCachedSessions,
		SessionRefreshInterval: constants.DefaultSessionRefreshInterval,
		AutoRestoreSession:     true,
		ShowStorageInSwitcher:  true,
	}
}

type document struct {
	ActiveAccountID string     `json:"active_account_id"`
	Accounts        []*Account `json:"accounts"`
	Groups          []*Group   `json:"groups"`
	Settings        Settings   `json:"settings"`
}

// syncChecker lets the cross-account transfer engine report which accounts
// are currently participating in a transfer, without the registry importing
// the engine package directly.
type syncChecker interface {
	IsSyncing(accountID string) bool
}

// Registry is the process-wide accounts/groups service. Pass it by
// reference to every collaborator at construction; it is not a singleton.
type Registry struct {
	mu sync.Mutex

	path     string
	creds    *credstore.Store
	pool     *sessionpool.Pool
	factory  sessionpool.ClientFactory
	eventBus *events.EventBus
	engine   syncChecker

	activeAccountID string
	accounts        map[string]*Account
	groups          map[string]*Group
	settings        Settings

	saveTimer *time.Timer
}

// New loads (or initializes) the registry document at path.
func New(path string, creds *credstore.Store, pool *sessionpool.Pool, factory sessionpool.ClientFactory, eventBus *events.EventBus) (*Registry, error) {
	r := &Registry{
		path:     path,
		creds:    creds,
		pool:     pool,
		factory:  factory,
		eventBus: eventBus,
		accounts: make(map[string]*Account),
		groups:   make(map[string]*Group),
		settings: defaultSettings(),
	}
	r.groups[constants.DefaultGroupID] = &Group{ID: constants.DefaultGroupID, Name: "Accounts"}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetEngine wires the cross-account transfer engine so IsSyncing can defer
// to it; optional, nil-safe if never called.
func (r *Registry) SetEngine(e syncChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine = e
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("registry: reading %s: %w", r.path, err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("registry: decoding %s: %w", r.path, err)
	}

	r.activeAccountID = doc.ActiveAccountID
	for _, a := range doc.Accounts {
		r.accounts[a.ID] = a
	}
	for _, g := range doc.Groups {
		r.groups[g.ID] = g
	}
	if _, ok := r.groups[constants.DefaultGroupID]; !ok {
		r.groups[constants.DefaultGroupID] = &Group{ID: constants.DefaultGroupID, Name: "Accounts"}
	}
	if doc.Settings != (Settings{}) {
		r.settings = doc.Settings
	}
	return nil
}

// saveDebounced schedules a write constants.RegistrySaveDebounce in the
// future, coalescing bursts of mutations into a single disk write. Caller
// must hold r.mu.
func (r *Registry) saveDebounced() {
	if r.saveTimer != nil {
		r.saveTimer.Stop()
	}
	r.saveTimer = time.AfterFunc(constants.RegistrySaveDebounce, func() {
		if err := r.saveNow(); err != nil && r.eventBus != nil {
			r.eventBus.PublishLog(events.ErrorLevel, "registry: failed to save accounts.json", err)
		}
	})
}

func (r *Registry) saveNow() error {
	r.mu.Lock()
	doc := document{
		ActiveAccountID: r.activeAccountID,
		Settings:        r.settings,
	}
	for _, a := range r.accounts {
		doc.Accounts = append(doc.Accounts, a)
	}
	for _, g := range r.groups {
		doc.Groups = append(doc.Groups, g)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("registry: creating config dir: %w", err)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("registry: writing tempfile: %w", err)
	}
	return os.Rename(tmp, r.path)
}

// Flush forces any pending debounced save to happen immediately.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.mu.Unlock()
	return r.saveNow()
}

// AddAccount runs a full login, persists the resulting session, and
// registers the account. It blocks on the provider's login future.
func (r *Registry) AddAccount(ctx context.Context, email, password string) (*Account, error) {
	client := r.factory(email)
	token, err := client.Login(ctx, email, password).Wait(ctx)
	if err != nil {
		r.publishAccountAddFailed(email, err)
		return nil, err
	}
	return r.AddAccountWithSession(ctx, email, token)
}

// AddAccountWithSession registers an account for which a session token is
// already known (e.g. session restore), skipping the login round trip.
func (r *Registry) AddAccountWithSession(ctx context.Context, email, sessionToken string) (*Account, error) {
	id := idgen.Account()
	if err := r.creds.Store(ctx, id, sessionToken); err != nil {
		r.publishAccountAddFailed(email, err)
		return nil, fmt.Errorf("registry: storing session: %w", err)
	}

	account := &Account{
		ID:        id,
		Email:     email,
		GroupID:   constants.DefaultGroupID,
		Labels:    []string{},
		LastLogin: time.Now(),
	}

	r.mu.Lock()
	if len(r.accounts) == 0 {
		account.IsDefault = true
		r.activeAccountID = id
	}
	r.accounts[id] = account
	r.saveDebounced()
	r.mu.Unlock()

	r.publish(&events.AccountEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventAccountAdded, Time: time.Now()},
		AccountID: id,
		Email:     email,
	})
	return account, nil
}

func (r *Registry) publishAccountAddFailed(email string, err error) {
	r.publish(&events.AccountEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventAccountAddFailed, Time: time.Now()},
		Email:     email,
		Error:     err,
	})
}

func (r *Registry) publish(ev events.Event) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(ev)
}

// RemoveAccount deletes id from the registry. If deleteSession is true it
// also removes the stored session from the credential store.
func (r *Registry) RemoveAccount(id string, deleteSession bool) error {
	r.mu.Lock()
	if _, ok := r.accounts[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.accounts, id)
	if r.activeAccountID == id {
		r.activeAccountID = ""
	}
	r.saveDebounced()
	r.mu.Unlock()

	if r.pool != nil {
		r.pool.Invalidate(id)
	}
	if deleteSession {
		if err := r.creds.Remove(id); err != nil {
			return fmt.Errorf("registry: removing session: %w", err)
		}
	}

	r.publish(&events.AccountEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventAccountRemoved, Time: time.Now()},
		AccountID: id,
	})
	return nil
}

// UpdateAccount applies mutate to the account identified by id and persists
// the result.
func (r *Registry) UpdateAccount(id string, mutate func(*Account)) (*Account, error) {
	r.mu.Lock()
	account, ok := r.accounts[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	mutate(account)
	r.saveDebounced()
	r.mu.Unlock()

	r.publish(&events.AccountEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventAccountUpdated, Time: time.Now()},
		AccountID: id,
	})
	return account, nil
}

// SwitchTo makes id the active account.
func (r *Registry) SwitchTo(id string) error {
	r.mu.Lock()
	if _, ok := r.accounts[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.activeAccountID = id
	r.saveDebounced()
	r.mu.Unlock()

	r.publish(&events.AccountEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventAccountSwitched, Time: time.Now()},
		AccountID: id,
	})
	return nil
}

// ActiveAccountID returns the currently active account id, "" if none.
func (r *Registry) ActiveAccountID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeAccountID
}

// AllAccounts returns every registered account, in no particular order.
func (r *Registry) AllAccounts() []*Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		out = append(out, a)
	}
	return out
}

// AccountsInGroup returns every account belonging to groupID.
func (r *Registry) AccountsInGroup(groupID string) []*Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Account
	for _, a := range r.accounts {
		if a.GroupID == groupID {
			out = append(out, a)
		}
	}
	return out
}

// Search matches query case-insensitively against email, display name,
// labels, and notes.
func (r *Registry) Search(query string) []*Account {
	q := strings.ToLower(query)
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Account
	for _, a := range r.accounts {
		if strings.Contains(strings.ToLower(a.Email), q) ||
			strings.Contains(strings.ToLower(a.DisplayName), q) ||
			strings.Contains(strings.ToLower(a.Notes), q) {
			out = append(out, a)
			continue
		}
		for _, label := range a.Labels {
			if strings.Contains(strings.ToLower(label), q) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// FindByLabel returns every account tagged with label (exact match).
func (r *Registry) FindByLabel(label string) []*Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Account
	for _, a := range r.accounts {
		for _, l := range a.Labels {
			if l == label {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// IsSyncing reports whether accountID is a participant in an in-progress
// cross-account transfer, delegating to the wired engine.
func (r *Registry) IsSyncing(accountID string) bool {
	r.mu.Lock()
	engine := r.engine
	r.mu.Unlock()
	if engine == nil {
		return false
	}
	return engine.IsSyncing(accountID)
}

// AddGroup creates a new group.
func (r *Registry) AddGroup(name string) *Group {
	g := &Group{ID: idgen.Group(), Name: name}
	r.mu.Lock()
	r.groups[g.ID] = g
	r.saveDebounced()
	r.mu.Unlock()
	return g
}

// RemoveGroup deletes groupID, reparenting its accounts to the default
// group. The default group itself can never be removed.
func (r *Registry) RemoveGroup(groupID string) error {
	if groupID == constants.DefaultGroupID {
		return ErrDefaultGroup
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[groupID]; !ok {
		return ErrNotFound
	}
	delete(r.groups, groupID)
	for _, a := range r.accounts {
		if a.GroupID == groupID {
			a.GroupID = constants.DefaultGroupID
		}
	}
	r.saveDebounced()
	return nil
}

// Settings returns a copy of the current registry settings.
func (r *Registry) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings replaces the registry settings.
func (r *Registry) UpdateSettings(s Settings) {
	r.mu.Lock()
	r.settings = s
	r.saveDebounced()
	r.mu.Unlock()
	r.publish(&events.ConfigChangedEvent{
		BaseEvent: events.BaseEvent{EventType: events.EventConfigChanged, Time: time.Now()},
		Source:    "settings",
	})
}
