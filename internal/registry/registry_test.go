package registry

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rescale-labs/accountbridge/internal/constants"
	"github.com/rescale-labs/accountbridge/internal/credstore"
	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/provider"
	"github.com/rescale-labs/accountbridge/internal/sessionpool"
)

func newTestRegistry(t *testing.T) (*Registry, *credstore.Store, *events.EventBus) {
	t.Helper()
	dir := t.TempDir()

	creds, err := credstore.New(filepath.Join(dir, ".sessions.enc"), filepath.Join(dir, ".salt.bin"))
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}

	bus := events.NewEventBus(50)
	t.Cleanup(bus.Close)

	factory := func(accountID string) provider.Client { return provider.NewFakeClient() }
	pool := sessionpool.New(5, creds, factory, bus)

	r, err := New(filepath.Join(dir, "accounts.json"), creds, pool, factory, bus)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r, creds, bus
}

func TestAddAccountRegistersAndStoresSession(t *testing.T) {
	r, creds, _ := newTestRegistry(t)

	account, err := r.AddAccount(context.Background(), "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}
	if account.Email != "alice@example.com" {
		t.Fatalf("unexpected email: %s", account.Email)
	}
	if !account.IsDefault {
		t.Fatal("expected the first account added to be the default")
	}
	if r.ActiveAccountID() != account.ID {
		t.Fatalf("expected %s to be active, got %s", account.ID, r.ActiveAccountID())
	}

	token, err := creds.Retrieve(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty stored session token")
	}
}

func TestAddAccountPublishesEvent(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	ch := bus.Subscribe(events.EventAccountAdded)

	account, err := r.AddAccount(context.Background(), "bob@example.com", "pw")
	if err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}

	ev := <-ch
	accEv, ok := ev.(*events.AccountEvent)
	if !ok || accEv.AccountID != account.ID {
		t.Fatalf("expected account_added for %s, got %+v", account.ID, ev)
	}
}

func TestAddAccountFailurePublishesAddFailed(t *testing.T) {
	r, _, bus := newTestRegistry(t)
	r.factory = func(accountID string) provider.Client {
		fc := provider.NewFakeClient()
		fc.LoginErr = provider.NewError(provider.ErrCodeAuth, "bad credentials")
		return fc
	}
	ch := bus.Subscribe(events.EventAccountAddFailed)

	_, err := r.AddAccount(context.Background(), "carol@example.com", "wrong")
	if err == nil {
		t.Fatal("expected an error from AddAccount")
	}

	ev := <-ch
	accEv, ok := ev.(*events.AccountEvent)
	if !ok || accEv.Email != "carol@example.com" {
		t.Fatalf("expected account_add_failed for carol, got %+v", ev)
	}
}

func TestSecondAccountIsNotDefault(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first, _ := r.AddAccount(context.Background(), "first@example.com", "pw")
	second, _ := r.AddAccount(context.Background(), "second@example.com", "pw")

	if !first.IsDefault {
		t.Fatal("expected first account to be default")
	}
	if second.IsDefault {
		t.Fatal("expected second account not to be default")
	}
	if r.ActiveAccountID() != first.ID {
		t.Fatalf("expected active account to remain %s, got %s", first.ID, r.ActiveAccountID())
	}
}

func TestSwitchTo(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	first, _ := r.AddAccount(context.Background(), "first@example.com", "pw")
	second, _ := r.AddAccount(context.Background(), "second@example.com", "pw")

	if err := r.SwitchTo(second.ID); err != nil {
		t.Fatalf("SwitchTo failed: %v", err)
	}
	if r.ActiveAccountID() != second.ID {
		t.Fatalf("expected active account %s, got %s", second.ID, r.ActiveAccountID())
	}

	if err := r.SwitchTo("acc-does-not-exist"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if r.ActiveAccountID() != second.ID {
		t.Fatal("switching to an unknown account must not change the active account")
	}
	_ = first
}

func TestRemoveAccountDeletesSessionWhenRequested(t *testing.T) {
	r, creds, _ := newTestRegistry(t)
	account, _ := r.AddAccount(context.Background(), "doomed@example.com", "pw")

	if err := r.RemoveAccount(account.ID, true); err != nil {
		t.Fatalf("RemoveAccount failed: %v", err)
	}
	if _, err := creds.Retrieve(context.Background(), account.ID); err != credstore.ErrNotFound {
		t.Fatalf("expected session to be gone, got %v", err)
	}
	for _, a := range r.AllAccounts() {
		if a.ID == account.ID {
			t.Fatal("expected account to be removed from the registry")
		}
	}
}

func TestRemoveAccountKeepsSessionByDefault(t *testing.T) {
	r, creds, _ := newTestRegistry(t)
	account, _ := r.AddAccount(context.Background(), "keep-session@example.com", "pw")

	if err := r.RemoveAccount(account.ID, false); err != nil {
		t.Fatalf("RemoveAccount failed: %v", err)
	}
	if _, err := creds.Retrieve(context.Background(), account.ID); err != nil {
		t.Fatalf("expected session to survive removal, got error: %v", err)
	}
}

func TestSearchAndFindByLabel(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	account, _ := r.AddAccount(context.Background(), "research@example.com", "pw")
	if _, err := r.UpdateAccount(account.ID, func(a *Account) {
		a.DisplayName = "Research Cluster"
		a.Labels = []string{"prod", "west"}
	}); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	if got := r.Search("cluster"); len(got) != 1 || got[0].ID != account.ID {
		t.Fatalf("expected display-name match, got %+v", got)
	}
	if got := r.Search("research"); len(got) != 1 {
		t.Fatalf("expected email match, got %+v", got)
	}
	if got := r.FindByLabel("prod"); len(got) != 1 || got[0].ID != account.ID {
		t.Fatalf("expected label match, got %+v", got)
	}
	if got := r.FindByLabel("staging"); len(got) != 0 {
		t.Fatalf("expected no match for unused label, got %+v", got)
	}
}

func TestGroupsDefaultGroupCannotBeRemoved(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if err := r.RemoveGroup(constants.DefaultGroupID); err != ErrDefaultGroup {
		t.Fatalf("expected ErrDefaultGroup, got %v", err)
	}
}

func TestRemoveGroupReparentsAccounts(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	account, _ := r.AddAccount(context.Background(), "grouped@example.com", "pw")
	group := r.AddGroup("Work")
	if _, err := r.UpdateAccount(account.ID, func(a *Account) { a.GroupID = group.ID }); err != nil {
		t.Fatalf("UpdateAccount failed: %v", err)
	}

	if err := r.RemoveGroup(group.ID); err != nil {
		t.Fatalf("RemoveGroup failed: %v", err)
	}
	accounts := r.AccountsInGroup(constants.DefaultGroupID)
	if len(accounts) != 1 || accounts[0].ID != account.ID {
		t.Fatalf("expected account reparented to default group, got %+v", accounts)
	}
}

func TestIsSyncingWithoutEngineIsFalse(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	if r.IsSyncing("acc-anything") {
		t.Fatal("expected IsSyncing to be false with no engine wired")
	}
}

type fakeSyncChecker struct{ syncing map[string]bool }

func (f *fakeSyncChecker) IsSyncing(accountID string) bool { return f.syncing[accountID] }

func TestIsSyncingDelegatesToWiredEngine(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.SetEngine(&fakeSyncChecker{syncing: map[string]bool{"acc-busy": true}})

	if !r.IsSyncing("acc-busy") {
		t.Fatal("expected IsSyncing to report true once wired")
	}
	if r.IsSyncing("acc-idle") {
		t.Fatal("expected IsSyncing to report false for an unrelated account")
	}
}

func TestPersistenceReloadsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	creds, err := credstore.New(filepath.Join(dir, ".sessions.enc"), filepath.Join(dir, ".salt.bin"))
	if err != nil {
		t.Fatalf("credstore.New failed: %v", err)
	}
	factory := func(accountID string) provider.Client { return provider.NewFakeClient() }
	pool := sessionpool.New(5, creds, factory, nil)

	r1, err := New(path, creds, pool, factory, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	account, err := r1.AddAccount(context.Background(), "persist@example.com", "pw")
	if err != nil {
		t.Fatalf("AddAccount failed: %v", err)
	}
	if err := r1.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	r2, err := New(path, creds, pool, factory, nil)
	if err != nil {
		t.Fatalf("reload New failed: %v", err)
	}
	reloaded := r2.AllAccounts()
	if len(reloaded) != 1 || reloaded[0].ID != account.ID {
		t.Fatalf("expected the persisted account to reload, got %+v", reloaded)
	}
	if r2.ActiveAccountID() != account.ID {
		t.Fatalf("expected active account to survive reload, got %s", r2.ActiveAccountID())
	}
}
