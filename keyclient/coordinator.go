package keyclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/mailio/go-mailio-keyshare/global"
	"github.com/mailio/go-mailio-keyshare/recovery"
	"github.com/mailio/go-mailio-keyshare/types"
)

type Status string

const (
	StatusIdle           Status = "idle"
	StatusNeedsSetup     Status = "needs_setup"
	StatusNeedsMigration Status = "needs_migration"
	StatusNeedsRecovery  Status = "needs_recovery"
	StatusReady          Status = "ready"
	StatusError          Status = "error"
)

// State is the combined authentication and key state of the signed in user
type State struct {
	Status          Status
	User            *types.AuthUser
	DID             string
	RecoveryMethods []types.RecoveryMethodInfo
	Err             error
}

// Coordinator decides what a signed in user has to do before the key is usable
type Coordinator struct {
	manager  *Manager
	onChange func(State)

	mu    sync.Mutex
	state State
}

func NewCoordinator(manager *Manager, onChange func(State)) *Coordinator {
	return &Coordinator{
		manager:  manager,
		onChange: onChange,
		state:    State{Status: StatusIdle},
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) set(s State) State {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange(s)
	}
	return s
}

func (c *Coordinator) fail(user *types.AuthUser, err error) State {
	return c.set(State{Status: StatusError, User: user, Err: err})
}

// Initialize resolves the state from the auth provider, the local vault and the server record
func (c *Coordinator) Initialize(ctx context.Context) State {
	user, err := c.manager.auth.GetCurrentUser(ctx)
	if err != nil {
		return c.fail(nil, err)
	}
	if user == nil {
		return c.set(State{Status: StatusIdle})
	}

	record, err := c.manager.server.GetAuthShare(ctx, nil)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return c.fail(user, err)
	}
	if err != nil || !record.Exists {
		return c.set(State{Status: StatusNeedsSetup, User: user})
	}
	if record.KeyProvider == types.KeyProviderWeb3Auth {
		return c.set(State{Status: StatusNeedsMigration, User: user})
	}

	needsRecovery := State{Status: StatusNeedsRecovery, User: user, RecoveryMethods: record.RecoveryMethods}
	hasLocal, err := c.manager.HasLocalShare(ctx)
	if err != nil {
		return c.fail(user, err)
	}
	if !hasLocal || record.AuthShare == nil {
		return c.set(needsRecovery)
	}

	did, err := c.manager.Login(ctx)
	switch {
	case err == nil:
		return c.set(State{Status: StatusReady, User: user, DID: did, RecoveryMethods: record.RecoveryMethods})
	case errors.Is(err, ErrDIDMismatch), errors.Is(err, types.ErrShareVersionUnavailable):
		// the device share belongs to another key or to an evicted version
		level.Warn(global.Logger).Log("msg", "stale device share, recovery required", "error", err)
		if fErr := c.manager.ForgetDeviceShare(ctx); fErr != nil {
			level.Error(global.Logger).Log("msg", "failed to remove stale device share", "error", fErr)
		}
		return c.set(needsRecovery)
	default:
		return c.fail(user, err)
	}
}

func (c *Coordinator) expect(status Status) (*types.AuthUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Status != status {
		return nil, fmt.Errorf("cannot do this in state %s", c.state.Status)
	}
	return c.state.User, nil
}

// Setup creates the key of a new user
func (c *Coordinator) Setup(ctx context.Context) (State, error) {
	user, err := c.expect(StatusNeedsSetup)
	if err != nil {
		return c.State(), err
	}
	did, err := c.manager.Setup(ctx)
	if err != nil {
		return c.fail(user, err), err
	}
	return c.set(State{Status: StatusReady, User: user, DID: did}), nil
}

// Migrate moves the legacy key onto shares
func (c *Coordinator) Migrate(ctx context.Context, seed []byte) (State, error) {
	user, err := c.expect(StatusNeedsMigration)
	if err != nil {
		return c.State(), err
	}
	did, err := c.manager.Migrate(ctx, seed)
	if err != nil {
		return c.fail(user, err), err
	}
	return c.set(State{Status: StatusReady, User: user, DID: did}), nil
}

// Recover restores the key with a recovery method. A failed method keeps the recovery state
// so another method can be tried.
func (c *Coordinator) Recover(ctx context.Context, method recovery.Method) (State, error) {
	c.mu.Lock()
	prev := c.state
	c.mu.Unlock()
	if prev.Status != StatusNeedsRecovery {
		return prev, fmt.Errorf("cannot do this in state %s", prev.Status)
	}
	did, err := c.manager.Recover(ctx, method)
	if err != nil {
		return prev, err
	}
	return c.set(State{Status: StatusReady, User: prev.User, DID: did, RecoveryMethods: prev.RecoveryMethods}), nil
}

// Logout clears the key and all local shares
func (c *Coordinator) Logout(ctx context.Context) error {
	err := c.manager.Logout(ctx)
	if so, ok := c.manager.auth.(interface{ SignOut() }); ok {
		so.SignOut()
	}
	c.set(State{Status: StatusIdle})
	return err
}
