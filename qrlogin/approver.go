package qrlogin

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mailio/go-mailio-keyshare/types"
)

type ApproverState string

const (
	ApproverIdle       ApproverState = "idle"
	ApproverLoading    ApproverState = "loading"
	ApproverConfirming ApproverState = "confirming"
	ApproverApproving  ApproverState = "approving"
	ApproverDone       ApproverState = "done"
	ApproverError      ApproverState = "error"
)

var (
	ErrInvalidState  = errors.New("invalid state for this action")
	ErrUnknownServer = errors.New("qr code belongs to another server")

	shortCodeRegex = regexp.MustCompile(`^\d{8}$`)
)

// DeviceShareSource returns the locally held device share (hex) and its version
type DeviceShareSource interface {
	DeviceShare(ctx context.Context) (string, *int, error)
}

type DeviceShareSourceFunc func(ctx context.Context) (string, *int, error)

func (f DeviceShareSourceFunc) DeviceShare(ctx context.Context) (string, *int, error) {
	return f(ctx)
}

// Approver is the logged in device side. A session is never approved without an explicit
// Approve call from the confirming state.
type Approver struct {
	relay       Relay
	serverURL   string
	shares      DeviceShareSource
	approverDID string
	accountHint string

	mu      sync.Mutex
	state   ApproverState
	session *types.QrLoginSessionInfo
	err     error
}

func NewApprover(relay Relay, serverURL string, shares DeviceShareSource, approverDID string, accountHint string) *Approver {
	return &Approver{
		relay:       relay,
		serverURL:   serverURL,
		shares:      shares,
		approverDID: approverDID,
		accountHint: accountHint,
		state:       ApproverIdle,
	}
}

func (a *Approver) State() ApproverState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Session is the session waiting for confirmation
func (a *Approver) Session() *types.QrLoginSessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Err is the error that moved the approver into the error state
func (a *Approver) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Approver) fail(err error) error {
	a.mu.Lock()
	a.state = ApproverError
	a.err = err
	a.mu.Unlock()
	return err
}

// Load resolves a scanned QR payload or a typed short code. An unreadable QR code returns
// ErrManualEntryRequired and leaves the approver idle for short code entry.
func (a *Approver) Load(ctx context.Context, input string) error {
	a.mu.Lock()
	if a.state != ApproverIdle {
		a.mu.Unlock()
		return ErrInvalidState
	}
	a.mu.Unlock()

	input = strings.TrimSpace(input)
	lookup := input
	expectedKey := ""
	if !shortCodeRegex.MatchString(input) {
		qr, err := ParseQRPayload(input)
		if err != nil {
			return err
		}
		if !sameServer(qr.ServerURL, a.serverURL) {
			return ErrUnknownServer
		}
		lookup = qr.SessionID
		expectedKey = qr.PublicKey
	}

	a.mu.Lock()
	a.state = ApproverLoading
	a.err = nil
	a.mu.Unlock()

	info, err := a.relay.GetSession(ctx, lookup)
	if err != nil {
		return a.fail(err)
	}
	if info.Status != types.QrLoginStatusPending {
		return a.fail(ErrSessionAlreadyApproved)
	}
	if expectedKey != "" && info.PublicKey != expectedKey {
		return a.fail(fmt.Errorf("session key differs from the qr code: %w", ErrInvalidPublicKey))
	}

	a.mu.Lock()
	a.session = info
	a.state = ApproverConfirming
	a.mu.Unlock()
	return nil
}

// Approve seals the device share to the requester's key and hands it to the relay
func (a *Approver) Approve(ctx context.Context) error {
	a.mu.Lock()
	if a.state != ApproverConfirming || a.session == nil {
		a.mu.Unlock()
		return ErrInvalidState
	}
	a.state = ApproverApproving
	session := a.session
	a.mu.Unlock()

	share, version, err := a.shares.DeviceShare(ctx)
	if err != nil {
		return a.fail(err)
	}
	sealed, err := Seal(session.PublicKey, &DevicePayload{
		DeviceShare:  share,
		ShareVersion: version,
		ApproverDID:  a.approverDID,
		AccountHint:  a.accountHint,
	})
	if err != nil {
		return a.fail(err)
	}
	err = a.relay.Approve(ctx, session.SessionID, types.QrLoginApproveRequest{
		EncryptedDeviceShare: sealed,
		ApproverDID:          a.approverDID,
		RequesterPublicKey:   session.PublicKey,
	})
	if err != nil {
		return a.fail(err)
	}

	a.mu.Lock()
	a.state = ApproverDone
	a.mu.Unlock()
	return nil
}

// Deny drops the loaded session without approving it
func (a *Approver) Deny() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != ApproverConfirming {
		return ErrInvalidState
	}
	a.state = ApproverIdle
	a.session = nil
	return nil
}

// Reset returns to idle from any state
func (a *Approver) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = ApproverIdle
	a.session = nil
	a.err = nil
}
