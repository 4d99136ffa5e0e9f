package qrlogin

import (
	"context"
	"errors"
	"sync"
	"time"
)

type RequesterState string

const (
	RequesterIdle      RequesterState = "idle"
	RequesterCreating  RequesterState = "creating"
	RequesterWaiting   RequesterState = "waiting"
	RequesterApproved  RequesterState = "approved"
	RequesterExpired   RequesterState = "expired"
	RequesterCancelled RequesterState = "cancelled"
	RequesterError     RequesterState = "error"
)

const DefaultPollInterval = 2 * time.Second

var ErrCancelled = errors.New("cancelled")

// Ticket is what the requester shows to the user while waiting
type Ticket struct {
	SessionID string
	ShortCode string
	QRPayload string
	ExpiresAt time.Time
}

// Approval is the outcome of an approved session
type Approval struct {
	DeviceShare  string
	ShareVersion *int
	ApproverDID  string
	AccountHint  string
}

// run is one session attempt. A restart creates a new run, so late results of an old run
// can never leak into the new one.
type run struct {
	cancel   context.CancelFunc
	done     chan struct{}
	polling  bool
	ticket   Ticket
	approval *Approval
	err      error
}

// Requester is the new device side: it registers a session, renders the QR payload and
// polls until the session is approved, expires or is cancelled. One goroutine per session
// owns both the poll ticker and the deadline, so cancelling stops both.
type Requester struct {
	relay        Relay
	serverURL    string
	pollInterval time.Duration

	mu    sync.Mutex
	state RequesterState
	cur   *run
}

type RequesterOption func(*Requester)

func WithPollInterval(d time.Duration) RequesterOption {
	return func(r *Requester) { r.pollInterval = d }
}

func NewRequester(relay Relay, serverURL string, opts ...RequesterOption) *Requester {
	r := &Requester{
		relay:        relay,
		serverURL:    serverURL,
		pollInterval: DefaultPollInterval,
		state:        RequesterIdle,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Requester) State() RequesterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Remaining is the countdown shown next to the QR code, zero unless waiting
func (r *Requester) Remaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RequesterWaiting || r.cur == nil {
		return 0
	}
	left := time.Until(r.cur.ticket.ExpiresAt)
	if left < 0 {
		return 0
	}
	return left
}

// Start creates a fresh session. Called again it cancels the running session and restarts;
// an expired session is never retried.
func (r *Requester) Start(ctx context.Context) (*Ticket, error) {
	r.Cancel()

	// the run exists from the first moment so a Cancel during creation is not lost
	runCtx, cancel := context.WithCancel(context.Background())
	cur := &run{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.state = RequesterCreating
	r.cur = cur
	r.mu.Unlock()

	// creation stops on either the caller's context or a Cancel; polling outlives ctx
	createCtx, stopCreate := context.WithCancel(ctx)
	unlink := context.AfterFunc(runCtx, stopCreate)
	ticket, keys, err := r.create(createCtx)
	unlink()
	stopCreate()
	if err != nil {
		cancelled := runCtx.Err() != nil
		cancel()
		if cancelled && ctx.Err() == nil {
			err = ErrCancelled
			r.finish(cur, RequesterCancelled, nil, err)
		} else {
			r.finish(cur, RequesterError, nil, err)
		}
		close(cur.done)
		return nil, err
	}

	// deadline of the session on top of the cancel of the run
	pollCtx, stop := context.WithDeadline(runCtx, ticket.ExpiresAt)
	r.mu.Lock()
	if runCtx.Err() != nil || r.cur != cur || r.state == RequesterCancelled {
		r.mu.Unlock()
		stop()
		keys.Wipe()
		r.finish(cur, RequesterCancelled, nil, ErrCancelled)
		close(cur.done)
		return nil, ErrCancelled
	}
	cur.ticket = *ticket
	cur.cancel = func() { stop(); cancel() }
	cur.polling = true
	r.state = RequesterWaiting
	r.mu.Unlock()

	go r.poll(pollCtx, cur, keys)
	return ticket, nil
}

// create registers a session with a fresh key pair and builds the ticket
func (r *Requester) create(ctx context.Context) (*Ticket, *KeyPair, error) {
	keys, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	session, err := r.relay.CreateSession(ctx, keys.PublicKeyString())
	if err != nil {
		keys.Wipe()
		return nil, nil, err
	}
	if ctx.Err() != nil {
		keys.Wipe()
		return nil, nil, ctx.Err()
	}
	qr, err := EncodeQRPayload(QRPayload{
		SessionID: session.SessionID,
		PublicKey: keys.PublicKeyString(),
		ServerURL: r.serverURL,
	})
	if err != nil {
		keys.Wipe()
		return nil, nil, err
	}
	return &Ticket{
		SessionID: session.SessionID,
		ShortCode: session.ShortCode,
		QRPayload: qr,
		ExpiresAt: time.Now().Add(time.Duration(session.ExpiresInSeconds) * time.Second),
	}, keys, nil
}

func (r *Requester) setState(s RequesterState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// finish records the outcome of a run, unless a newer run replaced it
func (r *Requester) finish(cur *run, state RequesterState, approval *Approval, err error) {
	r.mu.Lock()
	cur.approval = approval
	cur.err = err
	if r.cur == cur {
		r.state = state
	}
	r.mu.Unlock()
}

func (r *Requester) poll(ctx context.Context, cur *run, keys *KeyPair) {
	defer close(cur.done)
	defer cur.cancel()
	defer keys.Wipe()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				r.finish(cur, RequesterExpired, nil, ErrSessionExpired)
			} else {
				r.finish(cur, RequesterCancelled, nil, ErrCancelled)
			}
			return
		case <-ticker.C:
		}

		res, err := r.relay.Result(ctx, cur.ticket.SessionID)
		if err != nil {
			if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionNotFound) {
				r.finish(cur, RequesterExpired, nil, ErrSessionExpired)
				return
			}
			// network and server errors are retried until the deadline
			continue
		}
		if res.EncryptedDeviceShare == "" {
			continue
		}
		payload, err := Open(keys, res.EncryptedDeviceShare)
		if err != nil {
			r.finish(cur, RequesterError, nil, err)
			return
		}
		approverDID := payload.ApproverDID
		if approverDID == "" {
			approverDID = res.ApproverDID
		}
		r.finish(cur, RequesterApproved, &Approval{
			DeviceShare:  payload.DeviceShare,
			ShareVersion: payload.ShareVersion,
			ApproverDID:  approverDID,
			AccountHint:  payload.AccountHint,
		}, nil)
		return
	}
}

// Wait blocks until the current session ends and returns its approval or the terminal error
// (ErrSessionExpired, ErrCancelled, a decryption error)
func (r *Requester) Wait(ctx context.Context) (*Approval, error) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil {
		return nil, errors.New("no session started")
	}
	select {
	case <-cur.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return cur.approval, cur.err
}

// Cancel stops the poll and the countdown of the running session and returns once both
// stopped. While the session is still being created it returns at once and Start fails with
// ErrCancelled. Safe to call at any time and more than once.
func (r *Requester) Cancel() {
	r.mu.Lock()
	cur := r.cur
	if cur == nil {
		r.mu.Unlock()
		return
	}
	cancel := cur.cancel
	if !cur.polling {
		// Start sees the cancelled run once the relay returns and never begins polling
		if r.state == RequesterCreating {
			r.state = RequesterCancelled
		}
		cancel()
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	cancel()
	<-cur.done
}
