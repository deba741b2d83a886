package embedauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// ErrMissingDeployment indicates no deployment identifier was configured, so the
// workflow cannot advance past HaveCredential.
var ErrMissingDeployment = errors.New("deployment id not configured")

// OrchestratorConfig holds the inputs of the session exchange.
type OrchestratorConfig struct {
	// APIKey is the long-lived key used to generate sessions.
	APIKey string

	// DeploymentID identifies the target deployment.
	DeploymentID int

	// ExternalID identifies the embedding user (default: DefaultExternalID).
	ExternalID string

	// Ephemeral requests an ephemeral embed session.
	Ephemeral bool
}

// Orchestrator drives the ordered acquisition of an embed token, the deployment
// descriptor and an API token. It is safe for concurrent use.
//
// Every step fires only when the previous step's output is present and no request
// for the step is outstanding, so repeated calls to Trigger never issue duplicate
// requests. Failures are logged, reset the workflow to StateNoCredential and halt
// it until Reset is called.
type Orchestrator struct {
	cfg         OrchestratorConfig
	auth        AuthService
	deployments DeploymentService
	cache       *CredentialCache

	log        logr.Logger
	metrics    *Metrics
	newBackOff func() backoff.BackOff
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	state        State
	generation   uint64
	inflight     map[string]bool
	sessionID    string
	credential   *Credential
	deployment   *Deployment
	apiToken     string
	tokenFetched bool
	halted       bool
	closed       bool
	err          error
	changed      chan struct{}
}

// NewOrchestrator creates an orchestrator and reads the cached credential once.
// No request is issued until Trigger or Wait is called.
func NewOrchestrator(cfg OrchestratorConfig, auth AuthService, deployments DeploymentService, cache *CredentialCache, opts ...Option) *Orchestrator {
	if cfg.ExternalID == "" {
		cfg.ExternalID = DefaultExternalID
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:         cfg,
		auth:        auth,
		deployments: deployments,
		cache:       cache,
		log:         logr.Discard(),
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		inflight:    make(map[string]bool),
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.state = StateNoCredential
	if cache != nil {
		cred, err := cache.LoadAt(ctx, o.now())
		switch {
		case err != nil:
			o.log.Error(err, "could not read cached credential, starting without one")
		case cred != nil && !cred.IsExpired(o.now()):
			o.credential = cred
			o.state = StateHaveCredential
			o.log.V(1).Info("using cached credential", "expiresAt", cred.ExpiresAt)
		}
	}
	o.metrics.setState(o.state)

	return o
}

// State returns the current workflow state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Err returns the failure that halted the workflow, if any.
func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Credential returns the embed token currently held, or nil.
func (o *Orchestrator) Credential() *Credential {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.credential == nil {
		return nil
	}
	cred := *o.credential
	return &cred
}

// Trigger advances whichever automatic transition is enabled in the current state.
// It never blocks on I/O and is idempotent while a step is in flight.
func (o *Orchestrator) Trigger() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.advanceLocked()
}

// Reset discards every credential held in memory, clears a recorded failure and
// starts the workflow over from StateNoCredential.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.halted = false
	o.err = nil
	o.resetLocked()
	o.advanceLocked()
}

// Endpoint returns the resolved endpoint when the workflow is Ready. An expired
// credential is detected here and restarts the exchange.
func (o *Orchestrator) Endpoint() (Endpoint, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpointLocked()
}

// Wait triggers the workflow and blocks until it is Ready, it halts on a
// failure, or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) (Endpoint, error) {
	o.Trigger()

	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return Endpoint{}, ErrClosed
		}
		if ep, ok := o.endpointLocked(); ok {
			o.mu.Unlock()
			return ep, nil
		}
		if o.halted {
			err := o.err
			o.mu.Unlock()
			return Endpoint{}, err
		}
		if o.state == StateHaveCredential && o.cfg.DeploymentID == 0 {
			o.mu.Unlock()
			return Endpoint{}, ErrMissingDeployment
		}
		changed := o.changed
		o.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return Endpoint{}, ctx.Err()
		}
	}
}

// Close cancels outstanding requests and waits for them to return.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.cancel()
	o.broadcastLocked()
	o.mu.Unlock()

	o.wg.Wait()
	return nil
}

func (o *Orchestrator) endpointLocked() (Endpoint, bool) {
	if o.state != StateReady {
		return Endpoint{}, false
	}
	if o.credential.IsExpired(o.now()) {
		o.log.Info("credential expired, restarting exchange", "expiresAt", o.credential.ExpiresAt)
		o.resetLocked()
		o.advanceLocked()
		return Endpoint{}, false
	}
	return Endpoint{
		APIURL:   o.deployment.APIURL(),
		APIToken: o.apiToken,
	}, true
}

// advanceLocked fires the request for the current state if its guard holds.
func (o *Orchestrator) advanceLocked() {
	if o.closed || o.halted {
		return
	}

	switch o.state {
	case StateNoCredential:
		if o.sessionID != "" || o.inflight[StepGenerateSession] {
			return
		}
		o.setStateLocked(StateAwaitingSession)
		o.startLocked(StepGenerateSession, o.generateSession)

	case StateAwaitingCredential:
		if o.sessionID == "" || o.inflight[StepExchangeSession] {
			return
		}
		sessionID := o.sessionID
		o.startLocked(StepExchangeSession, func(ctx context.Context) (func(), error) {
			return o.exchangeSession(ctx, sessionID)
		})

	case StateHaveCredential:
		if o.credential.IsExpired(o.now()) {
			o.log.Info("credential expired, restarting exchange", "expiresAt", o.credential.ExpiresAt)
			o.resetLocked()
			o.advanceLocked()
			return
		}
		if o.cfg.DeploymentID == 0 || o.tokenFetched || o.inflight[stepResolve] {
			return
		}
		o.tokenFetched = true
		token := o.credential.Token
		o.setStateLocked(StateAwaitingDeployment)
		o.startLocked(stepResolve, func(ctx context.Context) (func(), error) {
			return o.resolveEndpoint(ctx, token)
		})

	case StateReady:
		if o.credential.IsExpired(o.now()) {
			o.log.Info("credential expired, restarting exchange", "expiresAt", o.credential.ExpiresAt)
			o.resetLocked()
			o.advanceLocked()
		}
	}
}

// stepFunc performs a step's I/O without holding the lock and returns a function
// that applies the result under the lock.
type stepFunc func(ctx context.Context) (apply func(), err error)

func (o *Orchestrator) startLocked(step string, fn stepFunc) {
	o.inflight[step] = true
	generation := o.generation

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		apply, err := fn(o.ctx)

		o.mu.Lock()
		defer o.mu.Unlock()
		o.inflight[step] = false

		switch {
		case o.closed:
			return
		case generation != o.generation:
			o.log.V(1).Info("discarding result of superseded request", "step", step)
		case err != nil:
			o.failLocked(step, err)
			return
		default:
			apply()
		}
		o.advanceLocked()
	}()
}

func (o *Orchestrator) generateSession(ctx context.Context) (func(), error) {
	var sessionID string
	err := o.do(ctx, StepGenerateSession, func(ctx context.Context) error {
		id, err := o.auth.GenerateSession(ctx, SessionRequest{
			APIKey:       o.cfg.APIKey,
			DeploymentID: o.cfg.DeploymentID,
			ExternalID:   o.cfg.ExternalID,
			Ephemeral:    o.cfg.Ephemeral,
		})
		if err != nil {
			return err
		}
		if id == "" {
			return errors.New("empty session id")
		}
		sessionID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		o.sessionID = sessionID
		o.setStateLocked(StateAwaitingCredential)
	}, nil
}

func (o *Orchestrator) exchangeSession(ctx context.Context, sessionID string) (func(), error) {
	var cred *Credential
	err := o.do(ctx, StepExchangeSession, func(ctx context.Context) error {
		token, err := o.auth.ExchangeSession(ctx, sessionID)
		if err != nil {
			return err
		}
		cred, err = ParseCredential(token)
		if err != nil {
			return err
		}
		if cred.IsExpired(o.now()) {
			return fmt.Errorf("%w at %s", ErrTokenExpired, cred.ExpiresAt.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if o.cache != nil {
		if err := o.cache.Save(ctx, cred); err != nil {
			o.log.Error(err, "could not persist credential, keeping it in memory only")
		}
	}

	return func() {
		o.sessionID = ""
		o.credential = cred
		o.tokenFetched = false
		o.setStateLocked(StateHaveCredential)
	}, nil
}

func (o *Orchestrator) resolveEndpoint(ctx context.Context, token string) (func(), error) {
	var (
		deployment Deployment
		apiToken   string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.do(gctx, StepFetchDeployment, func(ctx context.Context) error {
			d, err := o.deployments.GetDeployment(ctx, o.cfg.DeploymentID, token)
			if err != nil {
				return err
			}
			if d.DeploymentURL == "" {
				return errors.New("deployment has no url")
			}
			deployment = d
			return nil
		})
	})
	g.Go(func() error {
		return o.do(gctx, StepFetchAPIToken, func(ctx context.Context) error {
			t, err := o.deployments.GetAPIToken(ctx, o.cfg.DeploymentID, token)
			if err != nil {
				return err
			}
			if t == "" {
				return errors.New("empty api token")
			}
			apiToken = t
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return func() {
		o.deployment = &deployment
		o.apiToken = apiToken
		o.setStateLocked(StateReady)
		o.log.Info("endpoint ready", "apiUrl", deployment.APIURL())
	}, nil
}

// do runs a single request for step, retrying temporary failures when a retry
// policy is configured.
func (o *Orchestrator) do(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	start := time.Now()

	var err error
	if o.newBackOff == nil {
		err = fn(ctx)
	} else {
		err = backoff.Retry(func() error {
			err := fn(ctx)
			if err == nil {
				return nil
			}
			if !IsTemporary(err) {
				return backoff.Permanent(err)
			}
			o.log.V(1).Info("retrying request", "step", step, "error", err.Error())
			return err
		}, backoff.WithContext(o.newBackOff(), ctx))
	}

	o.metrics.observe(step, err, time.Since(start))
	return WrapError(step, "request", "", err)
}

func (o *Orchestrator) failLocked(step string, err error) {
	o.log.Error(err, "workflow step failed", "step", step, "state", o.state.String())
	o.err = err
	o.resetLocked()
	o.halted = true
	o.broadcastLocked()
}

func (o *Orchestrator) resetLocked() {
	o.generation++
	o.sessionID = ""
	o.credential = nil
	o.deployment = nil
	o.apiToken = ""
	o.tokenFetched = false
	o.setStateLocked(StateNoCredential)
}

func (o *Orchestrator) setStateLocked(s State) {
	if o.state != s {
		o.log.V(1).Info("state transition", "from", o.state.String(), "to", s.String())
	}
	o.state = s
	o.metrics.setState(s)
	o.broadcastLocked()
}

// broadcastLocked wakes every Wait call blocked on the current change channel.
func (o *Orchestrator) broadcastLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}
