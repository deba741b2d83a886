package embedauth_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/blackwell-systems/embedauth"
	"github.com/blackwell-systems/embedauth/mock"
)

// fakeCloud implements AuthService and DeploymentService and records every call.
type fakeCloud struct {
	mu    sync.Mutex
	calls []string
	reqs  []embedauth.SessionRequest
	next  int

	// token returns the embed token handed out by the n-th exchange (0-based).
	token         func(n int) string
	deploymentURL string
	apiToken      string

	generateErr   error
	exchangeErr   error
	deploymentErr error
	apiTokenErr   error

	// gates block the first call of a step until the channel is closed.
	gates map[string]chan struct{}
}

func newFakeCloud(now func() time.Time) *fakeCloud {
	return &fakeCloud{
		token: func(int) string {
			return tokenExpiringAt(now().Add(time.Hour))
		},
		deploymentURL: "https://acme.cubecloudapp.dev",
		apiToken:      "api-token-1",
		gates:         make(map[string]chan struct{}),
	}
}

func (f *fakeCloud) gate(step string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[step] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeCloud) record(ctx context.Context, step, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	ch := f.gates[step]
	delete(f.gates, step)
	f.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeCloud) GenerateSession(ctx context.Context, req embedauth.SessionRequest) (string, error) {
	if err := f.record(ctx, embedauth.StepGenerateSession, "generate"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return fmt.Sprintf("sess-%d", len(f.reqs)), nil
}

func (f *fakeCloud) ExchangeSession(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	n := f.next
	f.next++
	f.mu.Unlock()

	if err := f.record(ctx, embedauth.StepExchangeSession, "exchange:"+sessionID); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return "", f.exchangeErr
	}
	return f.token(n), nil
}

func (f *fakeCloud) GetDeployment(ctx context.Context, id int, embedToken string) (embedauth.Deployment, error) {
	if err := f.record(ctx, embedauth.StepFetchDeployment, fmt.Sprintf("deployment:%d", id)); err != nil {
		return embedauth.Deployment{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deploymentErr != nil {
		return embedauth.Deployment{}, f.deploymentErr
	}
	return embedauth.Deployment{ID: id, DeploymentURL: f.deploymentURL}, nil
}

func (f *fakeCloud) GetAPIToken(ctx context.Context, id int, embedToken string) (string, error) {
	if err := f.record(ctx, embedauth.StepFetchAPIToken, fmt.Sprintf("api-token:%d", id)); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.apiTokenErr != nil {
		return "", f.apiTokenErr
	}
	return f.apiToken, nil
}

func (f *fakeCloud) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeCloud) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testConfig = embedauth.OrchestratorConfig{
	APIKey:       "key-123",
	DeploymentID: 51,
	Ephemeral:    true,
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState(t *testing.T, o *embedauth.Orchestrator, want embedauth.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("State() = %v, want %v", o.State(), want)
}

func TestOrchestrator_FullExchange(t *testing.T) {
	store := mock.New()
	cloud := newFakeCloud(time.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if o.State() != embedauth.StateNoCredential {
		t.Fatalf("initial State() = %v, want NoCredential", o.State())
	}
	if len(cloud.history()) != 0 {
		t.Fatalf("requests issued before Trigger: %v", cloud.history())
	}

	ep, err := o.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if ep.APIURL != "https://acme.cubecloudapp.dev/cubejs-api/v1" {
		t.Errorf("APIURL = %q", ep.APIURL)
	}
	if ep.APIToken != "api-token-1" {
		t.Errorf("APIToken = %q", ep.APIToken)
	}

	calls := cloud.history()
	if len(calls) != 4 {
		t.Fatalf("calls = %v, want 4 requests", calls)
	}
	if calls[0] != "generate" || calls[1] != "exchange:sess-1" {
		t.Errorf("calls = %v, want generate then exchange:sess-1 first", calls)
	}
	if cloud.count("deployment:51") != 1 || cloud.count("api-token:51") != 1 {
		t.Errorf("calls = %v, want one deployment and one api-token fetch for 51", calls)
	}

	req := cloud.reqs[0]
	if req.APIKey != "key-123" || req.DeploymentID != 51 || !req.Ephemeral {
		t.Errorf("SessionRequest = %+v", req)
	}
	if req.ExternalID != embedauth.DefaultExternalID {
		t.Errorf("ExternalID = %q, want default", req.ExternalID)
	}

	stored, ok := store.Value(embedauth.CredentialKey)
	if !ok {
		t.Fatal("credential not persisted")
	}
	if cred := o.Credential(); cred == nil || cred.Token != stored {
		t.Errorf("Credential() = %+v, stored = %q", cred, stored)
	}
}

func TestOrchestrator_CachedCredential(t *testing.T) {
	store := mock.New()
	token := tokenExpiringAt(time.Now().Add(time.Hour))
	store.Put(embedauth.CredentialKey, token)

	cloud := newFakeCloud(time.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if o.State() != embedauth.StateHaveCredential {
		t.Fatalf("initial State() = %v, want HaveCredential", o.State())
	}

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if n := cloud.count("generate") + cloud.count("exchange"); n != 0 {
		t.Errorf("session requests = %d, want 0", n)
	}
	if store.Sets() != 0 {
		t.Errorf("store writes = %d, want 0", store.Sets())
	}
}

func TestOrchestrator_ExpiredCachedCredential(t *testing.T) {
	store := mock.New()
	store.Put(embedauth.CredentialKey, "A.eyJleHAiOjB9.B")

	cloud := newFakeCloud(time.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if o.State() != embedauth.StateNoCredential {
		t.Fatalf("initial State() = %v, want NoCredential", o.State())
	}
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if cloud.count("generate") != 1 {
		t.Errorf("generate calls = %d, want 1", cloud.count("generate"))
	}

	stored, _ := store.Value(embedauth.CredentialKey)
	if stored == "A.eyJleHAiOjB9.B" {
		t.Error("expired credential was not replaced")
	}
}

func TestOrchestrator_CachedCredentialUsesClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := mock.New()
	store.Put(embedauth.CredentialKey, tokenExpiringAt(clock.Now().Add(time.Hour)))

	cloud := newFakeCloud(clock.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store),
		embedauth.WithClock(clock.Now))
	defer func() { _ = o.Close() }()

	if o.State() != embedauth.StateHaveCredential {
		t.Fatalf("initial State() = %v, want HaveCredential", o.State())
	}
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := cloud.count("generate"); n != 0 {
		t.Errorf("generate calls = %d, want 0", n)
	}
}

func TestOrchestrator_StoreReadFailure(t *testing.T) {
	store := mock.New()
	store.GetError = errors.New("disk on fire")

	cloud := newFakeCloud(time.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if o.State() != embedauth.StateNoCredential {
		t.Fatalf("initial State() = %v, want NoCredential", o.State())
	}
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestOrchestrator_StoreWriteFailure(t *testing.T) {
	store := mock.New()
	store.SetError = errors.New("read-only filesystem")

	cloud := newFakeCloud(time.Now)
	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v, want success with in-memory credential", err)
	}
	if o.Credential() == nil {
		t.Error("Credential() = nil")
	}
	if _, ok := store.Value(embedauth.CredentialKey); ok {
		t.Error("credential stored despite SetError")
	}
}

func TestOrchestrator_TriggerIsIdempotent(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	release := cloud.gate(embedauth.StepGenerateSession)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()))
	defer func() { _ = o.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Trigger()
		}()
	}
	wg.Wait()

	if o.State() != embedauth.StateAwaitingSession {
		t.Errorf("State() = %v, want AwaitingSession", o.State())
	}

	close(release)
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	o.Trigger()
	o.Trigger()

	for _, prefix := range []string{"generate", "exchange", "deployment", "api-token"} {
		if n := cloud.count(prefix); n != 1 {
			t.Errorf("%s calls = %d, want 1", prefix, n)
		}
	}
}

func TestOrchestrator_ResolveIsIdempotent(t *testing.T) {
	store := mock.New()
	store.Put(embedauth.CredentialKey, tokenExpiringAt(time.Now().Add(time.Hour)))

	cloud := newFakeCloud(time.Now)
	release := cloud.gate(embedauth.StepFetchDeployment)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	for i := 0; i < 10; i++ {
		o.Trigger()
	}
	if o.State() != embedauth.StateAwaitingDeployment {
		t.Errorf("State() = %v, want AwaitingDeployment", o.State())
	}

	close(release)
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := cloud.count("deployment"); n != 1 {
		t.Errorf("deployment calls = %d, want 1", n)
	}
	if n := cloud.count("api-token"); n != 1 {
		t.Errorf("api-token calls = %d, want 1", n)
	}
}

func TestOrchestrator_FailureHalts(t *testing.T) {
	boom := errors.New("401 unauthorized")

	tests := []struct {
		name   string
		step   string
		inject func(*fakeCloud)
	}{
		{"generate", embedauth.StepGenerateSession, func(f *fakeCloud) { f.generateErr = boom }},
		{"exchange", embedauth.StepExchangeSession, func(f *fakeCloud) { f.exchangeErr = boom }},
		{"deployment", embedauth.StepFetchDeployment, func(f *fakeCloud) { f.deploymentErr = boom }},
		{"api token", embedauth.StepFetchAPIToken, func(f *fakeCloud) { f.apiTokenErr = boom }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cloud := newFakeCloud(time.Now)
			tt.inject(cloud)

			o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()))
			defer func() { _ = o.Close() }()

			_, err := o.Wait(waitCtx(t))
			if !errors.Is(err, boom) {
				t.Fatalf("Wait() error = %v, want %v", err, boom)
			}

			var stepErr *embedauth.StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("error %T is not a StepError", err)
			}
			if stepErr.Step != tt.step {
				t.Errorf("Step = %q, want %q", stepErr.Step, tt.step)
			}

			if o.State() != embedauth.StateNoCredential {
				t.Errorf("State() = %v, want NoCredential", o.State())
			}
			if o.Credential() != nil {
				t.Error("Credential() not cleared after failure")
			}
			if !errors.Is(o.Err(), boom) {
				t.Errorf("Err() = %v", o.Err())
			}

			before := len(cloud.history())
			o.Trigger()
			if _, err := o.Wait(waitCtx(t)); !errors.Is(err, boom) {
				t.Errorf("second Wait() error = %v, want halted error", err)
			}
			if after := len(cloud.history()); after != before {
				t.Errorf("halted workflow issued %d more requests", after-before)
			}
		})
	}
}

func TestOrchestrator_ResetAfterFailure(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	cloud.generateErr = errors.New("503 service unavailable")

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err == nil {
		t.Fatal("Wait() error = nil, want failure")
	}

	cloud.mu.Lock()
	cloud.generateErr = nil
	cloud.mu.Unlock()

	o.Reset()
	if o.Err() != nil {
		t.Errorf("Err() after Reset = %v, want nil", o.Err())
	}
	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() after Reset error = %v", err)
	}
	if n := cloud.count("generate"); n != 2 {
		t.Errorf("generate calls = %d, want 2", n)
	}
}

func TestOrchestrator_RejectsBadExchangeToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"malformed", "not-a-jwt", embedauth.ErrMalformedToken},
		{"already expired", "A.eyJleHAiOjB9.B", embedauth.ErrTokenExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := mock.New()
			cloud := newFakeCloud(time.Now)
			cloud.token = func(int) string { return tt.token }

			o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store))
			defer func() { _ = o.Close() }()

			if _, err := o.Wait(waitCtx(t)); !errors.Is(err, tt.want) {
				t.Fatalf("Wait() error = %v, want %v", err, tt.want)
			}
			if store.Sets() != 0 {
				t.Errorf("store writes = %d, want 0", store.Sets())
			}
			if n := cloud.count("deployment"); n != 0 {
				t.Errorf("deployment calls = %d, want 0", n)
			}
		})
	}
}

func TestOrchestrator_ExpiryRestartsExchange(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := mock.New()
	cloud := newFakeCloud(clock.Now)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(store),
		embedauth.WithClock(clock.Now))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	first := o.Credential()

	clock.Advance(2 * time.Hour)

	if _, ok := o.Endpoint(); ok {
		t.Fatal("Endpoint() ok with expired credential")
	}
	if o.Credential() != nil && o.Credential().Token == first.Token {
		t.Error("expired credential still held")
	}

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() after expiry error = %v", err)
	}
	second := o.Credential()
	if second == nil || second.Token == first.Token {
		t.Fatalf("credential was not replaced: %+v", second)
	}
	if second.IsExpired(clock.Now()) {
		t.Error("new credential is already expired")
	}
	if n := cloud.count("generate"); n != 2 {
		t.Errorf("generate calls = %d, want 2", n)
	}
	if stored, _ := store.Value(embedauth.CredentialKey); stored != second.Token {
		t.Error("new credential not persisted")
	}
}

func TestOrchestrator_DiscardsSupersededResult(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	stale := tokenExpiringAt(time.Now().Add(30 * time.Minute))
	fresh := tokenExpiringAt(time.Now().Add(time.Hour))
	cloud.token = func(n int) string {
		if n == 0 {
			return stale
		}
		return fresh
	}
	release := cloud.gate(embedauth.StepExchangeSession)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()))
	defer func() { _ = o.Close() }()

	o.Trigger()
	waitForState(t, o, embedauth.StateAwaitingCredential)
	for cloud.count("exchange") == 0 {
		time.Sleep(time.Millisecond)
	}

	o.Reset()
	close(release)

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := o.Credential(); got == nil || got.Token != fresh {
		t.Errorf("Credential() = %+v, want the token from the second exchange", got)
	}
	if n := cloud.count("exchange"); n != 2 {
		t.Errorf("exchange calls = %d, want 2", n)
	}
}

func TestOrchestrator_MissingDeployment(t *testing.T) {
	store := mock.New()
	store.Put(embedauth.CredentialKey, tokenExpiringAt(time.Now().Add(time.Hour)))

	cloud := newFakeCloud(time.Now)
	cfg := testConfig
	cfg.DeploymentID = 0

	o := embedauth.NewOrchestrator(cfg, cloud, cloud, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); !errors.Is(err, embedauth.ErrMissingDeployment) {
		t.Fatalf("Wait() error = %v, want ErrMissingDeployment", err)
	}
	if len(cloud.history()) != 0 {
		t.Errorf("calls = %v, want none", cloud.history())
	}
}

func TestOrchestrator_RetriesTemporaryErrors(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	flaky := &flakyAuth{fakeCloud: cloud, failures: 2}

	o := embedauth.NewOrchestrator(testConfig, flaky, cloud, embedauth.NewCredentialCache(mock.New()),
		embedauth.WithRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		}))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if n := cloud.count("generate"); n != 3 {
		t.Errorf("generate calls = %d, want 3", n)
	}
}

func TestOrchestrator_DoesNotRetryPermanentErrors(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	cloud.generateErr = errors.New("403 forbidden")

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()),
		embedauth.WithRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
		}))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err == nil {
		t.Fatal("Wait() error = nil, want failure")
	}
	if n := cloud.count("generate"); n != 1 {
		t.Errorf("generate calls = %d, want 1", n)
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "503 service unavailable" }
func (temporaryError) Temporary() bool { return true }

// flakyAuth fails GenerateSession with a temporary error a fixed number of times.
type flakyAuth struct {
	*fakeCloud
	failures int
}

func (f *flakyAuth) GenerateSession(ctx context.Context, req embedauth.SessionRequest) (string, error) {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
		f.calls = append(f.calls, "generate")
	}
	f.mu.Unlock()

	if fail {
		return "", temporaryError{}
	}
	return f.fakeCloud.GenerateSession(ctx, req)
}

func TestOrchestrator_Close(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	cloud.gate(embedauth.StepGenerateSession)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, embedauth.NewCredentialCache(mock.New()))
	o.Trigger()

	done := make(chan error, 1)
	go func() {
		_, err := o.Wait(context.Background())
		done <- err
	}()

	if err := o.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, embedauth.ErrClosed) {
			t.Errorf("Wait() error = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait() did not return after Close()")
	}

	// Closing twice is a no-op
	if err := o.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestOrchestrator_WaitContextCancelled(t *testing.T) {
	cloud := newFakeCloud(time.Now)
	release := cloud.gate(embedauth.StepGenerateSession)
	defer close(release)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, nil)
	defer func() { _ = o.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := o.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestOrchestrator_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cloud := newFakeCloud(time.Now)

	o := embedauth.NewOrchestrator(testConfig, cloud, cloud, nil,
		embedauth.WithMetrics(embedauth.NewMetrics(reg)))
	defer func() { _ = o.Close() }()

	if _, err := o.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	expected := `
# HELP embedauth_step_requests_total Requests issued per workflow step, by result.
# TYPE embedauth_step_requests_total counter
embedauth_step_requests_total{result="success",step="exchange-session"} 1
embedauth_step_requests_total{result="success",step="fetch-api-token"} 1
embedauth_step_requests_total{result="success",step="fetch-deployment"} 1
embedauth_step_requests_total{result="success",step="generate-session"} 1
# HELP embedauth_state Current workflow state (0=NoCredential .. 5=Ready).
# TYPE embedauth_state gauge
embedauth_state 5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"embedauth_step_requests_total", "embedauth_state"); err != nil {
		t.Error(err)
	}

	if n, err := testutil.GatherAndCount(reg, "embedauth_step_duration_seconds"); err != nil || n != 4 {
		t.Errorf("duration series = %d (err %v), want 4", n, err)
	}
}
