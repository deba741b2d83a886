package embedauth_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/blackwell-systems/embedauth"
	_ "github.com/blackwell-systems/embedauth/backends/file" // Register store
	"github.com/blackwell-systems/embedauth/cloudapi"
	"github.com/blackwell-systems/embedauth/internal/cloudmock"
	"github.com/blackwell-systems/embedauth/mock"
)

// Example demonstrates resolving an endpoint against a local fake of the cloud API
func Example() {
	server := httptest.NewServer(cloudmock.NewServer(cloudmock.Config{
		APIKey:       "key-123",
		DeploymentID: 51,
	}, logr.Discard()))
	defer server.Close()

	client := cloudapi.New(server.URL)
	store := mock.New()

	o := embedauth.NewOrchestrator(embedauth.OrchestratorConfig{
		APIKey:       "key-123",
		DeploymentID: 51,
		Ephemeral:    true,
	}, client, client, embedauth.NewCredentialCache(store))
	defer func() { _ = o.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint, err := o.Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(o.State())
	fmt.Println(strings.TrimPrefix(endpoint.APIURL, server.URL))
	fmt.Println(store.Keys())
	// Output:
	// Ready
	// /cubejs-api/v1
	// [cube_embed_token]
}

// ExampleNewStore demonstrates creating a file store through the registry
func ExampleNewStore() {
	dir, err := os.MkdirTemp("", "embedauth-example")
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	store, err := embedauth.NewStore(embedauth.StoreConfig{
		Type: embedauth.StoreFile,
		Path: filepath.Join(dir, "store.json"),
	})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Set(ctx, embedauth.ReportKey, `{"chartType":"bar"}`); err != nil {
		log.Fatal(err)
	}

	value, _ := store.Get(ctx, embedauth.ReportKey)
	fmt.Println(store.Name(), value)
	// Output: file {"chartType":"bar"}
}

// ExampleParseCredential demonstrates decoding a token's expiry
func ExampleParseCredential() {
	cred, err := embedauth.ParseCredential("A.eyJleHAiOjB9.B")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(cred.ExpiresAt.UTC().Format(time.RFC3339))
	fmt.Println(cred.IsExpired(time.Now()))
	// Output:
	// 1970-01-01T00:00:00Z
	// true
}

// ExampleCredentialCache_Load demonstrates that expired credentials are not returned
func ExampleCredentialCache_Load() {
	store := mock.New()
	store.Put(embedauth.CredentialKey, "A.eyJleHAiOjB9.B")

	cred, err := embedauth.NewCredentialCache(store).Load(context.Background())
	fmt.Println(cred == nil, err)
	// Output: true <nil>
}

// Example_errorHandling demonstrates matching wrapped sentinel errors
func Example_errorHandling() {
	err := embedauth.WrapError(embedauth.StepExchangeSession, "request", "",
		fmt.Errorf("%w: expected 3 segments, got 1", embedauth.ErrMalformedToken))

	var stepErr *embedauth.StepError
	if errors.As(err, &stepErr) && errors.Is(err, embedauth.ErrMalformedToken) {
		fmt.Println(stepErr.Step)
	}
	// Output: exchange-session
}
