package gcpmock

import (
	"context"
	"net"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// RPC method names accepted by FailNext and Calls.
const (
	MethodListSecrets         = "ListSecrets"
	MethodCreateSecret        = "CreateSecret"
	MethodDeleteSecret        = "DeleteSecret"
	MethodAddSecretVersion    = "AddSecretVersion"
	MethodAccessSecretVersion = "AccessSecretVersion"
)

// Server implements the Secret Manager service on top of Storage.
// Unimplemented RPCs return codes.Unimplemented.
type Server struct {
	secretmanagerpb.UnimplementedSecretManagerServiceServer

	storage *Storage
	log     logr.Logger

	mu    sync.Mutex
	calls map[string]int
	fail  map[string][]codes.Code
}

// NewServer creates a mock server with empty storage.
func NewServer(log logr.Logger) *Server {
	return &Server{
		storage: NewStorage(),
		log:     log,
		calls:   make(map[string]int),
		fail:    make(map[string][]codes.Code),
	}
}

// Storage returns the backing storage for inspection.
func (s *Server) Storage() *Storage {
	return s.storage
}

// Register attaches the service and gRPC reflection to g.
func (s *Server) Register(g *grpc.Server) {
	secretmanagerpb.RegisterSecretManagerServiceServer(g, s)
	reflection.Register(g)
}

// Serve starts a gRPC server for s on lis in the background.
// The returned server should be stopped by the caller.
func (s *Server) Serve(lis net.Listener) *grpc.Server {
	g := grpc.NewServer()
	s.Register(g)
	go func() {
		if err := g.Serve(lis); err != nil {
			s.log.Error(err, "secret manager mock stopped")
		}
	}()
	return g
}

// FailNext queues an error with code for the next call to method.
func (s *Server) FailNext(method string, code codes.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = append(s.fail[method], code)
}

// Calls returns how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Server) enter(method, resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[method]++
	s.log.V(1).Info("rpc", "method", method, "resource", resource)

	if queued := s.fail[method]; len(queued) > 0 {
		s.fail[method] = queued[1:]
		return status.Errorf(queued[0], "injected failure for %s", method)
	}
	return nil
}

// ListSecrets returns every secret under the parent project in a single page.
func (s *Server) ListSecrets(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) (*secretmanagerpb.ListSecretsResponse, error) {
	if err := s.enter(MethodListSecrets, req.GetParent()); err != nil {
		return nil, err
	}
	if req.GetParent() == "" {
		return nil, status.Error(codes.InvalidArgument, "parent is required")
	}

	secrets := s.storage.list(req.GetParent())
	return &secretmanagerpb.ListSecretsResponse{
		Secrets:   secrets,
		TotalSize: int32(len(secrets)),
	}, nil
}

// CreateSecret creates secret metadata without any versions.
func (s *Server) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	if err := s.enter(MethodCreateSecret, req.GetSecretId()); err != nil {
		return nil, err
	}
	if req.GetParent() == "" || req.GetSecretId() == "" {
		return nil, status.Error(codes.InvalidArgument, "parent and secret_id are required")
	}
	return s.storage.create(req.GetParent(), req.GetSecretId(), req.GetSecret().GetLabels())
}

// DeleteSecret removes a secret with all of its versions.
func (s *Server) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) (*emptypb.Empty, error) {
	if err := s.enter(MethodDeleteSecret, req.GetName()); err != nil {
		return nil, err
	}
	if err := s.storage.remove(req.GetName()); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// AddSecretVersion appends a payload version to an existing secret.
func (s *Server) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	if err := s.enter(MethodAddSecretVersion, req.GetParent()); err != nil {
		return nil, err
	}
	if req.GetPayload() == nil {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}
	return s.storage.addVersion(req.GetParent(), req.GetPayload().GetData())
}

// AccessSecretVersion returns the payload of a version; "latest" is the newest one.
func (s *Server) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if err := s.enter(MethodAccessSecretVersion, req.GetName()); err != nil {
		return nil, err
	}
	return s.storage.access(req.GetName())
}
