// Package gcpmock is an in-memory stand-in for the GCP Secret Manager gRPC API.
//
// It implements the RPCs the gcpsecrets store issues: ListSecrets, CreateSecret,
// DeleteSecret, AddSecretVersion and AccessSecretVersion.
package gcpmock

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Storage holds secrets keyed by full resource name
// ("projects/{project}/secrets/{id}").
type Storage struct {
	mu      sync.RWMutex
	secrets map[string]*secret
}

type secret struct {
	meta     *secretmanagerpb.Secret
	versions [][]byte // versions[i] is version i+1
}

// NewStorage creates an empty storage.
func NewStorage() *Storage {
	return &Storage{secrets: make(map[string]*secret)}
}

func (s *Storage) create(parent, id string, labels map[string]string) (*secretmanagerpb.Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := parent + "/secrets/" + id
	if _, ok := s.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret [%s] already exists", name)
	}

	meta := &secretmanagerpb.Secret{
		Name:       name,
		CreateTime: timestamppb.Now(),
		Labels:     labels,
		Replication: &secretmanagerpb.Replication{
			Replication: &secretmanagerpb.Replication_Automatic_{
				Automatic: &secretmanagerpb.Replication_Automatic{},
			},
		},
	}
	s.secrets[name] = &secret{meta: meta}
	return meta, nil
}

func (s *Storage) list(parent string) []*secretmanagerpb.Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := parent + "/secrets/"
	var out []*secretmanagerpb.Secret
	for name, sec := range s.secrets {
		if strings.HasPrefix(name, prefix) {
			out = append(out, sec.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Storage) remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.secrets[name]; !ok {
		return status.Errorf(codes.NotFound, "Secret [%s] not found", name)
	}
	delete(s.secrets, name)
	return nil
}

func (s *Storage) addVersion(name string, data []byte) (*secretmanagerpb.SecretVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.secrets[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found", name)
	}
	sec.versions = append(sec.versions, append([]byte(nil), data...))

	return &secretmanagerpb.SecretVersion{
		Name:       fmt.Sprintf("%s/versions/%d", name, len(sec.versions)),
		CreateTime: timestamppb.Now(),
		State:      secretmanagerpb.SecretVersion_ENABLED,
	}, nil
}

// access resolves "projects/p/secrets/s/versions/{n|latest}".
func (s *Storage) access(versionName string) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	name, version, ok := strings.Cut(versionName, "/versions/")
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid version name %q", versionName)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, found := s.secrets[name]
	if !found {
		return nil, status.Errorf(codes.NotFound, "Secret [%s] not found", name)
	}

	n := len(sec.versions)
	if version != "latest" {
		if _, err := fmt.Sscanf(version, "%d", &n); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid version %q", version)
		}
	}
	if n < 1 || n > len(sec.versions) {
		return nil, status.Errorf(codes.NotFound, "Secret Version [%s] not found", versionName)
	}

	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", name, n),
		Payload: &secretmanagerpb.SecretPayload{Data: sec.versions[n-1]},
	}, nil
}

// Latest returns the newest payload of the secret with the given full name.
func (s *Storage) Latest(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.secrets[name]
	if !ok || len(sec.versions) == 0 {
		return "", false
	}
	return string(sec.versions[len(sec.versions)-1]), true
}

// Versions returns how many versions the named secret has.
func (s *Storage) Versions(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sec, ok := s.secrets[name]; ok {
		return len(sec.versions)
	}
	return 0
}

// Labels returns the labels the named secret was created with.
func (s *Storage) Labels(name string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sec, ok := s.secrets[name]; ok {
		return sec.meta.GetLabels()
	}
	return nil
}

// Len returns the number of stored secrets.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}
