package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gregtusar/autotrader/pkg/models"
)

// Store is a named secret backend.
type Store interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type GCPConfig struct {
	ProjectID       string `mapstructure:"project_id" yaml:"project_id"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file,omitempty"`
}

// Resolver turns credential references into secret values. References are
// env:NAME for an environment variable or gcp:secret-name for GCP Secret
// Manager. The Secret Manager client is only created on first use.
type Resolver struct {
	gcp       GCPConfig
	logger    *logrus.Logger
	lookupEnv func(string) (string, bool)

	mu    sync.Mutex
	store Store
	close func() error
}

func NewResolver(gcp GCPConfig, logger *logrus.Logger) *Resolver {
	return &Resolver{gcp: gcp, logger: logger, lookupEnv: os.LookupEnv}
}

// WithStore replaces the Secret Manager backend.
func (r *Resolver) WithStore(store Store) *Resolver {
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
	return r
}

// Resolve returns the secret ref points at. An empty ref resolves to an
// empty value.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return "", fmt.Errorf("%w: malformed credentials reference %q", models.ErrConfiguration, ref)
	}

	switch scheme {
	case "env":
		value, ok := r.lookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("%w: environment variable %s is not set", models.ErrConfiguration, name)
		}
		return value, nil
	case "gcp":
		store, err := r.gcpStore(ctx)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		value, err := store.GetSecret(ctx, name)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrConfiguration, err)
		}
		return value, nil
	default:
		return "", fmt.Errorf("%w: unknown credentials scheme %q", models.ErrConfiguration, scheme)
	}
}

func (r *Resolver) gcpStore(ctx context.Context) (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		return r.store, nil
	}
	sm, err := NewGCPSecretManager(ctx, r.gcp.ProjectID, r.gcp.CredentialsFile, r.logger)
	if err != nil {
		return nil, err
	}
	r.store = sm
	r.close = sm.Close
	r.logger.WithField("project_id", r.gcp.ProjectID).Info("Connected to GCP Secret Manager")
	return sm, nil
}

func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	r.store = nil
	return err
}
