// Package azauth chooses how a connection attempt authenticates to Azure SQL
// with Azure Active Directory.
//
// Three modes exist, selected from the process's environment signals:
//
//   - ManagedIdentity when running on a hosted platform that assigns an identity.
//   - TokenCredential otherwise; the credential chain is consulted for every new
//     physical connection so tokens are refreshed as the pool recycles.
//   - ExplicitAccessToken when forced; a token is fetched up front and reused
//     for the single attempt only.
package azauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"go.uber.org/zap"
)

// DefaultTokenTimeout bounds the synchronous fetch in explicit-token mode.
const DefaultTokenTimeout = 15 * time.Second

// Signals are the environment facts that decide the authentication mode.
type Signals struct {
	// Hosted is set when the process runs on a platform with managed identity.
	Hosted bool
	// IdentityClientID selects a user-assigned managed identity.
	IdentityClientID string
	// ForceToken requests an explicit access token instead of a credential handle.
	ForceToken bool
}

// Select is the authentication policy.
func Select(s Signals) Kind {
	switch {
	case s.Hosted:
		return KindManagedIdentity
	case !s.ForceToken:
		return KindTokenCredential
	default:
		return KindAccessToken
	}
}

// PipelineIdentity holds the service connection used when running inside
// Azure Pipelines. When set it is tried before the default chain.
type PipelineIdentity struct {
	TenantID            string
	ClientID            string
	ServiceConnectionID string
	SystemAccessToken   string
}

// Options tune a Resolver. Zero values select the Azure SDK defaults.
type Options struct {
	TokenTimeout time.Duration
	Pipeline     *PipelineIdentity
	Logger       *zap.Logger

	// NewManagedIdentity and NewLocal build the credential handles; tests
	// replace them.
	NewManagedIdentity func(clientID string) (azcore.TokenCredential, error)
	NewLocal           func(p *PipelineIdentity) (azcore.TokenCredential, error)
}

// Resolver produces a Descriptor for each connection attempt.
type Resolver struct {
	signals Signals
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	managed azcore.TokenCredential
	local   azcore.TokenCredential
}

// NewResolver returns a Resolver for the given signals.
func NewResolver(s Signals, opts Options) *Resolver {
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = DefaultTokenTimeout
	}
	if opts.NewManagedIdentity == nil {
		opts.NewManagedIdentity = newManagedIdentity
	}
	if opts.NewLocal == nil {
		opts.NewLocal = newLocalCredential
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		signals: s,
		opts:    opts,
		logger:  logger.With(zap.String("component", "azauth")),
	}
}

// Signals returns the signals the resolver was built with.
func (r *Resolver) Signals() Signals { return r.signals }

// Resolve picks the descriptor for the next connection attempt. Only the
// explicit-token mode performs network I/O here.
func (r *Resolver) Resolve(ctx context.Context) (Descriptor, error) {
	kind := Select(r.signals)
	switch kind {
	case KindManagedIdentity:
		cred, err := r.managedCredential()
		if err != nil {
			return nil, &TokenAcquisitionError{Kind: kind, Err: err}
		}
		return ManagedIdentity{ClientID: r.signals.IdentityClientID, credential: cred}, nil
	case KindTokenCredential:
		cred, err := r.localCredential()
		if err != nil {
			return nil, &TokenAcquisitionError{Kind: kind, Err: err}
		}
		return TokenCredential{Credential: cred}, nil
	default:
		cred, err := r.localCredential()
		if err != nil {
			return nil, &TokenAcquisitionError{Kind: kind, Err: err}
		}
		tctx, cancel := context.WithTimeout(ctx, r.opts.TokenTimeout)
		defer cancel()
		tk, err := fetch(tctx, cred)
		if err != nil {
			var terr *TokenAcquisitionError
			if errors.As(err, &terr) {
				terr.Kind = kind
			}
			return nil, err
		}
		r.logger.Debug("fetched explicit access token", zap.Time("expires_on", tk.ExpiresOn))
		return ExplicitAccessToken{AccessToken: tk}, nil
	}
}

// Credential returns the credential handle for the selected mode, for
// other Azure clients such as Key Vault. Explicit-token mode shares the
// local chain.
func (r *Resolver) Credential() (azcore.TokenCredential, error) {
	if Select(r.signals) == KindManagedIdentity {
		return r.managedCredential()
	}
	return r.localCredential()
}

func (r *Resolver) managedCredential() (azcore.TokenCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.managed == nil {
		cred, err := r.opts.NewManagedIdentity(r.signals.IdentityClientID)
		if err != nil {
			return nil, err
		}
		r.managed = cred
	}
	return r.managed, nil
}

func (r *Resolver) localCredential() (azcore.TokenCredential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.local == nil {
		cred, err := r.opts.NewLocal(r.opts.Pipeline)
		if err != nil {
			return nil, err
		}
		r.local = cred
	}
	return r.local, nil
}

func newManagedIdentity(clientID string) (azcore.TokenCredential, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if clientID != "" {
		opts.ID = azidentity.ClientID(clientID)
	}
	return azidentity.NewManagedIdentityCredential(opts)
}

// newLocalCredential returns the default chain, preceded by the pipeline
// service connection when one is configured.
func newLocalCredential(p *PipelineIdentity) (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	if p == nil || p.ServiceConnectionID == "" {
		return cred, nil
	}
	pcred, err := azidentity.NewAzurePipelinesCredential(p.TenantID, p.ClientID, p.ServiceConnectionID, p.SystemAccessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("azauth: pipeline credential: %w", err)
	}
	return azidentity.NewChainedTokenCredential([]azcore.TokenCredential{pcred, cred}, nil)
}
