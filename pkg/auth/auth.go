package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/coord"
	"github.com/crawlpoint/crawlpoint/pkg/types"
)

const (
	// APIKeyPrefix marks long-lived principal API keys.
	APIKeyPrefix = "cp_"

	// RunTokenPrefix marks short-lived per-run tokens.
	RunTokenPrefix = "cpr_"
)

// Resolver maps a bearer token to the principal behind it.
type Resolver interface {
	// Resolve returns the principal for token, or UNAUTHENTICATED.
	Resolve(ctx context.Context, token string) (*types.Principal, error)
}

// APIKeyResolver resolves long-lived API keys from static configuration.
type APIKeyResolver struct {
	keys map[string]string // token -> principal id
}

// NewAPIKeyResolver builds a resolver from the configured key set.
func NewAPIKeyResolver(keys map[string]string) *APIKeyResolver {
	cp := make(map[string]string, len(keys))
	for token, principalID := range keys {
		cp[token] = principalID
	}
	return &APIKeyResolver{keys: cp}
}

func (r *APIKeyResolver) Resolve(ctx context.Context, token string) (*types.Principal, error) {
	if !strings.HasPrefix(token, APIKeyPrefix) {
		return nil, apierr.New(apierr.TypeUnauthenticated, "unknown token format")
	}
	principalID, ok := r.keys[token]
	if !ok {
		return nil, apierr.New(apierr.TypeUnauthenticated, "invalid API key")
	}
	return &types.Principal{ID: principalID}, nil
}

// RunTokenIssuer mints and resolves short-lived per-run tokens. Tokens live
// in the coordination store so any replica can resolve them.
type RunTokenIssuer struct {
	coord *coord.Client
}

// NewRunTokenIssuer creates the issuer.
func NewRunTokenIssuer(co *coord.Client) *RunTokenIssuer {
	return &RunTokenIssuer{coord: co}
}

// Issue mints a token representing the run, valid for ttl.
func (r *RunTokenIssuer) Issue(ctx context.Context, runID, principalID string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate run token: %w", err)
	}
	token := RunTokenPrefix + hex.EncodeToString(raw)
	if err := r.coord.StoreRunToken(ctx, token, runID, principalID, ttl); err != nil {
		return "", err
	}
	return token, nil
}

// Revoke invalidates a run token before its TTL.
func (r *RunTokenIssuer) Revoke(ctx context.Context, token string) error {
	return r.coord.DeleteRunToken(ctx, token)
}

func (r *RunTokenIssuer) Resolve(ctx context.Context, token string) (*types.Principal, error) {
	if !strings.HasPrefix(token, RunTokenPrefix) {
		return nil, apierr.New(apierr.TypeUnauthenticated, "unknown token format")
	}
	runID, principalID, err := r.coord.LookupRunToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if principalID == "" {
		return nil, apierr.New(apierr.TypeUnauthenticated, "invalid or expired run token")
	}
	return &types.Principal{ID: principalID, Roles: []string{"run:" + runID}}, nil
}

// ChainResolver tries each resolver in order, returning the first match.
type ChainResolver struct {
	resolvers []Resolver
}

// NewChainResolver chains resolvers; earlier entries win.
func NewChainResolver(resolvers ...Resolver) *ChainResolver {
	return &ChainResolver{resolvers: resolvers}
}

func (r *ChainResolver) Resolve(ctx context.Context, token string) (*types.Principal, error) {
	if token == "" {
		return nil, apierr.New(apierr.TypeUnauthenticated, "missing token")
	}
	for _, resolver := range r.resolvers {
		principal, err := resolver.Resolve(ctx, token)
		if err == nil {
			return principal, nil
		}
		if !apierr.Is(err, apierr.TypeUnauthenticated) {
			return nil, err
		}
	}
	return nil, apierr.New(apierr.TypeUnauthenticated, "invalid token")
}
