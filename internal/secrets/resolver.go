// ABOUTME: Resolver fetches delivery configuration from SSM Parameter Store and caches it.
// ABOUTME: Process-local TTL cache with injected clock; Invalidate forces a refetch on auth failure.
package secrets

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Parameter names expected under the configured path prefix.
const (
	paramAPIKey    = "API_KEY"
	paramFromEmail = "FROM_EMAIL"
	paramFromName  = "FROM_NAME"
	paramToEmail   = "TO_EMAIL"
	paramCCEmail   = "CC_EMAIL"
)

// DeliveryConfig is the delivery-time configuration for report emails.
// To/CC lists are comma-split, trimmed, and deduplicated at fetch time.
type DeliveryConfig struct {
	FromEmail string
	FromName  string
	ToEmails  []string
	CCEmails  []string
	APIKey    string
}

// ConfigMissingError means a required parameter is absent from the store.
// Fatal: no email can be sent without delivery configuration.
type ConfigMissingError struct {
	Parameter string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("delivery config parameter %s not found", e.Parameter)
}

// ParameterAPI is the subset of the SSM API the Resolver needs. Implemented
// by *ssm.Client.
type ParameterAPI interface {
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, opts ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Resolver reads delivery configuration from the parameter store. The cache
// is process-local; the store is the single source of truth across processes.
type Resolver struct {
	api    ParameterAPI
	prefix string
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    *DeliveryConfig
	fetchedAt time.Time
}

// NewResolver creates a Resolver reading parameters under prefix, caching
// results for ttl.
func NewResolver(api ParameterAPI, prefix string, ttl time.Duration) *Resolver {
	return &Resolver{api: api, prefix: prefix, ttl: ttl, now: time.Now}
}

// WithClock replaces the clock. Used in tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the delivery configuration, fetching from the store on
// first use and after TTL expiry.
func (r *Resolver) Resolve(ctx context.Context) (*DeliveryConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && r.now().Sub(r.fetchedAt) < r.ttl {
		return r.cached, nil
	}

	cfg, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	r.cached = cfg
	r.fetchedAt = r.now()
	return cfg, nil
}

// Invalidate drops the cached configuration so the next Resolve refetches.
// Called by the dispatcher when the provider rejects the credential.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

func (r *Resolver) fetch(ctx context.Context) (*DeliveryConfig, error) {
	values := map[string]string{}
	var next *string
	for {
		out, err := r.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(r.prefix),
			WithDecryption: aws.Bool(true),
			NextToken:      next,
		})
		if err != nil {
			return nil, fmt.Errorf("get parameters under %s: %w", r.prefix, err)
		}
		for _, p := range out.Parameters {
			values[path.Base(aws.ToString(p.Name))] = aws.ToString(p.Value)
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}

	for _, required := range []string{paramAPIKey, paramFromEmail, paramToEmail} {
		if values[required] == "" {
			return nil, &ConfigMissingError{Parameter: r.prefix + "/" + required}
		}
	}

	cfg := &DeliveryConfig{
		FromEmail: values[paramFromEmail],
		FromName:  values[paramFromName],
		ToEmails:  splitEmails(values[paramToEmail]),
		CCEmails:  splitEmails(values[paramCCEmail]),
		APIKey:    values[paramAPIKey],
	}
	if len(cfg.ToEmails) == 0 {
		return nil, &ConfigMissingError{Parameter: r.prefix + "/" + paramToEmail}
	}
	return cfg, nil
}

// splitEmails splits a comma-separated address list, trimming whitespace and
// dropping duplicates while preserving order.
func splitEmails(s string) []string {
	seen := map[string]bool{}
	var out []string
	for _, part := range strings.Split(s, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}
