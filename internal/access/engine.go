// Package access decides whether a user may access a published project.
// CanAccessProject answers for one project; AccessibleProjects answers for
// the whole catalog. Both run the same decision over the same facts.
package access

import (
	"context"
	"time"

	"physionet.org/internal/auth"
	"physionet.org/internal/entitlement"
	"physionet.org/internal/obs"
	"physionet.org/internal/project"
)

// Catalog lists the published projects the batch path filters.
type Catalog interface {
	ListPublished(ctx context.Context) ([]project.Published, error)
}

// Filterer is implemented by catalogs that can evaluate the access rules
// themselves, e.g. as a single SQL statement.
type Filterer interface {
	AccessiblePublished(ctx context.Context, user auth.User, now time.Time) ([]project.Published, error)
}

// Engine holds the data sources consulted for access decisions. It carries
// no user state; callers pass the user explicitly.
type Engine struct {
	catalog      Catalog
	entitlements entitlement.Store
	now          func() time.Time
	pushdown     bool
}

type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithoutPushdown forces the in-process batch path even when the catalog
// implements Filterer.
func WithoutPushdown() Option {
	return func(e *Engine) { e.pushdown = false }
}

func NewEngine(catalog Catalog, entitlements entitlement.Store, opts ...Option) *Engine {
	e := &Engine{catalog: catalog, entitlements: entitlements, now: time.Now, pushdown: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CanAccessProject reports whether user may access p. Denials are false;
// errors only come from the data sources.
func (e *Engine) CanAccessProject(ctx context.Context, p project.Published, user auth.User) (bool, error) {
	g := &liveFacts{store: e.entitlements, user: user, now: e.now()}
	allowed, err := decide(ctx, p, user, g)
	if err != nil {
		return false, err
	}
	obs.ObserveAccessDecision(p.AccessPolicy.String(), allowed)
	return allowed, nil
}

// AccessibleProjects returns the catalog entries user may access, in
// catalog order.
func (e *Engine) AccessibleProjects(ctx context.Context, user auth.User) ([]project.Published, error) {
	now := e.now()
	if f, ok := e.catalog.(Filterer); ok && e.pushdown {
		return f.AccessiblePublished(ctx, user, now)
	}
	catalog, err := e.catalog.ListPublished(ctx)
	if err != nil {
		return nil, err
	}
	g, err := loadFacts(ctx, e.entitlements, user, now)
	if err != nil {
		return nil, err
	}
	out := make([]project.Published, 0, len(catalog))
	for _, p := range catalog {
		allowed, err := decide(ctx, p, user, g)
		if err != nil {
			return nil, err
		}
		obs.ObserveAccessDecision(p.AccessPolicy.String(), allowed)
		if allowed {
			out = append(out, p)
		}
	}
	return out, nil
}

// decide is the single access rule. Deprecated, download-disabled and
// unknown-policy projects are never accessible; otherwise the policy or an
// event grant must allow. The SQL in store/pg/access.go mirrors it.
func decide(ctx context.Context, p project.Published, user auth.User, f facts) (bool, error) {
	if p.DeprecatedFiles || !p.AllowFileDownloads || !p.AccessPolicy.Valid() {
		return false, nil
	}
	allowed, err := policyAllows(ctx, p, user, f)
	if err != nil || allowed {
		return allowed, err
	}
	if !user.IsAuthenticated() {
		return false, nil
	}
	return f.eventGranted(ctx, p.ID)
}

// policyAllows dispatches on the access policy. Unknown policies deny.
func policyAllows(ctx context.Context, p project.Published, user auth.User, f facts) (bool, error) {
	switch p.AccessPolicy {
	case project.PolicyOpen:
		return true, nil
	case project.PolicyRestricted:
		if !user.IsAuthenticated() {
			return false, nil
		}
		return f.signedDUA(ctx, p.ID)
	case project.PolicyCredentialed:
		if !user.IsAuthenticated() || !user.IsCredentialed {
			return false, nil
		}
		signed, err := f.signedDUA(ctx, p.ID)
		if err != nil || !signed {
			return false, err
		}
		return f.trainingsSatisfied(ctx, p.RequiredTrainings)
	case project.PolicyContributorReview:
		if !user.IsAuthenticated() || !user.IsCredentialed {
			return false, nil
		}
		active, err := f.activeRequest(ctx, p.ID)
		if err != nil || !active {
			return false, err
		}
		return f.trainingsSatisfied(ctx, p.RequiredTrainings)
	default:
		return false, nil
	}
}

// trainingsSatisfied treats required as a set: every distinct training type
// must have at least one valid completion.
func trainingsSatisfied(required []string, valid map[string]struct{}) bool {
	for _, id := range required {
		if _, ok := valid[id]; !ok {
			return false
		}
	}
	return true
}
