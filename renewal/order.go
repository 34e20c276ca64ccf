package renewal

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
)

// orderCreateAttempts bounds retries of order creation on transport faults.
// CA policy rejections are never retried.
const orderCreateAttempts = 3

// OrderRequest names the identifiers an order should cover and, optionally,
// an existing order to resume instead of creating a new one.
type OrderRequest struct {
	PrimaryDomain    string
	AlternativeNames []string
	// If set, the order at this URI is resumed; no new order is created.
	ExistingOrderURI string
}

// Orchestrator creates or resumes orders and assembles the set of
// outstanding challenges. The order correlation map it maintains is shared
// mutable state keyed by order URI, so concurrent renewals for independent
// identities stay isolated.
type Orchestrator struct {
	session  *Session
	resolver *Resolver
	log      zerolog.Logger

	mu     sync.RWMutex
	orders map[string]*resources.Order
}

func NewOrchestrator(session *Session, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		session:  session,
		resolver: NewResolver(session),
		log:      logger,
		orders:   map[string]*resources.Order{},
	}
}

// Order returns the last observed state of a tracked order.
func (o *Orchestrator) Order(orderURI string) (*resources.Order, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	order, ok := o.orders[orderURI]
	return order, ok
}

func (o *Orchestrator) trackOrder(order *resources.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.orders[order.ID] = order
}

// BeginOrder creates (or resumes) an order for the request's identifier set
// and walks its authorizations into per-identifier challenge descriptors.
//
// CA rejections (rate limits, CAA policy, invalid identifiers) come back as
// a failed result carrying the CA's detail, never as an error: callers must
// be able to tell "could not even start" from "needs challenge responses".
func (o *Orchestrator) BeginOrder(ctx context.Context, req OrderRequest) *PendingOrder {
	identifiers, err := BuildIdentifierSet(req.PrimaryDomain, req.AlternativeNames)
	if err != nil {
		return failedOrder(err.Error())
	}

	if err := o.session.EnsureFresh(ctx); err != nil {
		return failedOrder(err.Error())
	}
	engine := o.session.Engine()

	order, err := o.obtainOrder(ctx, engine, identifiers, req.ExistingOrderURI)
	if err != nil {
		detail := err.Error()
		var prob *resources.Problem
		if errors.As(err, &prob) {
			detail = prob.Detail
		}
		o.log.Warn().Str("domain", req.PrimaryDomain).Str("detail", detail).
			Msg("order could not be started")
		return failedOrder(detail)
	}

	o.trackOrder(order)

	// An order already past its authorizations needs no challenge work.
	if order.Status == acme.StatusReady || order.Status == acme.StatusValid {
		o.log.Debug().Str("order", order.ID).Str("status", order.Status).
			Msg("order requires no further authorization")
		return &PendingOrder{
			OrderURI:                order.ID,
			IsPendingAuthorizations: false,
		}
	}

	var pending []PendingAuthorization
	for _, authzURL := range order.Authorizations {
		authz, err := engine.GetAuthorization(ctx, authzURL)
		if err != nil {
			return failedOrder(err.Error())
		}

		identifier := authz.Identifier.Value
		if authz.Wildcard {
			identifier = "*." + identifier
		}

		items, err := o.resolver.Resolve(authz, identifier)
		if err != nil {
			return failedOrder(err.Error())
		}

		pa := PendingAuthorization{
			Identifier:  identifier,
			IsWildcard:  authz.Wildcard,
			AuthzURI:    authz.ID,
			OrderURI:    order.ID,
			Challenges:  items,
			IsValidated: authz.Status == acme.StatusValid,
		}
		if authz.Status == acme.StatusInvalid {
			pa.IsFailed = true
			pa.AuthorizationError = AuthorizationErrorDetail(authz)
		}
		pending = append(pending, pa)
	}

	result := &PendingOrder{
		OrderURI:       order.ID,
		Authorizations: pending,
		IsPendingAuthorizations: lo.SomeBy(pending, func(pa PendingAuthorization) bool {
			return !pa.IsValidated
		}),
	}

	o.log.Info().
		Str("order", order.ID).
		Int("authorizations", len(pending)).
		Bool("pending", result.IsPendingAuthorizations).
		Msg("order begun")
	return result
}

// obtainOrder resumes the order at existingOrderURI when one is supplied,
// otherwise creates a new order, retrying transport faults a bounded number
// of times.
func (o *Orchestrator) obtainOrder(ctx context.Context, engine Engine, identifiers []string, existingOrderURI string) (*resources.Order, error) {
	if existingOrderURI != "" {
		o.log.Debug().Str("order", existingOrderURI).Msg("resuming existing order")
		return engine.GetOrder(ctx, existingOrderURI)
	}

	var lastErr error
	for attempt := 0; attempt < orderCreateAttempts; attempt++ {
		order, err := engine.NewOrder(ctx, orderIdentifiers(identifiers))
		if err == nil {
			return order, nil
		}
		lastErr = err

		// Policy rejections and cancellations are final.
		var prob *resources.Problem
		if errors.As(err, &prob) || ctx.Err() != nil {
			return nil, err
		}
		o.log.Debug().Err(err).Int("attempt", attempt+1).
			Msg("order creation failed, retrying")
	}
	return nil, lastErr
}
