package renewal

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
)

func TestBeginOrderPendingAuthorizations(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "example.com",
		AlternativeNames: []string{"www.example.com"},
	})

	require.False(t, result.IsFailure, result.FailureMessage)
	assert.True(t, result.IsPendingAuthorizations)
	assert.Equal(t, 1, eng.createdOrders)
	require.Len(t, result.Authorizations, 2)

	for _, authz := range result.Authorizations {
		assert.False(t, authz.IsValidated)
		assert.False(t, authz.IsFailed)
		assert.Equal(t, result.OrderURI, authz.OrderURI)
		require.Len(t, authz.Challenges, 2)
		assert.True(t, lo.SomeBy(authz.Challenges, func(item ChallengeItem) bool {
			return item.Type == acme.ChallengeTypeHTTP01
		}))
	}

	tracked, ok := orchestrator.Order(result.OrderURI)
	require.True(t, ok)
	assert.Equal(t, acme.StatusPending, tracked.Status)
}

func TestBeginOrderNormalizesAndDedupes(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "Example.COM",
		AlternativeNames: []string{"www.example.com", "EXAMPLE.com"},
	})

	require.False(t, result.IsFailure, result.FailureMessage)
	order, ok := orchestrator.Order(result.OrderURI)
	require.True(t, ok)
	assert.Equal(t, []resources.Identifier{
		{Type: acme.IdentifierTypeDNS, Value: "example.com"},
		{Type: acme.IdentifierTypeDNS, Value: "www.example.com"},
	}, order.Identifiers)
}

func TestBeginOrderResumesExisting(t *testing.T) {
	eng := newFakeEngine()
	existing := eng.seedOrder("example.com")
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "example.com",
		ExistingOrderURI: existing.ID,
	})

	require.False(t, result.IsFailure, result.FailureMessage)
	assert.Equal(t, existing.ID, result.OrderURI)
	assert.Zero(t, eng.newOrderCalls, "resume must not create a new order")
}

func TestBeginOrderReadyNeedsNoAuthorizationWork(t *testing.T) {
	eng := newFakeEngine()
	existing := eng.seedOrder("example.com")
	existing.Status = acme.StatusReady
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "example.com",
		ExistingOrderURI: existing.ID,
	})

	require.False(t, result.IsFailure, result.FailureMessage)
	assert.False(t, result.IsPendingAuthorizations)
	assert.Empty(t, result.Authorizations)
	assert.Empty(t, eng.authzFetches)
}

func TestBeginOrderCARejection(t *testing.T) {
	eng := newFakeEngine()
	eng.newOrderErr = &resources.Problem{
		Type:   "urn:ietf:params:acme:error:rateLimited",
		Detail: "too many certificates already issued for example.com",
		Status: 429,
	}
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain: "example.com",
	})

	require.True(t, result.IsFailure)
	assert.Equal(t, "too many certificates already issued for example.com", result.FailureMessage)
	require.Len(t, result.Authorizations, 1,
		"a failed order carries exactly one synthetic authorization")
	assert.True(t, result.Authorizations[0].IsFailed)
	assert.Equal(t, result.FailureMessage, result.Authorizations[0].AuthorizationError)

	assert.Equal(t, 1, eng.newOrderCalls, "policy rejections must not be retried")
}

func TestBeginOrderRetriesTransportFaults(t *testing.T) {
	eng := newFakeEngine()
	eng.newOrderErr = errors.New("connection reset by peer")
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain: "example.com",
	})

	require.True(t, result.IsFailure)
	assert.Equal(t, orderCreateAttempts, eng.newOrderCalls)
	assert.Contains(t, result.FailureMessage, "connection reset")
}

func TestBeginOrderSurfacesInvalidAuthorization(t *testing.T) {
	eng := newFakeEngine()
	existing := eng.seedOrder("example.com")
	authz := eng.authzs[existing.Authorizations[0]]
	authz.Status = acme.StatusInvalid
	authz.Challenges[0].Status = acme.StatusInvalid
	authz.Challenges[0].Error = &resources.Problem{
		Type:   "urn:ietf:params:acme:error:unauthorized",
		Detail: "Invalid response from http://example.com/.well-known/acme-challenge/tok-example.com",
	}
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "example.com",
		ExistingOrderURI: existing.ID,
	})

	require.False(t, result.IsFailure)
	require.Len(t, result.Authorizations, 1)
	failed := result.Authorizations[0]
	assert.True(t, failed.IsFailed)
	assert.Contains(t, failed.AuthorizationError, "Invalid response")
}

func TestBeginOrderWildcardIdentifier(t *testing.T) {
	eng := newFakeEngine()
	existing := eng.seedOrder("example.com")
	eng.authzs[existing.Authorizations[0]].Wildcard = true
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain:    "*.example.com",
		ExistingOrderURI: existing.ID,
	})

	require.False(t, result.IsFailure, result.FailureMessage)
	require.Len(t, result.Authorizations, 1)
	assert.Equal(t, "*.example.com", result.Authorizations[0].Identifier)
	assert.True(t, result.Authorizations[0].IsWildcard)
}

func TestBeginOrderBadIdentifier(t *testing.T) {
	eng := newFakeEngine()
	session := newTestSession(t, testConfig(t), eng)
	orchestrator := NewOrchestrator(session, zerolog.Nop())

	result := orchestrator.BeginOrder(context.Background(), OrderRequest{
		PrimaryDomain: "",
	})

	require.True(t, result.IsFailure)
	assert.Zero(t, eng.newOrderCalls)
}
