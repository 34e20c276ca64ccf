package renewal

import (
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/keys"
	"github.com/certforge/certforge/acme/resources"
)

// Resolver turns the challenges of an authorization into ChallengeItems:
// the token, the expected response value and the resource location the
// responder must provision. It never provisions anything itself.
type Resolver struct {
	session *Session
}

func NewResolver(session *Session) *Resolver {
	return &Resolver{session: session}
}

// Resolve describes the http-01 and dns-01 options offered by the
// authorization for the given effective identifier (wildcard prefix
// included). Challenges the CA already reports valid come back with
// IsValidated set and need no further action.
func (r *Resolver) Resolve(authz *resources.Authorization, identifier string) ([]ChallengeItem, error) {
	signer := r.session.accountSigner()
	if signer == nil {
		return nil, fmt.Errorf("renewal: no account key available")
	}

	supported := lo.Filter(authz.Challenges, func(ch resources.Challenge, _ int) bool {
		return ch.Type == acme.ChallengeTypeHTTP01 || ch.Type == acme.ChallengeTypeDNS01
	})

	baseDomain := strings.TrimPrefix(identifier, "*.")

	var items []ChallengeItem
	for _, ch := range supported {
		keyAuth := keys.KeyAuth(signer, ch.Token)

		item := ChallengeItem{
			Type:         ch.Type,
			Identifier:   identifier,
			IsValidated:  ch.Status == acme.StatusValid,
			challengeURL: ch.URL,
		}

		switch ch.Type {
		case acme.ChallengeTypeHTTP01:
			item.Key = ch.Token
			item.Value = keyAuth
			item.ResourceLocation = fmt.Sprintf(
				"http://%s/.well-known/acme-challenge/%s", baseDomain, ch.Token)
		case acme.ChallengeTypeDNS01:
			item.Key = "_acme-challenge." + baseDomain
			item.Value = keys.DNSKeyAuthDigest(keyAuth)
			item.ResourceLocation = item.Key
		}

		items = append(items, item)
	}

	return items, nil
}
