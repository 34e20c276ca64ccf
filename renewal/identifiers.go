package renewal

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/net/idna"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/acme/resources"
)

// NormalizeIdentifier lowercases the domain and converts any international
// labels to their ASCII (ACE) form, preserving a leading "*." wildcard
// prefix.
func NormalizeIdentifier(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", fmt.Errorf("identifier must not be empty")
	}

	wildcard := strings.HasPrefix(domain, "*.")
	base := strings.TrimPrefix(domain, "*.")

	ascii, err := idna.Lookup.ToASCII(base)
	if err != nil {
		return "", fmt.Errorf("identifier %q is not a valid domain: %w", domain, err)
	}

	if wildcard {
		return "*." + ascii, nil
	}
	return ascii, nil
}

// BuildIdentifierSet assembles the ordered, de-duplicated identifier list
// for an order: the ASCII-normalized primary domain first, then each
// alternative name not already present.
func BuildIdentifierSet(primary string, alternatives []string) ([]string, error) {
	normalizedPrimary, err := NormalizeIdentifier(primary)
	if err != nil {
		return nil, err
	}

	set := []string{normalizedPrimary}
	for _, alt := range alternatives {
		normalized, err := NormalizeIdentifier(alt)
		if err != nil {
			return nil, err
		}
		if !lo.Contains(set, normalized) {
			set = append(set, normalized)
		}
	}

	return set, nil
}

// orderIdentifiers maps domain names to the DNS identifiers of a newOrder
// request.
func orderIdentifiers(names []string) []resources.Identifier {
	return lo.Map(names, func(name string, _ int) resources.Identifier {
		return resources.Identifier{
			Type:  acme.IdentifierTypeDNS,
			Value: name,
		}
	})
}
