// Package responder publishes challenge responses so a CA can observe them
// during validation. It only serves what the renewal pipeline computed; it
// never decides challenge content itself.
package responder

import (
	"fmt"

	"github.com/letsencrypt/challtestsrv"
	"github.com/rs/zerolog"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/renewal"
)

// ChallengeServer is the subset of challtestsrv.ChallSrv the responder uses.
type ChallengeServer interface {
	// Start/stop the challenge server
	Run()
	Shutdown()

	// HTTP-01 challenge add/remove
	AddHTTPOneChallenge(token string, keyAuth string)
	DeleteHTTPOneChallenge(token string)

	// DNS-01 challenge add/remove
	AddDNSOneChallenge(host string, keyAuth string)
	DeleteDNSOneChallenge(host string)
}

// Responder serves http-01 and dns-01 responses from an embedded challenge
// server.
type Responder struct {
	srv ChallengeServer
	log zerolog.Logger
}

// New starts a Responder backed by challtestsrv listening on the given HTTP
// and DNS ports.
func New(httpPort int, dnsPort int, logger zerolog.Logger) (*Responder, error) {
	srv, err := challtestsrv.New(challtestsrv.Config{
		HTTPOneAddrs: []string{fmt.Sprintf(":%d", httpPort)},
		DNSOneAddrs:  []string{fmt.Sprintf(":%d", dnsPort)},
	})
	if err != nil {
		return nil, err
	}

	r := &Responder{srv: srv, log: logger}
	go srv.Run()
	return r, nil
}

// NewWithServer wraps an existing challenge server without starting it.
func NewWithServer(srv ChallengeServer, logger zerolog.Logger) *Responder {
	return &Responder{srv: srv, log: logger}
}

// Publish provisions the response for the given challenge so the CA can
// observe it.
func (r *Responder) Publish(item renewal.ChallengeItem) {
	switch item.Type {
	case acme.ChallengeTypeHTTP01:
		r.log.Debug().Str("token", item.Key).Msg("publishing http-01 response")
		r.srv.AddHTTPOneChallenge(item.Key, item.Value)
	case acme.ChallengeTypeDNS01:
		r.log.Debug().Str("record", item.Key).Msg("publishing dns-01 response")
		r.srv.AddDNSOneChallenge(item.Key+".", item.Value)
	}
}

// Withdraw removes a previously published response.
func (r *Responder) Withdraw(item renewal.ChallengeItem) {
	switch item.Type {
	case acme.ChallengeTypeHTTP01:
		r.srv.DeleteHTTPOneChallenge(item.Key)
	case acme.ChallengeTypeDNS01:
		r.srv.DeleteDNSOneChallenge(item.Key + ".")
	}
}

// Shutdown stops the embedded challenge server.
func (r *Responder) Shutdown() {
	r.srv.Shutdown()
}
