// certforge provides a one-shot command-line interface for ordering,
// validating, finalizing and revoking ACME certificates.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/certforge/certforge/acme"
	"github.com/certforge/certforge/cmd"
	"github.com/certforge/certforge/config"
	"github.com/certforge/certforge/renewal"
	"github.com/certforge/certforge/responder"
	"github.com/certforge/certforge/storage"
)

const (
	HTTP_PORT_DEFAULT = 5002
	DNS_PORT_DEFAULT  = 5252
)

func main() {
	cfg, err := config.Load()
	cmd.FailOnError(err, "Unable to load configuration")

	directory := flag.String(
		"directory",
		cfg.DirectoryURL,
		"Directory URL for ACME server")

	caCert := flag.String(
		"ca",
		cfg.CACert,
		"CA certificate(s) for verifying ACME server HTTPS")

	email := flag.String(
		"contact",
		cfg.ContactEmail,
		"Contact email address for the ACME account")

	domains := flag.String(
		"domains",
		"",
		"Comma separated domain list, primary domain first")

	orderURI := flag.String(
		"order",
		"",
		"Optional URI of an existing order to resume")

	keyAlg := flag.String(
		"keyalg",
		cfg.KeyAlgorithm,
		"CSR key algorithm: RS256, ECDSA256 or ECDSA384")

	revokeBundle := flag.String(
		"revoke",
		"",
		"Path of a certificate bundle to revoke instead of ordering")

	selfServe := flag.Bool(
		"selfserve",
		false,
		"Answer challenges with an embedded challenge response server")

	httpPort := flag.Int(
		"httpPort",
		HTTP_PORT_DEFAULT,
		"HTTP-01 challenge server port (with -selfserve)")

	dnsPort := flag.Int(
		"dnsPort",
		DNS_PORT_DEFAULT,
		"DNS-01 challenge server port (with -selfserve)")

	pebble := flag.Bool(
		"pebble",
		false,
		"Use Pebble defaults")

	flag.Parse()

	if *pebble {
		pebbleDirectory := "https://localhost:14000/dir"
		directory = &pebbleDirectory
		pebbleBaseDir := os.Getenv("GOPATH")
		pebbleCA := pebbleBaseDir + "/src/github.com/letsencrypt/pebble/test/certs/pebble.minica.pem"
		caCert = &pebbleCA
	}

	cfg.DirectoryURL = *directory
	cfg.CACert = *caCert
	cfg.ContactEmail = *email
	cfg.KeyAlgorithm = *keyAlg

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	ctx := context.Background()

	store := storage.NewStore(cfg.DataDir, logger)
	session := renewal.NewSession(cfg, store, renewal.DefaultEngineFactory(cfg, logger), logger)

	if *revokeBundle != "" {
		status := renewal.NewRevoker(session, logger).Revoke(ctx, *revokeBundle, cfg.BundlePassword)
		if !status.OK {
			cmd.FailOnError(fmt.Errorf("%s", status.Message), "Revocation failed")
		}
		fmt.Println(status.Message)
		return
	}

	if *domains == "" {
		cmd.FailOnError(fmt.Errorf("-domains is required"), "Missing required flag")
	}
	names := strings.Split(*domains, ",")
	primary, altNames := names[0], names[1:]

	err = session.Register(ctx, cfg.ContactEmail)
	cmd.FailOnError(err, "Unable to register ACME account")

	orchestrator := renewal.NewOrchestrator(session, logger)
	result := orchestrator.BeginOrder(ctx, renewal.OrderRequest{
		PrimaryDomain:    primary,
		AlternativeNames: altNames,
		ExistingOrderURI: *orderURI,
	})
	if result.IsFailure {
		cmd.FailOnError(fmt.Errorf("%s", result.FailureMessage), "Order failed")
	}

	var rsp *responder.Responder
	if *selfServe && result.IsPendingAuthorizations {
		rsp, err = responder.New(*httpPort, *dnsPort, logger)
		cmd.FailOnError(err, "Unable to start challenge response server")
		defer rsp.Shutdown()
		go cmd.CatchSignals(rsp.Shutdown)
	}

	poller := renewal.NewPoller(session, cfg, logger)
	for _, authz := range result.Authorizations {
		if authz.IsValidated {
			continue
		}
		if len(authz.Challenges) == 0 {
			cmd.FailOnError(fmt.Errorf("no usable challenges for %s", authz.Identifier),
				"Authorization cannot be satisfied")
		}
		item := authz.Challenges[0]

		if rsp != nil {
			rsp.Publish(item)
			defer rsp.Withdraw(item)
		} else {
			fmt.Printf("%s: provision %s at %s with value %q, then re-run\n",
				authz.Identifier, item.Type, item.ResourceLocation, item.Value)
			continue
		}

		status := poller.Submit(ctx, item)
		if !status.OK {
			cmd.FailOnError(fmt.Errorf("%s", status.Message), "Challenge submission failed")
		}

		updated, err := poller.AwaitAuthorization(ctx, authz.AuthzURI)
		cmd.FailOnError(err, "Waiting for authorization")
		if updated.Status != acme.StatusValid {
			cmd.FailOnError(fmt.Errorf("%s", renewal.AuthorizationErrorDetail(updated)),
				"Authorization failed")
		}
	}

	if rsp == nil && result.IsPendingAuthorizations {
		// Without -selfserve the caller provisions responses out of band.
		return
	}

	finalizer := renewal.NewFinalizer(session, cfg, logger)
	artifact, err := finalizer.Finalize(ctx, result.OrderURI, renewal.FinalizeRequest{
		PrimaryDomain:   primary,
		SubjectAltNames: altNames,
		KeyAlgorithm:    cfg.KeyAlgorithm,
		BundlePassword:  cfg.BundlePassword,
	})
	cmd.FailOnError(err, "Finalization failed")

	fmt.Printf("%s\n%s\n", artifact.FriendlyLabel, artifact.BundlePath)
}
