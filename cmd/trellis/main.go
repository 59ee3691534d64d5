// Command trellis runs every component of the ACME CA in a single process:
// storage, policy, validation, issuance, and the web front end.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jmhodges/clock"

	"github.com/trellisca/trellis/bdns"
	"github.com/trellisca/trellis/ca"
	"github.com/trellisca/trellis/cmd"
	"github.com/trellisca/trellis/config"
	"github.com/trellisca/trellis/core"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/issuercerts"
	"github.com/trellisca/trellis/metrics/measured_http"
	"github.com/trellisca/trellis/nonce"
	"github.com/trellisca/trellis/policy"
	"github.com/trellisca/trellis/ra"
	"github.com/trellisca/trellis/sa"
	"github.com/trellisca/trellis/va"
	"github.com/trellisca/trellis/web"
	"github.com/trellisca/trellis/wfe"
)

// Config is the unified configuration for a single-process Trellis
// deployment.
type Config struct {
	Trellis struct {
		cmd.ServiceConfig

		// ListenAddress is the address the ACME API listens on.
		ListenAddress string `validate:"required,hostname_port"`

		// Timeout is how long the front end gives each request.
		Timeout config.Duration

		// SubscriberAgreementURL, when set, must be agreed to by new
		// accounts.
		SubscriberAgreementURL string

		// DirectoryCAAIdentity and DirectoryWebsite populate the
		// directory's "meta" element.
		DirectoryCAAIdentity string `validate:"omitempty,fqdn"`
		DirectoryWebsite     string `validate:"omitempty,url"`

		DB cmd.DBConfig

		// HostnamePolicyFile is a YAML file of forbidden and
		// wildcard-forbidden domains.
		HostnamePolicyFile string

		// Challenges enables individual challenge types. Defaults to
		// http-01 and dns-01 when empty.
		Challenges map[core.AcmeChallenge]bool

		GoodKey cmd.GoodKeyConfig

		Issuer cmd.IssuerConfig

		// CertChainFiles are the PEM certificates served after the leaf
		// in certificate downloads, in any order.
		CertChainFiles []string

		// SerialPrefix is the first byte of every certificate serial.
		// Must be between 1 and 127.
		SerialPrefix int `validate:"required,min=1,max=127"`

		// CertificateLifetime is the validity period of issued
		// certificates.
		CertificateLifetime config.Duration

		// CertificateBackdate is subtracted from the issuance time to
		// produce notBefore, tolerating clock skew on clients.
		CertificateBackdate config.Duration

		// MaxNames bounds the identifiers in one order or certificate.
		MaxNames int

		// MaxContactsPerRegistration bounds the contact addresses on an
		// account.
		MaxContactsPerRegistration int

		AuthorizationLifetime        config.Duration
		PendingAuthorizationLifetime config.Duration
		OrderLifetime                config.Duration

		// ValidationTimeout bounds a single challenge validation attempt.
		ValidationTimeout config.Duration

		// AuthorizationExpirySweepInterval is how often expired
		// authorizations are swept to their terminal status.
		AuthorizationExpirySweepInterval config.Duration

		DNS struct {
			// Resolvers are addr:port of the recursive resolvers to use.
			Resolvers []string `validate:"min=1,dive,hostname_port"`
			Timeout   config.Duration
			MaxTries  int
		}

		VA struct {
			// HTTPPort is the port http-01 validations connect to.
			// Usually 80; configurable for test environments.
			HTTPPort  int
			UserAgent string
		}
	}

	Syslog cmd.SyslogConfig
}

func main() {
	configFile := flag.String("config", "", "File path to the configuration file for this service")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	var c Config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")
	conf := &c.Trellis

	stats, logger := cmd.StatsAndLogging(c.Syslog, conf.DebugAddr)
	logger.Info(cmd.VersionString())

	clk := clock.New()

	dbURL, err := conf.DB.URL()
	cmd.FailOnError(err, "Couldn't load DB URL")
	dbMap, err := sa.NewDbMap(dbURL, sa.DbSettings{
		MaxOpenConns:    conf.DB.MaxOpenConns,
		MaxIdleConns:    conf.DB.MaxIdleConns,
		ConnMaxLifetime: conf.DB.ConnMaxLifetime.Duration,
		ConnMaxIdleTime: conf.DB.ConnMaxIdleTime.Duration,
	})
	cmd.FailOnError(err, "Couldn't connect to SA database")
	ssa, err := sa.NewSQLStorageAuthority(dbMap, clk, logger)
	cmd.FailOnError(err, "Couldn't create SA")

	challenges := conf.Challenges
	if len(challenges) == 0 {
		challenges = map[core.AcmeChallenge]bool{
			core.ChallengeTypeHTTP01: true,
			core.ChallengeTypeDNS01:  true,
		}
	}
	pa, err := policy.New(challenges, logger)
	cmd.FailOnError(err, "Couldn't create PA")
	if conf.HostnamePolicyFile != "" {
		err = pa.LoadHostnamePolicyFile(conf.HostnamePolicyFile)
		cmd.FailOnError(err, "Couldn't load hostname policy file")
	}

	keyPolicy, err := goodkey.NewKeyPolicy(conf.GoodKey.WeakKeyFile, conf.GoodKey.BlockedKeyFile)
	cmd.FailOnError(err, "Couldn't create key policy")

	servers, err := bdns.NewStaticProvider(conf.DNS.Resolvers)
	cmd.FailOnError(err, "Couldn't parse DNS resolvers")
	dnsTimeout := orDefault(conf.DNS.Timeout.Duration, 5*time.Second)
	maxTries := conf.DNS.MaxTries
	if maxTries < 1 {
		maxTries = 3
	}
	resolver := bdns.New(dnsTimeout, servers, stats, clk, maxTries, logger)

	httpPort := conf.VA.HTTPPort
	if httpPort == 0 {
		httpPort = 80
	}
	vai, err := va.NewValidationAuthorityImpl(resolver, httpPort, conf.VA.UserAgent, stats, clk, logger)
	cmd.FailOnError(err, "Couldn't create VA")

	issuer, err := issuercerts.FromFiles(conf.Issuer.CertFile, conf.Issuer.KeyFile)
	cmd.FailOnError(err, "Couldn't load issuer certificate and key")
	certChain, err := issuercerts.LoadChain(conf.CertChainFiles)
	cmd.FailOnError(err, "Couldn't load certificate chain")
	if !certChain[0].Equal(issuer.Cert) {
		cmd.Fail(fmt.Sprintf("first chain certificate %q is not the issuer certificate", certChain[0].Subject))
	}

	maxNames := conf.MaxNames
	if maxNames == 0 {
		maxNames = 100
	}
	cai, err := ca.NewCertificateAuthorityImpl(
		issuer,
		&keyPolicy,
		byte(conf.SerialPrefix),
		orDefault(conf.CertificateLifetime.Duration, 90*24*time.Hour),
		conf.CertificateBackdate.Duration,
		maxNames,
		stats,
		clk,
		logger,
	)
	cmd.FailOnError(err, "Couldn't create CA")

	rai := ra.NewRegistrationAuthorityImpl(
		clk, logger, stats, &keyPolicy,
		conf.MaxContactsPerRegistration,
		maxNames,
		orDefault(conf.AuthorizationLifetime.Duration, 30*24*time.Hour),
		orDefault(conf.PendingAuthorizationLifetime.Duration, 7*24*time.Hour),
		orDefault(conf.OrderLifetime.Duration, 7*24*time.Hour),
		orDefault(conf.ValidationTimeout.Duration, time.Minute),
	)
	rai.SA = ssa
	rai.PA = pa
	rai.VA = vai
	rai.CA = cai
	stopSweeper := rai.StartExpirySweeper(
		orDefault(conf.AuthorizationExpirySweepInterval.Duration, time.Hour))

	nonceService, err := nonce.NewNonceService(stats, 0)
	cmd.FailOnError(err, "Couldn't create nonce service")

	wfeImpl, err := wfe.NewWebFrontEndImpl(
		logger, clk, stats, &keyPolicy, nonceService,
		rai, ssa, certChain,
		orDefault(conf.Timeout.Duration, 30*time.Second),
	)
	cmd.FailOnError(err, "Couldn't create WFE")
	wfeImpl.SubscriberAgreementURL = conf.SubscriberAgreementURL
	wfeImpl.DirectoryCAAIdentity = conf.DirectoryCAAIdentity
	wfeImpl.DirectoryWebsite = conf.DirectoryWebsite

	handler := measured_http.New(wfeImpl.Handler(), clk, stats)
	srv := web.NewServer(conf.ListenAddress, handler, logger)
	go func() {
		logger.Infof("Server running, listening on %s...", conf.ListenAddress)
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			cmd.FailOnError(err, "Running server")
		}
	}()

	cmd.CatchSignals(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		stopSweeper()
		rai.DrainValidations()
		logger.Info("Shutting down")
	})
}

// orDefault substitutes def for an unset (zero) duration.
func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}
