// Package ra implements the registration authority, the component that owns
// every state transition in the account, order, and authorization lifecycle.
// The web front end translates HTTP into calls on this package; this package
// coordinates the policy, validation, storage, and certificate authorities.
package ra

import (
	"context"
	"crypto/x509"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/core"
	csrlib "github.com/trellisca/trellis/csr"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/web"
)

// RegistrationAuthorityImpl defines an RA.
//
// NOTE: All of the fields in RegistrationAuthorityImpl need to be
// populated, or there is a risk of panic.
type RegistrationAuthorityImpl struct {
	CA core.CertificateAuthority
	VA core.ValidationAuthority
	SA core.StorageAuthority
	PA core.PolicyAuthority

	clk       clock.Clock
	log       blog.Logger
	keyPolicy *goodkey.KeyPolicy

	// How long before a newly created authorization expires.
	authorizationLifetime        time.Duration
	pendingAuthorizationLifetime time.Duration
	orderLifetime                time.Duration
	// validationTimeout bounds the async half of PerformValidation, which
	// outlives the HTTP request that triggered it.
	validationTimeout time.Duration
	maxContactsPerReg int
	maxNames          int

	newRegCounter       prometheus.Counter
	newOrderCounter     prometheus.Counter
	newCertCounter      prometheus.Counter
	validationsCounter  *prometheus.CounterVec
	expiredAuthzCounter prometheus.Counter

	validationWG sync.WaitGroup
}

var _ core.RegistrationAuthority = (*RegistrationAuthorityImpl)(nil)

// NewRegistrationAuthorityImpl constructs a new RA. The CA, VA, SA, and PA
// fields must be populated by the caller before use.
func NewRegistrationAuthorityImpl(
	clk clock.Clock,
	logger blog.Logger,
	stats prometheus.Registerer,
	keyPolicy *goodkey.KeyPolicy,
	maxContactsPerReg int,
	maxNames int,
	authorizationLifetime time.Duration,
	pendingAuthorizationLifetime time.Duration,
	orderLifetime time.Duration,
	validationTimeout time.Duration,
) *RegistrationAuthorityImpl {
	newRegCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_registrations",
		Help: "A counter of new registrations",
	})
	stats.MustRegister(newRegCounter)

	newOrderCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_orders",
		Help: "A counter of new orders",
	})
	stats.MustRegister(newOrderCounter)

	newCertCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "new_certificates",
		Help: "A counter of issued certificates",
	})
	stats.MustRegister(newCertCounter)

	validationsCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_validations",
		Help: "A counter of completed challenge validations, by type and result",
	}, []string{"type", "result"})
	stats.MustRegister(validationsCounter)

	expiredAuthzCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "expired_authorizations",
		Help: "A counter of authorizations moved to expired by the sweeper",
	})
	stats.MustRegister(expiredAuthzCounter)

	return &RegistrationAuthorityImpl{
		clk:                          clk,
		log:                          logger,
		keyPolicy:                    keyPolicy,
		maxContactsPerReg:            maxContactsPerReg,
		maxNames:                     maxNames,
		authorizationLifetime:        authorizationLifetime,
		pendingAuthorizationLifetime: pendingAuthorizationLifetime,
		orderLifetime:                orderLifetime,
		validationTimeout:            validationTimeout,
		newRegCounter:                newRegCounter,
		newOrderCounter:              newOrderCounter,
		newCertCounter:               newCertCounter,
		validationsCounter:           validationsCounter,
		expiredAuthzCounter:          expiredAuthzCounter,
	}
}

// validateContacts checks the provided list of contacts, returning an error
// if any are not acceptable. Unacceptable contacts lists include:
// * An empty contact
// * A contact with a scheme other than mailto
// * Too many contacts
func (ra *RegistrationAuthorityImpl) validateContacts(contacts *[]string) error {
	if contacts == nil || len(*contacts) == 0 {
		return nil
	}

	if ra.maxContactsPerReg > 0 && len(*contacts) > ra.maxContactsPerReg {
		return terrors.MalformedError(
			"too many contacts provided: %d > %d", len(*contacts), ra.maxContactsPerReg)
	}

	for _, contact := range *contacts {
		if contact == "" {
			return terrors.MalformedError("empty contact")
		}
		addr, ok := strings.CutPrefix(contact, "mailto:")
		if !ok {
			return terrors.MalformedError("contact method %q is not supported, only contact scheme 'mailto:' is supported", contact)
		}
		if strings.Contains(addr, "?") || strings.Contains(addr, "#") {
			return terrors.MalformedError("contact email %q contains a question mark or hash", addr)
		}
		if addr == "" || !strings.Contains(addr, "@") {
			return terrors.MalformedError("%q is not a valid e-mail address", addr)
		}
	}
	return nil
}

// NewRegistration constructs a new Registration from a request.
func (ra *RegistrationAuthorityImpl) NewRegistration(ctx context.Context, request core.Registration) (core.Registration, error) {
	if request.Key == nil {
		return core.Registration{}, terrors.MalformedError("new registration request has no public key")
	}
	err := ra.keyPolicy.GoodKey(request.Key.Key)
	if err != nil {
		return core.Registration{}, terrors.MalformedError("invalid public key: %s", err)
	}
	err = ra.validateContacts(request.Contact)
	if err != nil {
		return core.Registration{}, err
	}

	reg := core.Registration{
		Key:       request.Key,
		Contact:   request.Contact,
		Agreement: request.Agreement,
		Status:    core.StatusValid,
	}

	reg, err = ra.SA.NewRegistration(ctx, reg)
	if err != nil {
		return core.Registration{}, err
	}

	ra.newRegCounter.Inc()
	ra.log.Infof("New registration created: id=[%d]", reg.ID)
	return reg, nil
}

// UpdateRegistration updates an existing Registration with new contact
// information. Only the contact and agreement fields are mutable.
func (ra *RegistrationAuthorityImpl) UpdateRegistration(ctx context.Context, base core.Registration, update core.Registration) (core.Registration, error) {
	err := ra.validateContacts(update.Contact)
	if err != nil {
		return core.Registration{}, err
	}

	changed := false
	if update.Contact != nil && !contactsEqual(base.Contact, update.Contact) {
		base.Contact = update.Contact
		changed = true
	}
	if update.Agreement != "" && update.Agreement != base.Agreement {
		base.Agreement = update.Agreement
		changed = true
	}
	if !changed {
		return base, nil
	}

	err = ra.SA.UpdateRegistration(ctx, base)
	if err != nil {
		return core.Registration{}, err
	}
	return base, nil
}

func contactsEqual(a *[]string, b *[]string) bool {
	if a == nil {
		return b == nil || len(*b) == 0
	}
	if b == nil || len(*a) != len(*b) {
		return false
	}
	for i, contact := range *a {
		if (*b)[i] != contact {
			return false
		}
	}
	return true
}

// UpdateRegistrationKey rebinds an account to a new key, for key rollover.
// The new key must pass the key policy and must not already be in use by any
// account, this one included.
func (ra *RegistrationAuthorityImpl) UpdateRegistrationKey(ctx context.Context, base core.Registration, update core.Registration) (core.Registration, error) {
	if update.Key == nil {
		return core.Registration{}, terrors.MalformedError("key rollover request has no new public key")
	}
	err := ra.keyPolicy.GoodKey(update.Key.Key)
	if err != nil {
		return core.Registration{}, terrors.MalformedError("invalid public key: %s", err)
	}
	if core.KeyDigestEquals(base.Key, update.Key) {
		return core.Registration{}, terrors.DuplicateError("new key is the same as the old key")
	}

	existing, err := ra.SA.GetRegistrationByKey(ctx, update.Key)
	if err == nil {
		return core.Registration{}, terrors.DuplicateError(
			"new key is already in use by account %d", existing.ID)
	}
	var berr *terrors.TrellisError
	if !errors.As(err, &berr) || berr.Type != terrors.NotFound {
		return core.Registration{}, err
	}

	base.Key = update.Key
	err = ra.SA.UpdateRegistration(ctx, base)
	if err != nil {
		return core.Registration{}, err
	}

	ra.log.Infof("Registration key updated: id=[%d]", base.ID)
	return base, nil
}

// DeactivateRegistration deactivates a valid registration
func (ra *RegistrationAuthorityImpl) DeactivateRegistration(ctx context.Context, reg core.Registration) error {
	if reg.Status != core.StatusValid {
		return terrors.MalformedError("only valid registrations can be deactivated")
	}
	return ra.SA.DeactivateRegistration(ctx, reg.ID)
}

// NewOrder creates a new order for the given account and identifiers,
// reusing the account's existing valid authorizations where it can and
// creating pending ones where it cannot.
func (ra *RegistrationAuthorityImpl) NewOrder(ctx context.Context, regID int64, idents []identifier.ACMEIdentifier) (*core.Order, error) {
	if len(idents) == 0 {
		return nil, terrors.MalformedError("NewOrder request did not specify any identifiers")
	}

	// Normalize and deduplicate up front so policy, authz reuse, and the
	// stored order all see the same names.
	seen := make(map[identifier.ACMEIdentifier]bool, len(idents))
	unique := make([]identifier.ACMEIdentifier, 0, len(idents))
	for _, ident := range idents {
		norm := ident.Normalize()
		if seen[norm] {
			continue
		}
		seen[norm] = true
		unique = append(unique, norm)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Value < unique[j].Value })

	if ra.maxNames > 0 && len(unique) > ra.maxNames {
		return nil, terrors.MalformedError(
			"Order cannot contain more than %d DNS names", ra.maxNames)
	}

	err := ra.PA.WillingToIssue(unique)
	if err != nil {
		return nil, err
	}

	// Authorizations are stored under the base name. A wildcard name shares
	// its base name's authorization as long as that authorization was solved
	// by DNS-01.
	baseIdents := make([]identifier.ACMEIdentifier, len(unique))
	for i, ident := range unique {
		baseIdents[i] = identifier.DNSIdentifier(strings.TrimPrefix(ident.Value, "*."))
	}
	now := ra.clk.Now()
	reusable, err := ra.SA.GetValidAuthorizations(ctx, regID, baseIdents, now)
	if err != nil {
		return nil, err
	}

	var authzIDs []string
	var newAuthzs []core.Authorization
	for i, ident := range unique {
		wildcard := strings.HasPrefix(ident.Value, "*.")
		existing, ok := reusable[baseIdents[i]]
		if ok && authzSuitable(&existing, wildcard) {
			authzIDs = append(authzIDs, existing.ID)
			continue
		}

		challenges, err := ra.PA.ChallengesFor(ident)
		if err != nil {
			return nil, terrors.InternalServerError("%s", err)
		}
		expires := now.Add(ra.pendingAuthorizationLifetime)
		newAuthzs = append(newAuthzs, core.Authorization{
			Identifier:     baseIdents[i],
			RegistrationID: regID,
			Status:         core.StatusPending,
			Expires:        &expires,
			Challenges:     challenges,
			Wildcard:       wildcard,
		})
	}

	order := &core.Order{
		RegistrationID: regID,
		Expires:        now.Add(ra.orderLifetime),
		Identifiers:    unique,
		AuthzIDs:       authzIDs,
		Status:         core.StatusPending,
	}
	order, err = ra.SA.NewOrderAndAuthzs(ctx, order, newAuthzs)
	if err != nil {
		return nil, err
	}

	// An order built entirely from reused valid authorizations is born ready.
	err = ra.RecomputeOrderStatus(ctx, order)
	if err != nil {
		return nil, err
	}

	ra.newOrderCounter.Inc()
	return order, nil
}

// authzSuitable decides whether an existing valid authorization satisfies a
// name from a new order.
func authzSuitable(authz *core.Authorization, wildcard bool) bool {
	if !wildcard {
		return true
	}
	solvedBy, err := authz.SolvedBy()
	if err != nil {
		return false
	}
	return solvedBy == core.ChallengeTypeDNS01
}

// RecomputeOrderStatus derives the order's effective status from its
// authorizations. It only ever moves a pending order forward, to ready when
// every authorization is valid or to invalid when any authorization has
// failed or the order has expired. Orders that have begun processing are
// left alone.
func (ra *RegistrationAuthorityImpl) RecomputeOrderStatus(ctx context.Context, order *core.Order) error {
	if order.Status != core.StatusPending && order.Status != core.StatusReady {
		return nil
	}

	if !order.Expires.After(ra.clk.Now()) {
		order.Status = core.StatusInvalid
		return nil
	}

	authzs, err := ra.SA.GetAuthorizations(ctx, order.AuthzIDs)
	if err != nil {
		return err
	}
	if len(authzs) != len(order.AuthzIDs) {
		return terrors.InternalServerError(
			"order %d has %d authorizations, found %d", order.ID, len(order.AuthzIDs), len(authzs))
	}

	now := ra.clk.Now()
	status := core.StatusReady
	for _, authz := range authzs {
		switch authz.Status {
		case core.StatusValid:
			if authz.Expires == nil || !authz.Expires.After(now) {
				status = core.StatusInvalid
			}
		case core.StatusPending, core.StatusProcessing:
			if status == core.StatusReady {
				status = core.StatusPending
			}
		default:
			// invalid, deactivated, expired
			status = core.StatusInvalid
		}
		if status == core.StatusInvalid {
			break
		}
	}
	order.Status = status
	return nil
}

// PerformValidation initiates validation of the indexed challenge of the
// given authorization. The returned authorization shows the challenge in
// processing; the validation itself, including all network I/O, happens in a
// goroutine that holds no locks and reports its outcome through storage.
func (ra *RegistrationAuthorityImpl) PerformValidation(ctx context.Context, authz core.Authorization, challengeIndex int) (core.Authorization, error) {
	if authz.Expires == nil || !authz.Expires.After(ra.clk.Now()) {
		return core.Authorization{}, terrors.MalformedError("expired authorization")
	}
	if authz.Status != core.StatusPending {
		return core.Authorization{}, terrors.MalformedError("unable to update challenge: authorization must be pending")
	}
	if challengeIndex < 0 || challengeIndex >= len(authz.Challenges) {
		return core.Authorization{}, terrors.MalformedError("invalid challenge index")
	}

	ch := authz.Challenges[challengeIndex]
	err := ch.CheckPending()
	if err != nil {
		return core.Authorization{}, terrors.MalformedError("%s", err)
	}

	reg, err := ra.SA.GetRegistration(ctx, authz.RegistrationID)
	if err != nil {
		return core.Authorization{}, err
	}
	expectedKeyAuthorization, err := ch.ExpectedKeyAuthorization(reg.Key)
	if err != nil {
		return core.Authorization{}, terrors.InternalServerError("could not compute expected key authorization value")
	}

	// Work on a copy with its own challenge slice so the async goroutine
	// never shares memory with the caller's view.
	updated := authz
	updated.Challenges = make([]core.Challenge, len(authz.Challenges))
	copy(updated.Challenges, authz.Challenges)
	updated.Challenges[challengeIndex].Status = core.StatusProcessing

	ra.validationWG.Add(1)
	go func(authz core.Authorization, ch core.Challenge) {
		defer ra.validationWG.Done()

		vaCtx, cancel := context.WithTimeout(context.Background(), ra.validationTimeout)
		defer cancel()
		records, err := ra.VA.PerformValidation(vaCtx, authz.Identifier, ch, expectedKeyAuthorization)

		now := ra.clk.Now()
		ch.Validated = &now
		ch.ValidationRecord = records
		if err != nil {
			ch.Status = core.StatusInvalid
			ch.Error = web.ProblemDetailsForError(err, "")
			authz.Status = core.StatusInvalid
		} else {
			ch.Status = core.StatusValid
			authz.Status = core.StatusValid
			expires := now.Add(ra.authorizationLifetime)
			authz.Expires = &expires
		}
		authz.Challenges[challengeIndex] = ch
		ra.validationsCounter.With(prometheus.Labels{
			"type":   string(ch.Type),
			"result": string(ch.Status),
		}).Inc()

		// The request context is long gone. Storage gets its own deadline.
		saCtx, cancel := context.WithTimeout(context.Background(), ra.validationTimeout)
		defer cancel()
		err = ra.SA.FinalizeAuthorization(saCtx, authz)
		if err != nil {
			ra.log.AuditErrf("Could not record updated validation: regID=[%d] authzID=[%s] err=[%s]",
				authz.RegistrationID, authz.ID, err)
			return
		}
		ra.log.AuditInfof("Validation result: regID=[%d] authzID=[%s] challengeType=[%s] status=[%s]",
			authz.RegistrationID, authz.ID, ch.Type, ch.Status)
	}(updated, updated.Challenges[challengeIndex])

	return updated, nil
}

// DeactivateAuthorization deactivates a pending or valid authorization.
func (ra *RegistrationAuthorityImpl) DeactivateAuthorization(ctx context.Context, authz core.Authorization) error {
	if authz.Status != core.StatusPending && authz.Status != core.StatusValid {
		return terrors.MalformedError("only pending or valid authorizations can be deactivated")
	}
	return ra.SA.DeactivateAuthorization(ctx, authz.ID)
}

// FinalizeOrder issues a certificate for the given order, which must be
// ready. Once the order has moved to processing any failure is terminal: the
// order goes to invalid with the problem recorded, and the client must
// submit a new order to try again.
func (ra *RegistrationAuthorityImpl) FinalizeOrder(ctx context.Context, order *core.Order, csr *x509.CertificateRequest) (*core.Order, error) {
	err := ra.RecomputeOrderStatus(ctx, order)
	if err != nil {
		return nil, err
	}
	if order.Status != core.StatusReady {
		return nil, terrors.OrderNotReadyError(
			"Order's status (%q) is not acceptable for finalization", order.Status)
	}
	if !order.Expires.After(ra.clk.Now()) {
		return nil, terrors.NotFoundError("order %d is expired", order.ID)
	}

	err = csrlib.VerifyCSR(ctx, csr, ra.maxNames, ra.keyPolicy, ra.PA)
	if err != nil {
		return nil, err
	}

	// The CSR names must exactly equal the order's identifiers.
	csrNames := make([]string, 0, len(csr.DNSNames)+1)
	if csr.Subject.CommonName != "" {
		csrNames = append(csrNames, csr.Subject.CommonName)
	}
	csrNames = core.UniqueLowerNames(append(csrNames, csr.DNSNames...))
	orderNames := make([]string, len(order.Identifiers))
	for i, ident := range order.Identifiers {
		orderNames[i] = ident.Value
	}
	orderNames = core.UniqueLowerNames(orderNames)
	if !namesEqual(csrNames, orderNames) {
		return nil, terrors.UnauthorizedError("CSR does not specify same identifiers as Order")
	}

	err = ra.SA.SetOrderProcessing(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Status = core.StatusProcessing
	order.BeganProcessing = true

	certDER, err := ra.CA.IssueCertificate(ctx, csr, order.RegistrationID)
	if err != nil {
		ra.failOrder(ctx, order, err)
		return order, err
	}

	cert, err := ra.SA.AddCertificate(ctx, certDER, order.RegistrationID, ra.clk.Now())
	if err != nil {
		ra.failOrder(ctx, order, err)
		return order, err
	}

	err = ra.SA.FinalizeOrder(ctx, order.ID, cert.Serial)
	if err != nil {
		ra.failOrder(ctx, order, err)
		return order, err
	}
	order.CertificateSerial = cert.Serial
	order.Status = core.StatusValid

	ra.newCertCounter.Inc()
	ra.log.AuditInfof("Certificate issued: regID=[%d] orderID=[%d] serial=[%s] names=[%s]",
		order.RegistrationID, order.ID, cert.Serial, strings.Join(orderNames, ", "))
	return order, nil
}

func namesEqual(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i, name := range a {
		if b[i] != name {
			return false
		}
	}
	return true
}

// failOrder marks the order invalid, recording the problem that sank it.
// Errors here are logged but not returned: the caller already has a more
// interesting error to report.
func (ra *RegistrationAuthorityImpl) failOrder(ctx context.Context, order *core.Order, orderErr error) {
	prob := web.ProblemDetailsForError(orderErr, "Error finalizing order")
	err := ra.SA.SetOrderError(ctx, order.ID, prob)
	if err != nil {
		ra.log.AuditErrf("Could not persist order error: orderID=[%d] err=[%s]", order.ID, err)
	}
	order.Status = core.StatusInvalid
	order.Error = prob
}

// DrainValidations blocks until all in-flight challenge validations have
// recorded their outcome. Used during shutdown and by tests.
func (ra *RegistrationAuthorityImpl) DrainValidations() {
	ra.validationWG.Wait()
}

// ExpireAuthorizations runs one sweep of the authorization expirer, moving
// pending and valid authorizations whose expiry has passed to expired.
func (ra *RegistrationAuthorityImpl) ExpireAuthorizations(ctx context.Context) {
	count, err := ra.SA.DeactivateExpiredAuthorizations(ctx, ra.clk.Now())
	if err != nil {
		ra.log.Errf("expiring stale authorizations: %s", err)
		return
	}
	if count > 0 {
		ra.expiredAuthzCounter.Add(float64(count))
		ra.log.Infof("Expired %d stale authorizations", count)
	}
}

// StartExpirySweeper runs ExpireAuthorizations on the given interval until
// the returned stop function is called.
func (ra *RegistrationAuthorityImpl) StartExpirySweeper(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				ra.ExpireAuthorizations(ctx)
				cancel()
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
