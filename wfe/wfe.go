// Package wfe implements the ACME HTTP front end: it translates RFC 8555
// requests into calls on the registration authority, and renders the
// results as the JSON objects and problem documents clients expect.
package wfe

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/goodkey"
	"github.com/trellisca/trellis/identifier"
	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/nonce"
	"github.com/trellisca/trellis/probs"
	"github.com/trellisca/trellis/web"
)

// Paths are the ACME-spec identified URL path-segments for various methods.
// NOTE: In metrics/measured_http we make the assumption that these are all
// lowercase plus hyphens. If you violate that assumption you should update
// measured_http.
const (
	directoryPath = "/directory"
	newAcctPath   = "/acme/new-acct"
	acctPath      = "/acme/acct/"
	newNoncePath  = "/acme/new-nonce"
	rolloverPath  = "/acme/key-change"
	newOrderPath  = "/acme/new-order"
	orderPath     = "/acme/order/"
	finalizePath  = "/acme/finalize/"
	authzPath     = "/acme/authz/"
	challengePath = "/acme/chall/"
	certPath      = "/acme/cert/"
)

// WebFrontEndImpl provides all the logic for Trellis's web-facing interface,
// i.e., a REST API for ACME. The ServeMux method produces a handler that
// routes requests to the various endpoint handlers.
type WebFrontEndImpl struct {
	ra core.RegistrationAuthority
	sa core.StorageAuthority

	log blog.Logger
	clk clock.Clock

	nonceService *nonce.NonceService
	keyPolicy    *goodkey.KeyPolicy

	// URL to the current subscriber agreement (optional). When set, new
	// accounts must agree to it.
	SubscriberAgreementURL string

	// AllowOrigins is a list of origins for which CORS requests are
	// answered. "*" allows any origin.
	AllowOrigins []string

	// DirectoryCAAIdentity is advertised in the directory's "meta" element
	// as the sole "caaIdentities" entry (optional).
	DirectoryCAAIdentity string

	// DirectoryWebsite is advertised in the directory's "meta" element as
	// the "website" field (optional).
	DirectoryWebsite string

	// requestTimeout bounds the handling of a single request.
	requestTimeout time.Duration

	// certChainPEM is appended after the leaf in certificate downloads.
	certChainPEM []byte

	joseErrorCount *prometheus.CounterVec
	httpErrorCount *prometheus.CounterVec
}

// NewWebFrontEndImpl constructs a web service for Trellis.
func NewWebFrontEndImpl(
	logger blog.Logger,
	clk clock.Clock,
	stats prometheus.Registerer,
	keyPolicy *goodkey.KeyPolicy,
	nonceService *nonce.NonceService,
	ra core.RegistrationAuthority,
	sa core.StorageAuthority,
	certChain []*x509.Certificate,
	requestTimeout time.Duration,
) (*WebFrontEndImpl, error) {
	if logger == nil || nonceService == nil || ra == nil || sa == nil {
		return nil, errors.New("must provide a logger, nonce service, RA, and SA")
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	var chainPEM bytes.Buffer
	for _, cert := range certChain {
		err := pem.Encode(&chainPEM, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		if err != nil {
			return nil, err
		}
	}

	joseErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jose_errors",
			Help: "Number of errors encountered while authenticating JWS requests",
		},
		[]string{"type"})
	stats.MustRegister(joseErrorCount)

	httpErrorCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_errors",
			Help: "Number of client-visible HTTP errors, by problem type",
		},
		[]string{"type"})
	stats.MustRegister(httpErrorCount)

	return &WebFrontEndImpl{
		log:            logger,
		clk:            clk,
		keyPolicy:      keyPolicy,
		nonceService:   nonceService,
		ra:             ra,
		sa:             sa,
		certChainPEM:   chainPEM.Bytes(),
		requestTimeout: requestTimeout,
		joseErrorCount: joseErrorCount,
		httpErrorCount: httpErrorCount,
	}, nil
}

// HandleFunc registers a handler at the given path. It's
// http.HandleFunc(), but with a wrapper around the handler that
// provides some generic per-request functionality:
//
//   - Set a Replay-Nonce header.
//   - Respond to OPTIONS requests, including CORS preflight requests.
//   - Respond http.StatusMethodNotAllowed for HTTP methods other than
//     those listed.
//   - Set CORS headers when responding to CORS "actual" requests.
//   - Never send a body in response to a HEAD request. (Anything
//     written by the handler will be discarded if the method is HEAD.)
func (wfe *WebFrontEndImpl) HandleFunc(mux *http.ServeMux, pattern string, h web.WFEHandlerFunc, methods ...string) {
	methodsMap := make(map[string]bool)
	for _, m := range methods {
		methodsMap[m] = true
	}
	if methodsMap[http.MethodGet] && !methodsMap[http.MethodHead] {
		// Allow HEAD for any resource that allows GET
		methods = append(methods, http.MethodHead)
		methodsMap[http.MethodHead] = true
	}
	methodsStr := strings.Join(methods, ", ")
	handler := http.StripPrefix(pattern, web.NewTopHandler(wfe.log,
		web.WFEHandlerFunc(func(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
			logEvent.Endpoint = pattern
			if request.URL != nil {
				logEvent.Slug = request.URL.Path
			}

			nonceStr, err := wfe.nonceService.Nonce()
			if err != nil {
				wfe.sendError(response, logEvent,
					probs.ServerInternal("unable to make nonce"), err)
				return
			}
			response.Header().Set("Replay-Nonce", nonceStr)

			// Per section 7.1 "Resources":
			//   The "index" link relation is present on all resources other
			//   than the directory and indicates the URL of the directory.
			if pattern != directoryPath {
				directoryURL := web.RelativeEndpoint(request, directoryPath)
				response.Header().Add("Link", link(directoryURL, "index"))
			}

			switch request.Method {
			case "HEAD":
				// Go's net/http (and httptest) servers will strip out the
				// body of responses for us. This keeps the Content-Length
				// for HEAD requests as the same as GET requests per the
				// spec.
			case "OPTIONS":
				wfe.Options(response, request, methodsStr, methodsMap)
				return
			}

			// No cache header is set for all requests, succeed or fail.
			addNoCacheHeader(response)

			if !methodsMap[request.Method] {
				response.Header().Set("Allow", methodsStr)
				wfe.sendError(response, logEvent, probs.MethodNotAllowed(), nil)
				return
			}

			wfe.setCORSHeaders(response, request, "")

			timeout := wfe.requestTimeout
			ctx, cancel := context.WithTimeout(ctx, timeout)

			// Call the wrapped handler.
			h(ctx, logEvent, response, request)
			cancel()
		}),
	))
	mux.Handle(pattern, handler)
}

// Handler returns an http.Handler that uses various functions for various
// ACME-specified paths.
func (wfe *WebFrontEndImpl) Handler() http.Handler {
	mux := http.NewServeMux()
	wfe.HandleFunc(mux, directoryPath, wfe.Directory, "GET")
	wfe.HandleFunc(mux, newNoncePath, wfe.Nonce, "GET", "HEAD")
	wfe.HandleFunc(mux, newAcctPath, wfe.NewAccount, "POST")
	wfe.HandleFunc(mux, acctPath, wfe.Account, "POST")
	wfe.HandleFunc(mux, rolloverPath, wfe.KeyRollover, "POST")
	wfe.HandleFunc(mux, newOrderPath, wfe.NewOrder, "POST")
	wfe.HandleFunc(mux, orderPath, wfe.GetOrder, "POST")
	wfe.HandleFunc(mux, finalizePath, wfe.FinalizeOrder, "POST")
	wfe.HandleFunc(mux, authzPath, wfe.Authorization, "POST")
	wfe.HandleFunc(mux, challengePath, wfe.Challenge, "POST")
	wfe.HandleFunc(mux, certPath, wfe.Certificate, "POST")

	// We don't use our special HandleFunc for "/" because it matches
	// everything, meaning we can wind up returning 405 when we mean to return
	// 404.
	mux.Handle("/", web.NewTopHandler(wfe.log, web.WFEHandlerFunc(wfe.Index)))
	return mux
}

// Method implementations

// Index serves a simple identification page. It is not part of the ACME
// spec.
func (wfe *WebFrontEndImpl) Index(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	// All requests that are not handled by our ACME endpoints ends up
	// here. Set the our logEvent endpoint to "/" and the slug to the path
	// minus "/" to make sure that we properly set log information about
	// the request, even in the case of a 404
	logEvent.Endpoint = "/"
	logEvent.Slug = request.URL.Path[1:]

	// http.NotFound and http.redirectHandler cover the path-should-end-
	// with-slash errors. We redirect to the directory here as well
	if request.URL.Path != "/" {
		logEvent.AddError("Resource not found")
		http.NotFound(response, request)
		response.Header().Set("Content-Type", "application/problem+json")
		return
	}

	if request.Method != "GET" {
		response.Header().Set("Allow", "GET")
		wfe.sendError(response, logEvent, probs.MethodNotAllowed(), errors.New("Bad method"))
		return
	}

	addNoCacheHeader(response)
	response.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(response, `<html>
<body>
This is an <a href="https://www.rfc-editor.org/rfc/rfc8555.html">ACME</a>
Certificate Authority running Trellis.
<a href="%s">Directory</a>
</body>
</html>
`, web.RelativeEndpoint(request, directoryPath))
}

func addNoCacheHeader(response http.ResponseWriter) {
	response.Header().Add("Cache-Control", "public, max-age=0, no-cache")
}

// randomDirKeyExplanationLink is what we set the directory's randomly-keyed
// entry to.
const randomDirKeyExplanationLink = "https://community.letsencrypt.org/t/adding-random-entries-to-the-directory/33417"

// Directory is an HTTP request handler that provides the directory
// object stored in the WFE's DirectoryEndpoints member with paths prefixed
// using the `request.Host` of the HTTP request.
func (wfe *WebFrontEndImpl) Directory(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	directoryEndpoints := map[string]interface{}{
		"newAccount": web.RelativeEndpoint(request, newAcctPath),
		"newNonce":   web.RelativeEndpoint(request, newNoncePath),
		"newOrder":   web.RelativeEndpoint(request, newOrderPath),
		"keyChange":  web.RelativeEndpoint(request, rolloverPath),
	}

	// Add a random key to the directory in order to ensure that clients
	// don't hardcode the directory's contents.
	directoryEndpoints[core.RandomString(8)] = randomDirKeyExplanationLink

	metaMap := map[string]interface{}{
		"externalAccountRequired": false,
	}
	if wfe.SubscriberAgreementURL != "" {
		metaMap["termsOfService"] = wfe.SubscriberAgreementURL
	}
	if wfe.DirectoryCAAIdentity != "" {
		// The RFC 8555 meta format accepts multiple CAA identities but we
		// only use one.
		metaMap["caaIdentities"] = []string{wfe.DirectoryCAAIdentity}
	}
	if wfe.DirectoryWebsite != "" {
		metaMap["website"] = wfe.DirectoryWebsite
	}
	directoryEndpoints["meta"] = metaMap

	response.Header().Set("Content-Type", "application/json")

	relDir, err := marshalIndent(directoryEndpoints)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("unable to marshal JSON directory"), err)
		return
	}

	response.Write(relDir)
}

// Nonce is an endpoint for getting a fresh nonce with an HTTP GET or HEAD
// request. The nonce itself is set by HandleFunc, like on every other
// response.
func (wfe *WebFrontEndImpl) Nonce(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	if request.Method == http.MethodGet {
		// A GET request returns a 204 No Content
		response.WriteHeader(http.StatusNoContent)
	} else {
		// A HEAD request returns a 200 OK
		response.WriteHeader(http.StatusOK)
	}
}

// sendError wraps web.SendError
func (wfe *WebFrontEndImpl) sendError(response http.ResponseWriter, logEvent *web.RequestEvent, prob *probs.ProblemDetails, ierr error) {
	wfe.httpErrorCount.WithLabelValues(string(prob.Type)).Inc()
	web.SendError(wfe.log, response, logEvent, prob, ierr)
}

func link(url, relation string) string {
	return fmt.Sprintf("<%s>;rel=\"%s\"", url, relation)
}

func (wfe *WebFrontEndImpl) relativeEndpoint(request *http.Request, endpoint string, segments ...string) string {
	return web.RelativeEndpoint(request, endpoint, segments...)
}

// accountCreateRequest is the JSON payload of a new-account request.
type accountCreateRequest struct {
	Contact              *[]string `json:"contact"`
	TermsOfServiceAgreed bool      `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool      `json:"onlyReturnExisting"`
}

// NewAccount is used by clients to submit a new account
func (wfe *WebFrontEndImpl) NewAccount(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	// NewAccount uses `validSelfAuthenticatedPOST` instead of
	// `validPOSTforAccount` because there is no account to authenticate
	// against until after it is created!
	body, key, prob := wfe.validSelfAuthenticatedPOST(request, logEvent)
	if prob != nil {
		// validSelfAuthenticatedPOST handles its own setting of logEvent.Errors
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	var accountCreateRequest accountCreateRequest
	err := json.Unmarshal(body, &accountCreateRequest)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformed("Error unmarshaling JSON"), err)
		return
	}

	// Check to see if a registration already exists for the provided key
	existing, err := wfe.sa.GetRegistrationByKey(ctx, key)
	if err == nil {
		// An account already exists for this key: return 200 with the
		// account URL in a Location header, per RFC 8555 section 7.3.1.
		response.Header().Set("Location",
			wfe.relativeEndpoint(request, acctPath, strconv.FormatInt(existing.ID, 10)))
		logEvent.Requester = existing.ID
		prepAccountForDisplay(&existing)
		err = wfe.writeJSONResponse(response, logEvent, http.StatusOK, existing)
		if err != nil {
			wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling account"), err)
		}
		return
	}
	var berr *terrors.TrellisError
	if !errors.As(err, &berr) || berr.Type != terrors.NotFound {
		wfe.sendError(response, logEvent,
			probs.ServerInternal("failed check for existing account"), err)
		return
	}

	// The key has no associated account.
	if accountCreateRequest.OnlyReturnExisting {
		wfe.sendError(response, logEvent, probs.AccountDoesNotExist(
			"No account exists with the provided key"), nil)
		return
	}

	if wfe.SubscriberAgreementURL != "" && !accountCreateRequest.TermsOfServiceAgreed {
		wfe.sendError(response, logEvent, probs.Malformed("must agree to terms of service"), nil)
		return
	}

	acct, err := wfe.ra.NewRegistration(ctx, core.Registration{
		Contact:   accountCreateRequest.Contact,
		Agreement: wfe.SubscriberAgreementURL,
		Key:       key,
	})
	if err != nil {
		if errors.As(err, &berr) && berr.Type == terrors.Duplicate {
			// Another request raced us to create an account for this key.
			// Fetch it and return it as if we had found it up front.
			existing, getErr := wfe.sa.GetRegistrationByKey(ctx, key)
			if getErr == nil {
				response.Header().Set("Location",
					wfe.relativeEndpoint(request, acctPath, strconv.FormatInt(existing.ID, 10)))
				prepAccountForDisplay(&existing)
				_ = wfe.writeJSONResponse(response, logEvent, http.StatusOK, existing)
				return
			}
		}
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Error creating new account"), err)
		return
	}
	logEvent.Requester = acct.ID
	logEvent.Created = fmt.Sprintf("%d", acct.ID)

	acctURL := wfe.relativeEndpoint(request, acctPath, strconv.FormatInt(acct.ID, 10))
	response.Header().Add("Location", acctURL)
	if wfe.SubscriberAgreementURL != "" {
		response.Header().Add("Link", link(wfe.SubscriberAgreementURL, "terms-of-service"))
	}

	prepAccountForDisplay(&acct)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusCreated, acct)
	if err != nil {
		// ServerInternal because we just created this registration, and it
		// should be OK.
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling account"), err)
		return
	}
}

// prepAccountForDisplay takes a core.Registration and mutates it to be ready
// for display in a JSON response. Primarily it papers over legacy ACME v1
// features or non-standard details internal to Trellis we don't want clients
// to rely on.
func prepAccountForDisplay(acct *core.Registration) {
	// The registration ID is communicated through the account URL, not a
	// body field.
	acct.ID = 0
	// The account key is the one the client used to authenticate; echoing
	// it back is redundant per RFC 8555 section 7.1.2.
	acct.Key = nil
}

// accountUpdateRequest is the JSON payload of a POST to an account URL.
type accountUpdateRequest struct {
	Contact *[]string `json:"contact"`
	Status  string    `json:"status"`
}

// Account is used by a client to submit an update to their account.
func (wfe *WebFrontEndImpl) Account(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, currAcct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Requests to this handler should have a path that leads to a known
	// account
	idStr := request.URL.Path
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		wfe.sendError(response, logEvent, probs.Malformedf("Account ID must be an integer, was %q", idStr), err)
		return
	}
	if id != currAcct.ID {
		wfe.sendError(response, logEvent,
			probs.Unauthorized("Request signing key did not match account key"), nil)
		return
	}

	acct := *currAcct
	// An empty payload is a POST-as-GET for the account object.
	if string(body) != "" {
		var update accountUpdateRequest
		err = json.Unmarshal(body, &update)
		if err != nil {
			wfe.sendError(response, logEvent, probs.Malformed("Error unmarshaling account update"), err)
			return
		}

		switch {
		case update.Status == string(core.StatusDeactivated):
			err = wfe.ra.DeactivateRegistration(ctx, acct)
			if err != nil {
				wfe.sendError(response, logEvent,
					web.ProblemDetailsForError(err, "Error deactivating account"), err)
				return
			}
			acct.Status = core.StatusDeactivated
		case update.Status != "" && update.Status != string(core.StatusValid):
			wfe.sendError(response, logEvent, probs.Malformedf(
				"Invalid value provided for status field: %q", update.Status), nil)
			return
		default:
			acct, err = wfe.ra.UpdateRegistration(ctx, acct, core.Registration{Contact: update.Contact})
			if err != nil {
				wfe.sendError(response, logEvent,
					web.ProblemDetailsForError(err, "Error updating account"), err)
				return
			}
		}
	}

	prepAccountForDisplay(&acct)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusOK, acct)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal account"), err)
	}
}

// KeyRollover allows a user to change their signing key
func (wfe *WebFrontEndImpl) KeyRollover(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	// Validate the outer JWS on the key rollover in standard fashion using
	// validPOSTForAccount
	outerBody, outerJWS, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// The outer JWS payload is itself a JWS, signed by the new key.
	innerJWS, prob := wfe.parseJWS(outerBody, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	rolloverReq, prob := wfe.validKeyRollover(outerJWS, innerJWS, acct.Key, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// The inner payload's account URL must name the account that signed the
	// outer JWS.
	expectedURL := wfe.relativeEndpoint(request, acctPath, strconv.FormatInt(acct.ID, 10))
	if rolloverReq.Account != expectedURL {
		wfe.sendError(response, logEvent, probs.Malformedf(
			"Inner JWS 'account' field %q does not match account URL %q",
			rolloverReq.Account, expectedURL), nil)
		return
	}

	newKey := innerJWS.Signatures[0].Header.JSONWebKey
	updated, err := wfe.ra.UpdateRegistrationKey(ctx, *acct, core.Registration{Key: newKey})
	if err != nil {
		var berr *terrors.TrellisError
		if errors.As(err, &berr) && berr.Type == terrors.Duplicate {
			// Per RFC 8555 section 7.3.5 a rollover to a key that is already
			// in use is a conflict.
			wfe.sendError(response, logEvent, probs.Conflict(berr.Detail), err)
			return
		}
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Unable to update account key"), err)
		return
	}

	prepAccountForDisplay(&updated)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusOK, updated)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal account"), err)
	}
}

// newOrderRequest is the JSON payload of a new-order request.
type newOrderRequest struct {
	Identifiers []identifier.ACMEIdentifier `json:"identifiers"`
}

// orderJSON is the ACME wire representation of an order.
type orderJSON struct {
	Status         core.AcmeStatus             `json:"status"`
	Expires        time.Time                   `json:"expires"`
	Identifiers    []identifier.ACMEIdentifier `json:"identifiers"`
	Authorizations []string                    `json:"authorizations"`
	Finalize       string                      `json:"finalize"`
	Certificate    string                      `json:"certificate,omitempty"`
	Error          *probs.ProblemDetails       `json:"error,omitempty"`
}

// orderToOrderJSON converts a *core.Order instance into an orderJSON struct
// with the URL fields populated based on the request.
func (wfe *WebFrontEndImpl) orderToOrderJSON(request *http.Request, order *core.Order) orderJSON {
	idents := make([]identifier.ACMEIdentifier, len(order.Identifiers))
	copy(idents, order.Identifiers)

	finalizeURL := wfe.relativeEndpoint(request, finalizePath,
		strconv.FormatInt(order.RegistrationID, 10), strconv.FormatInt(order.ID, 10))
	respObj := orderJSON{
		Status:      order.Status,
		Expires:     order.Expires,
		Identifiers: idents,
		Finalize:    finalizeURL,
		Error:       order.Error,
	}
	for _, authzID := range order.AuthzIDs {
		respObj.Authorizations = append(respObj.Authorizations,
			wfe.relativeEndpoint(request, authzPath, authzID))
	}
	if order.CertificateSerial != "" {
		respObj.Certificate = wfe.relativeEndpoint(request, certPath, order.CertificateSerial)
	}
	return respObj
}

// NewOrder is used by clients to create a new order object from a CSR
func (wfe *WebFrontEndImpl) NewOrder(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	var newOrderRequest newOrderRequest
	err := json.Unmarshal(body, &newOrderRequest)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Unable to unmarshal NewOrder request body"), err)
		return
	}

	if len(newOrderRequest.Identifiers) == 0 {
		wfe.sendError(response, logEvent,
			probs.Malformed("NewOrder request did not specify any identifiers"), nil)
		return
	}

	// We only allow DNS identifiers.
	for _, ident := range newOrderRequest.Identifiers {
		if ident.Type != identifier.DNS {
			wfe.sendError(response, logEvent, probs.UnsupportedIdentifier(fmt.Sprintf(
				"NewOrder request included unsupported identifier: type %q, value %q",
				ident.Type, ident.Value)), nil)
			return
		}
	}

	order, err := wfe.ra.NewOrder(ctx, acct.ID, newOrderRequest.Identifiers)
	if err != nil {
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Error creating new order"), err)
		return
	}
	logEvent.Created = fmt.Sprintf("%d", order.ID)

	orderURL := wfe.relativeEndpoint(request, orderPath,
		strconv.FormatInt(acct.ID, 10), strconv.FormatInt(order.ID, 10))
	response.Header().Set("Location", orderURL)

	respObj := wfe.orderToOrderJSON(request, order)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusCreated, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling order"), err)
	}
}

// orderFromPath loads the order named by a "{acctID}/{orderID}" path slug
// and checks that it belongs to the posting account.
func (wfe *WebFrontEndImpl) orderFromPath(ctx context.Context, path string, acct *core.Registration) (*core.Order, *probs.ProblemDetails) {
	fields := strings.SplitN(path, "/", 2)
	if len(fields) != 2 {
		return nil, probs.NotFound("Invalid request path")
	}
	acctID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, probs.NotFound("Invalid account ID")
	}
	orderID, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, probs.NotFound("Invalid order ID")
	}

	order, err := wfe.sa.GetOrder(ctx, orderID)
	if err != nil {
		var berr *terrors.TrellisError
		if errors.As(err, &berr) && berr.Type == terrors.NotFound {
			return nil, probs.NotFound(fmt.Sprintf("No order for ID %d", orderID))
		}
		return nil, probs.ServerInternal(fmt.Sprintf("Failed to retrieve order for ID %d", orderID))
	}

	if order.RegistrationID != acctID {
		return nil, probs.NotFound(fmt.Sprintf("No order found for account ID %d", acctID))
	}
	if acct.ID != order.RegistrationID {
		return nil, probs.Unauthorized(fmt.Sprintf(
			"Account %d did not create order %d", acct.ID, order.ID))
	}
	return order, nil
}

// GetOrder is used to retrieve a existing order object
func (wfe *WebFrontEndImpl) GetOrder(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	acct, prob := wfe.validPOSTAsGETForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	order, prob := wfe.orderFromPath(ctx, request.URL.Path, acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// Derive the displayed status from the authorizations so a client polls
	// its way from pending to ready without any separate trigger.
	err := wfe.ra.RecomputeOrderStatus(ctx, order)
	if err != nil {
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Error computing order status"), err)
		return
	}
	logEvent.Status = string(order.Status)

	respObj := wfe.orderToOrderJSON(request, order)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusOK, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Error marshaling order"), err)
	}
}

// FinalizeOrder is used to request issuance for a ready order.
func (wfe *WebFrontEndImpl) FinalizeOrder(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	order, prob := wfe.orderFromPath(ctx, request.URL.Path, acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	// The authenticated finalize message body should be an encoded CSR
	var rawCSR struct {
		CSR string `json:"csr"`
	}
	err := json.Unmarshal(body, &rawCSR)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Error unmarshaling finalize order request"), err)
		return
	}

	// CSRs are base64url encoded DER, not PEM.
	csrDER, err := base64.RawURLEncoding.DecodeString(rawCSR.CSR)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Error decoding finalize order request: CSR is not base64url encoded"), err)
		return
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		wfe.sendError(response, logEvent,
			probs.Malformed("Error parsing certificate request"), err)
		return
	}

	order, err = wfe.ra.FinalizeOrder(ctx, order, csr)
	if err != nil {
		wfe.sendError(response, logEvent,
			web.ProblemDetailsForError(err, "Error finalizing order"), err)
		return
	}
	logEvent.Status = string(order.Status)

	orderURL := wfe.relativeEndpoint(request, orderPath,
		strconv.FormatInt(acct.ID, 10), strconv.FormatInt(order.ID, 10))
	response.Header().Set("Location", orderURL)

	respObj := wfe.orderToOrderJSON(request, order)
	err = wfe.writeJSONResponse(response, logEvent, http.StatusOK, respObj)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Unable to write finalize order response"), err)
	}
}

// prepAuthorizationForDisplay takes a core.Authorization and prepares it for
// display by clients: the identifier of a wildcard authorization gets its
// "*." prefix restored, and each challenge gets its client-facing URL.
func (wfe *WebFrontEndImpl) prepAuthorizationForDisplay(request *http.Request, authz *core.Authorization) {
	if authz.Wildcard {
		authz.Identifier.Value = "*." + authz.Identifier.Value
	}
	for i := range authz.Challenges {
		authz.Challenges[i].URL = wfe.relativeEndpoint(request, challengePath,
			authz.ID, authz.Challenges[i].StringID())
		// Challenge error details are already client-facing problems; every
		// other internal field is suppressed by its JSON tag.
	}
	// The authorization ID and registration ID are not part of the wire
	// object; their JSON tags hide them.
}

// authzFromPath loads the authorization with the given ID and checks that
// the posting account owns it. Expired authorizations are treated as not
// found.
func (wfe *WebFrontEndImpl) authzFromPath(ctx context.Context, authzID string, acct *core.Registration) (core.Authorization, *probs.ProblemDetails) {
	authz, err := wfe.sa.GetAuthorization(ctx, authzID)
	if err != nil {
		var berr *terrors.TrellisError
		if errors.As(err, &berr) && berr.Type == terrors.NotFound {
			return core.Authorization{}, probs.NotFound("No such authorization")
		}
		return core.Authorization{}, probs.ServerInternal("Problem getting authorization")
	}
	if authz.RegistrationID != acct.ID {
		return core.Authorization{}, probs.Unauthorized("Account does not own authorization")
	}
	if authz.Expires == nil || authz.Expires.Before(wfe.clk.Now()) {
		return core.Authorization{}, probs.NotFound("Expired authorization")
	}
	return authz, nil
}

// Authorization is used by clients to poll or deactivate an authorization.
func (wfe *WebFrontEndImpl) Authorization(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	authz, prob := wfe.authzFromPath(ctx, request.URL.Path, acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}
	logEvent.Status = string(authz.Status)
	logEvent.DNSName = authz.Identifier.Value

	if string(body) != "" {
		// A non-empty payload must be a deactivation request.
		var req struct {
			Status core.AcmeStatus `json:"status"`
		}
		err := json.Unmarshal(body, &req)
		if err != nil {
			wfe.sendError(response, logEvent,
				probs.Malformed("Error unmarshaling JSON"), err)
			return
		}
		if req.Status != core.StatusDeactivated {
			wfe.sendError(response, logEvent,
				probs.Malformed("Invalid status value"), nil)
			return
		}
		err = wfe.ra.DeactivateAuthorization(ctx, authz)
		if err != nil {
			wfe.sendError(response, logEvent,
				web.ProblemDetailsForError(err, "Error deactivating authorization"), err)
			return
		}
		authz.Status = core.StatusDeactivated
	} else {
		logEvent.Method = "POST-as-GET"
	}

	wfe.prepAuthorizationForDisplay(request, &authz)
	err := wfe.writeJSONResponse(response, logEvent, http.StatusOK, authz)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to JSON marshal authz"), err)
	}
}

// Challenge handles POSTS to both formats of challenge URLs:
// POST-as-GET to poll, POST with a body of "{}" to initiate validation.
// The path is expected to be "{authzID}/{challengeID}".
func (wfe *WebFrontEndImpl) Challenge(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	body, _, acct, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	slug := strings.SplitN(request.URL.Path, "/", 2)
	if len(slug) != 2 {
		wfe.sendError(response, logEvent, probs.NotFound("No such challenge"), nil)
		return
	}

	authz, prob := wfe.authzFromPath(ctx, slug[0], acct)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	challengeIndex := authz.FindChallengeByStringID(slug[1])
	if challengeIndex == -1 {
		wfe.sendError(response, logEvent, probs.NotFound("No such challenge"), nil)
		return
	}
	logEvent.DNSName = authz.Identifier.Value
	logEvent.ChallengeType = string(authz.Challenges[challengeIndex].Type)
	logEvent.Status = string(authz.Challenges[challengeIndex].Status)

	if string(body) != "" {
		// A POST with a body initiates validation. RFC 8555 says the body
		// must be the empty JSON object.
		updated, err := wfe.ra.PerformValidation(ctx, authz, challengeIndex)
		if err != nil {
			wfe.sendError(response, logEvent,
				web.ProblemDetailsForError(err, "Unable to update challenge"), err)
			return
		}
		authz = updated
	} else {
		logEvent.Method = "POST-as-GET"
	}

	wfe.prepAuthorizationForDisplay(request, &authz)
	challenge := authz.Challenges[challengeIndex]

	response.Header().Add("Link", link(
		wfe.relativeEndpoint(request, authzPath, authz.ID), "up"))

	err := wfe.writeJSONResponse(response, logEvent, http.StatusOK, challenge)
	if err != nil {
		wfe.sendError(response, logEvent, probs.ServerInternal("Failed to marshal challenge"), err)
	}
}

// Certificate is used by clients to request a copy of their current
// certificate, or to request a reissuance of the certificate.
func (wfe *WebFrontEndImpl) Certificate(ctx context.Context, logEvent *web.RequestEvent, response http.ResponseWriter, request *http.Request) {
	acct, prob := wfe.validPOSTAsGETForAccount(request, ctx, logEvent)
	if prob != nil {
		wfe.sendError(response, logEvent, prob, nil)
		return
	}

	serial := request.URL.Path
	// Certificate paths consist of the CertBase path, plus exactly sixteen
	// hex digits.
	if !core.ValidSerial(serial) {
		logEvent.AddError("certificate serial provided was not valid: %s", serial)
		wfe.sendError(response, logEvent, probs.NotFound("Certificate not found"), nil)
		return
	}

	cert, err := wfe.sa.GetCertificate(ctx, serial)
	if err != nil {
		var berr *terrors.TrellisError
		if errors.As(err, &berr) && berr.Type == terrors.NotFound {
			wfe.sendError(response, logEvent, probs.NotFound("Certificate not found"), nil)
		} else {
			wfe.sendError(response, logEvent,
				probs.ServerInternal("Failed to retrieve certificate"), err)
		}
		return
	}

	// Only the account that ordered a certificate may fetch it.
	if cert.RegistrationID != acct.ID {
		wfe.sendError(response, logEvent,
			probs.Unauthorized("Account in use did not order the certificate"), nil)
		return
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.DER,
	})
	responsePEM := append(leafPEM, wfe.certChainPEM...)

	response.Header().Set("Content-Type", "application/pem-certificate-chain")
	response.Header().Set("Content-Length", strconv.Itoa(len(responsePEM)))
	response.WriteHeader(http.StatusOK)
	_, err = response.Write(responsePEM)
	if err != nil {
		wfe.log.Warningf("Could not write response: %s", err)
	}
}

// Options responds to an HTTP OPTIONS request.
func (wfe *WebFrontEndImpl) Options(response http.ResponseWriter, request *http.Request, methodsStr string, methodsMap map[string]bool) {
	// Every OPTIONS request gets an Allow header with a list of supported methods.
	response.Header().Set("Allow", methodsStr)

	// CORS preflight requests get additional headers. See
	// http://www.w3.org/TR/cors/#resource-preflight-requests
	reqMethod := request.Header.Get("Access-Control-Request-Method")
	if reqMethod == "" {
		reqMethod = "GET"
	}
	if methodsMap[reqMethod] {
		wfe.setCORSHeaders(response, request, methodsStr)
	}
}

// setCORSHeaders() tells the client that CORS is acceptable for this
// request. If allowMethods == "" the request is assumed to be a CORS
// actual request and no Access-Control-Allow-Methods header will be sent.
func (wfe *WebFrontEndImpl) setCORSHeaders(response http.ResponseWriter, request *http.Request, allowMethods string) {
	reqOrigin := request.Header.Get("Origin")
	if reqOrigin == "" {
		// This is not a CORS request.
		return
	}

	// Allow CORS if the current origin (or "*") is listed as accepted origin
	// in config. Otherwise this call set no CORS headers, which confuses
	// the client into trying a non-CORS request.
	var allow bool
	for _, ao := range wfe.AllowOrigins {
		if ao == "*" {
			response.Header().Set("Access-Control-Allow-Origin", "*")
			allow = true
			break
		} else if ao == reqOrigin {
			response.Header().Set("Vary", "Origin")
			response.Header().Set("Access-Control-Allow-Origin", ao)
			allow = true
			break
		}
	}
	if !allow {
		return
	}

	if allowMethods != "" {
		// For an OPTIONS request: allow all methods handled at this URL.
		response.Header().Set("Access-Control-Allow-Methods", allowMethods)
	}
	response.Header().Set("Access-Control-Expose-Headers", "Link, Replay-Nonce, Location")
	response.Header().Set("Access-Control-Max-Age", "86400")
}

// writeJSONResponse marshals the given object as indented JSON and writes
// it with the given status code. On a marshaling error nothing has been
// written and the caller can still send a problem document.
func (wfe *WebFrontEndImpl) writeJSONResponse(response http.ResponseWriter, logEvent *web.RequestEvent, status int, v interface{}) error {
	jsonReply, err := marshalIndent(v)
	if err != nil {
		return err
	}

	response.Header().Set("Content-Type", "application/json")
	response.WriteHeader(status)
	_, err = response.Write(jsonReply)
	if err != nil {
		// Don't worry about returning this error because the caller will
		// never handle it.
		wfe.log.Warningf("Could not write response: %s", err)
		logEvent.AddError("failed to write response: %s", err)
	}
	return nil
}

func marshalIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
