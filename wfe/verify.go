package wfe

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/trellisca/trellis/core"
	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/probs"
	"github.com/trellisca/trellis/web"
)

const sigAlgErr = "no signature algorithms suitable for given key type"

// acceptedSigAlgs is the list of algorithms a JWS may be signed with.
var acceptedSigAlgs = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

func sigAlgorithmForECDSAKey(key *ecdsa.PublicKey) (jose.SignatureAlgorithm, error) {
	params := key.Params()
	switch params.Name {
	case "P-256":
		return jose.ES256, nil
	case "P-384":
		return jose.ES384, nil
	case "P-521":
		return jose.ES512, nil
	}
	return "", errors.New(sigAlgErr)
}

func sigAlgorithmForKey(key *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	switch k := key.Key.(type) {
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PublicKey:
		return sigAlgorithmForECDSAKey(k)
	}
	return "", errors.New(sigAlgErr)
}

// checkAlgorithm checks that (1) there is a suitable algorithm for the
// provided key based on its Golang type, (2) the Algorithm field on the JWK
// is either absent, or matches that algorithm, and (3) the Algorithm field
// in the JWS protected header matches it. Precondition: parsedJWS must have
// exactly one signature on it.
func checkAlgorithm(key *jose.JSONWebKey, parsedJWS *jose.JSONWebSignature) error {
	sigHeaderAlg := jose.SignatureAlgorithm(parsedJWS.Signatures[0].Header.Algorithm)

	expectedAlg, err := sigAlgorithmForKey(key)
	if err != nil {
		return err
	}
	if sigHeaderAlg != expectedAlg {
		return fmt.Errorf("signature type %q in JWS header is unsupported, expected one of: %v", sigHeaderAlg, acceptedSigAlgs)
	}
	if key.Algorithm != "" && key.Algorithm != string(expectedAlg) {
		return fmt.Errorf("algorithm %q on JWK is unacceptable", key.Algorithm)
	}
	return nil
}

// jwsAuthType represents whether a given POST request is authenticated using
// a JWS with an embedded JWK (new-account, inner key rollover) or an
// embedded Key ID (everything else), or an unsupported/unknown auth type.
type jwsAuthType int

const (
	embeddedJWK jwsAuthType = iota
	embeddedKeyID
	invalidAuthType
)

// checkJWSAuthType examines a JWS' protected headers to determine if the
// request being authenticated by the JWS is identified using an embedded JWK
// or an embedded key ID. If mutually exclusive authentication types are
// specified at the same time a problem is returned. checkJWSAuthType is
// separate from enforceJWSAuthType so that the key rollover endpoint, which
// handles both styles, can determine which type of request it has.
func checkJWSAuthType(header jose.Header) (jwsAuthType, *probs.ProblemDetails) {
	if header.KeyID != "" && header.JSONWebKey != nil {
		return invalidAuthType, probs.Malformed("jwk and kid header fields are mutually exclusive")
	} else if header.KeyID != "" {
		return embeddedKeyID, nil
	} else if header.JSONWebKey != nil {
		return embeddedJWK, nil
	}
	return invalidAuthType, nil
}

// enforceJWSAuthType enforces that the protected header has the provided
// auth type. If there is an error determining the auth type or if it is not
// the expected auth type then a problem is returned.
func (wfe *WebFrontEndImpl) enforceJWSAuthType(header jose.Header, expectedAuthType jwsAuthType) *probs.ProblemDetails {
	authType, prob := checkJWSAuthType(header)
	if prob != nil {
		wfe.joseErrorCount.WithLabelValues("InvalidJWSAuth").Inc()
		return prob
	}
	if authType != expectedAuthType {
		wfe.joseErrorCount.WithLabelValues("WrongJWSAuthType").Inc()
		switch expectedAuthType {
		case embeddedKeyID:
			return probs.Malformed("No Key ID in JWS header")
		case embeddedJWK:
			return probs.Malformed("No embedded JWK in JWS header")
		}
	}
	return nil
}

// validPOSTRequest checks a *http.Request to ensure it has the headers a
// well-formed ACME POST request has, and to ensure there is a body to
// process.
func (wfe *WebFrontEndImpl) validPOSTRequest(request *http.Request, logEvent *web.RequestEvent) *probs.ProblemDetails {
	// All POSTs should have an accompanying Content-Length header
	if _, present := request.Header["Content-Length"]; !present {
		wfe.joseErrorCount.WithLabelValues("ContentLengthRequired").Inc()
		logEvent.AddError("missing Content-Length header on POST")
		return probs.ContentLengthRequired()
	}

	// Per 6.5.1 of RFC 8555 clients should not send a Replay-Nonce header
	// in the HTTP request, it needs to be part of the signed JWS body
	if _, present := request.Header["Replay-Nonce"]; present {
		wfe.joseErrorCount.WithLabelValues("ReplayNonceOutsideJWS").Inc()
		logEvent.AddError("Replay-Nonce header included outside of JWS body")
		return probs.Malformed("HTTP requests should NOT contain Replay-Nonce header. Use JWS nonce field")
	}

	if request.Body == nil {
		wfe.joseErrorCount.WithLabelValues("NoPOSTBody").Inc()
		logEvent.AddError("no body on POST")
		return probs.Malformed("No body on POST")
	}

	return nil
}

// validNonce checks a JWS' Nonce header to ensure it is one that the
// nonceService knows about, otherwise a bad nonce problem is returned.
// NOTE: this function assumes the JWS has already been verified with the
// correct public key.
func (wfe *WebFrontEndImpl) validNonce(jws *jose.JSONWebSignature, logEvent *web.RequestEvent) *probs.ProblemDetails {
	// validNonce is called after parseJWS() which defends against the
	// incorrect number of signatures.
	nonce := jws.Signatures[0].Header.Nonce
	if len(nonce) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMissingNonce").Inc()
		logEvent.AddError("JWS is missing an anti-replay nonce")
		return probs.BadNonce("JWS has no anti-replay nonce")
	}
	if !wfe.nonceService.Valid(nonce) {
		wfe.joseErrorCount.WithLabelValues("JWSInvalidNonce").Inc()
		logEvent.AddError("JWS has an invalid anti-replay nonce: %q", nonce)
		return probs.BadNonce(fmt.Sprintf("JWS has an invalid anti-replay nonce: %q", nonce))
	}
	return nil
}

// validPOSTURL checks the JWS' URL header against the expected URL based on
// the HTTP request. This prevents a JWS intended for one endpoint being
// replayed against a different endpoint.
func (wfe *WebFrontEndImpl) validPOSTURL(request *http.Request, jws *jose.JSONWebSignature, logEvent *web.RequestEvent) *probs.ProblemDetails {
	extraHeaders := jws.Signatures[0].Header.ExtraHeaders
	if len(extraHeaders) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMissingURL").Inc()
		logEvent.AddError("JWS header parameter 'url' missing")
		return probs.Malformed("JWS header parameter 'url' required")
	}
	headerURL, ok := extraHeaders[jose.HeaderKey("url")].(string)
	if !ok || len(headerURL) == 0 {
		wfe.joseErrorCount.WithLabelValues("JWSMissingURL").Inc()
		logEvent.AddError("JWS header parameter 'url' missing")
		return probs.Malformed("JWS header parameter 'url' required")
	}
	expectedURL := url.URL{
		Scheme: requestProto(request),
		Host:   request.Host,
		Path:   request.RequestURI,
	}
	if expectedURL.String() != headerURL {
		wfe.joseErrorCount.WithLabelValues("JWSMismatchedURL").Inc()
		logEvent.AddError("JWS header parameter 'url' incorrect. Expected %q, got %q", expectedURL.String(), headerURL)
		return probs.Malformed(fmt.Sprintf(
			"JWS header parameter 'url' incorrect. Expected %q got %q",
			expectedURL.String(), headerURL))
	}
	return nil
}

// requestProto returns "http" for HTTP requests and "https" for HTTPS
// requests. It supports the use of "X-Forwarded-Proto" to override the
// protocol.
func requestProto(request *http.Request) string {
	proto := "http"
	if request.TLS != nil {
		proto = "https"
	}
	if specifiedProto := request.Header.Get("X-Forwarded-Proto"); specifiedProto != "" {
		proto = specifiedProto
	}
	return proto
}

// maxJWSBody bounds how much of a POST body we are willing to buffer.
const maxJWSBody = 50000

// parseJWS extracts a JSONWebSignature from a byte slice. If there is an
// error reading the JWS or it is unacceptable (e.g. too many/too few
// signatures, unprotected headers) a problem is returned, otherwise the
// parsed *JSONWebSignature is returned.
func (wfe *WebFrontEndImpl) parseJWS(body []byte, logEvent *web.RequestEvent) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	// Parse the raw JWS JSON to check that the unprotected Header field is
	// not being used for a key ID or a JWK. This must be done prior to
	// jose.ParseSigned since it will strip away these headers.
	var unprotected struct {
		Header map[string]string
	}
	err := json.Unmarshal(body, &unprotected)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSParseError").Inc()
		logEvent.AddError("parse error reading JWS from POST body")
		return nil, probs.Malformed("Parse error reading JWS")
	}

	// ACME never uses values from the unprotected JWS header. Reject JWS
	// that include unprotected headers.
	if unprotected.Header != nil {
		wfe.joseErrorCount.WithLabelValues("JWSUnprotectedHeaders").Inc()
		logEvent.AddError("unprotected headers included in JWS")
		return nil, probs.Malformed(
			"JWS \"header\" field not allowed. All headers must be in \"protected\" field")
	}

	// Parse the JWS using go-jose and enforce that the expected one non-empty
	// signature is present in the parsed JWS.
	bodyStr := string(body)
	parsedJWS, err := jose.ParseSigned(bodyStr, acceptedSigAlgs)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSParseError").Inc()
		logEvent.AddError("parse error reading JWS: %s", err)
		return nil, probs.Malformed("Parse error reading JWS")
	}
	if len(parsedJWS.Signatures) > 1 {
		wfe.joseErrorCount.WithLabelValues("TooManySignaturesInJWS").Inc()
		logEvent.AddError("too many signatures in POST body JWS")
		return nil, probs.Malformed("Too many signatures in POST body")
	}
	if len(parsedJWS.Signatures) == 0 {
		wfe.joseErrorCount.WithLabelValues("NoSignaturesInJWS").Inc()
		logEvent.AddError("no signatures in POST body JWS")
		return nil, probs.Malformed("POST JWS not signed")
	}
	if len(parsedJWS.Signatures) == 1 && len(parsedJWS.Signatures[0].Signature) == 0 {
		wfe.joseErrorCount.WithLabelValues("EmptySignatureInJWS").Inc()
		logEvent.AddError("empty signature in POST body JWS")
		return nil, probs.Malformed("POST JWS not signed")
	}

	return parsedJWS, nil
}

// parseJWSRequest extracts a JSONWebSignature from an HTTP POST request's
// body.
func (wfe *WebFrontEndImpl) parseJWSRequest(request *http.Request, logEvent *web.RequestEvent) (*jose.JSONWebSignature, *probs.ProblemDetails) {
	prob := wfe.validPOSTRequest(request, logEvent)
	if prob != nil {
		return nil, prob
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(request.Body, maxJWSBody))
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("UnableToReadReqBody").Inc()
		logEvent.AddError("unable to read request body")
		return nil, probs.ServerInternal("unable to read request body")
	}

	return wfe.parseJWS(bodyBytes, logEvent)
}

// extractJWK extracts a JWK from the protected header of a JWS or returns a
// problem. It expects that the JWS is using the embedded JWK style of
// authentication and does not contain an embedded Key ID.
func (wfe *WebFrontEndImpl) extractJWK(header jose.Header, logEvent *web.RequestEvent) (*jose.JSONWebKey, *probs.ProblemDetails) {
	prob := wfe.enforceJWSAuthType(header, embeddedJWK)
	if prob != nil {
		logEvent.AddError("JWS auth type was not expected embeddedJWK auth")
		return nil, prob
	}

	// Can only be nil if the auth type was wrong, handled above.
	key := header.JSONWebKey

	if !key.Valid() {
		wfe.joseErrorCount.WithLabelValues("InvalidJWK").Inc()
		logEvent.AddError("JWK in request was invalid")
		return nil, probs.Malformed("Invalid JWK in JWS header")
	}

	return key, nil
}

// acctIDFromURL extracts the numeric int64 account ID from a ACME account
// URL. If the acctURL has an invalid URL or the account ID in the acctURL is
// non-numeric a MalformedError is returned.
func (wfe *WebFrontEndImpl) acctIDFromURL(acctURL string, request *http.Request) (int64, error) {
	prefix := wfe.relativeEndpoint(request, acctPath)
	accountIDStr := strings.TrimPrefix(acctURL, prefix)

	accountID, err := strconv.ParseInt(accountIDStr, 10, 64)
	if err != nil {
		return 0, terrors.MalformedError("Malformed account ID in KeyID header URL: %q", acctURL)
	}
	return accountID, nil
}

// lookupJWK finds a JWK associated with the Key ID present in the provided
// protected header, returning the JWK and a pointer to the associated
// account, or a problem. It expects that the JWS header is using the
// embedded Key ID style of authentication and does not contain an embedded
// JWK.
func (wfe *WebFrontEndImpl) lookupJWK(
	header jose.Header,
	ctx context.Context,
	request *http.Request,
	logEvent *web.RequestEvent) (*jose.JSONWebKey, *core.Registration, *probs.ProblemDetails) {
	prob := wfe.enforceJWSAuthType(header, embeddedKeyID)
	if prob != nil {
		logEvent.AddError("JWS auth type was not expected embeddedKeyID auth")
		return nil, nil, prob
	}

	accountURL := header.KeyID
	accountID, err := wfe.acctIDFromURL(accountURL, request)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSInvalidKeyID").Inc()
		logEvent.AddError("JWS key ID was not a valid account URL")
		return nil, nil, web.ProblemDetailsForError(err, "Malformed account ID in KeyID header")
	}

	account, err := wfe.sa.GetRegistration(ctx, accountID)
	if err != nil {
		var berr *terrors.TrellisError
		if errors.As(err, &berr) && berr.Type == terrors.NotFound {
			wfe.joseErrorCount.WithLabelValues("KeyIDNotFound").Inc()
			logEvent.AddError("Account %q not found", accountURL)
			return nil, nil, probs.AccountDoesNotExist(
				fmt.Sprintf("Account %q not found", accountURL))
		}
		wfe.joseErrorCount.WithLabelValues("KeyIDLookupFailed").Inc()
		logEvent.AddError("error retrieving account %q: %s", accountURL, err)
		return nil, nil, probs.ServerInternal(fmt.Sprintf("Error retrieving account %q", accountURL))
	}

	// Deactivated accounts can no longer authenticate requests.
	if account.Status != core.StatusValid {
		wfe.joseErrorCount.WithLabelValues("KeyIDAccountInvalid").Inc()
		logEvent.AddError("Account %q has status %q", accountURL, account.Status)
		return nil, nil, probs.Unauthorized(
			fmt.Sprintf("Account is not valid, has status %q", account.Status))
	}

	logEvent.Requester = account.ID
	return account.Key, &account, nil
}

// validJWSForKey checks that a provided JWS validates correctly using the
// provided JWK. The key/JWS algorithms are verified before any signature
// validation is done. If the JWS signature validates correctly then the JWS
// nonce value and the JWS URL are verified to ensure that they are correct,
// and the payload is checked to be well-formed JSON (or empty, for
// POST-as-GET). The verified payload is returned.
func (wfe *WebFrontEndImpl) validJWSForKey(
	jws *jose.JSONWebSignature,
	jwk *jose.JSONWebKey,
	request *http.Request,
	logEvent *web.RequestEvent) ([]byte, *probs.ProblemDetails) {
	err := checkAlgorithm(jwk, jws)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSAlgorithmCheckFailed").Inc()
		logEvent.AddError("algorithm check failed: %s", err)
		return nil, probs.BadSignatureAlgorithm(err.Error())
	}

	// Verify the JWS signature with the public key.
	// NOTE: It might seem insecure for the WFE to be trusted to verify
	// client requests, i.e., that the verification should be done at the
	// RA. However the WFE is the RA's only view of the outside world
	// *anyway*, so it could always lie about what key was used by faking
	// the signature itself.
	payload, err := jws.Verify(jwk)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWSVerifyFailed").Inc()
		logEvent.AddError("verification of JWS with the JWK failed: %s", err)
		return nil, probs.Malformed("JWS verification error")
	}

	// The signature is good. Only now is it safe to act on the nonce.
	prob := wfe.validNonce(jws, logEvent)
	if prob != nil {
		return nil, prob
	}

	prob = wfe.validPOSTURL(request, jws, logEvent)
	if prob != nil {
		return nil, prob
	}

	// An empty payload is a POST-as-GET; anything else must be JSON.
	if len(payload) > 0 {
		var parsedBody struct{}
		err = json.Unmarshal(payload, &parsedBody)
		if err != nil {
			wfe.joseErrorCount.WithLabelValues("JWSBodyUnmarshalFailed").Inc()
			logEvent.AddError("POST JWS payload is invalid JSON: %s", err)
			return nil, probs.Malformed("Request payload did not parse as JSON")
		}
	}

	return payload, nil
}

// validPOSTForAccount checks that a given POST request has a valid JWS
// verified with the public key associated with a known account, specified by
// the JWS key ID. If the request is valid it returns the validated JWS
// payload, the JWS that was validated, and a pointer to the account.
func (wfe *WebFrontEndImpl) validPOSTForAccount(
	request *http.Request,
	ctx context.Context,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebSignature, *core.Registration, *probs.ProblemDetails) {
	jws, prob := wfe.parseJWSRequest(request, logEvent)
	if prob != nil {
		return nil, nil, nil, prob
	}

	pubKey, account, prob := wfe.lookupJWK(jws.Signatures[0].Header, ctx, request, logEvent)
	if prob != nil {
		return nil, nil, nil, prob
	}

	payload, prob := wfe.validJWSForKey(jws, pubKey, request, logEvent)
	if prob != nil {
		return nil, nil, nil, prob
	}

	return payload, jws, account, nil
}

// validPOSTAsGETForAccount checks that a given POST request is a valid
// POST-as-GET request, in addition to the validations of
// validPOSTForAccount: the payload must be exactly zero bytes.
func (wfe *WebFrontEndImpl) validPOSTAsGETForAccount(
	request *http.Request,
	ctx context.Context,
	logEvent *web.RequestEvent) (*core.Registration, *probs.ProblemDetails) {
	payload, _, account, prob := wfe.validPOSTForAccount(request, ctx, logEvent)
	if prob != nil {
		return nil, prob
	}
	if string(payload) != "" {
		return nil, probs.Malformed("POST-as-GET requests must have an empty payload")
	}
	logEvent.Method = "POST-as-GET"
	return account, nil
}

// validSelfAuthenticatedPOST checks that a given POST request has a valid
// JWS verified with the JWK embedded in the JWS itself (e.g.
// self-authenticated). This type of POST request is only used for creating
// new accounts. All other requests should be validated with
// validPOSTForAccount. The embedded JWK is checked against the key policy
// before any signature validation.
func (wfe *WebFrontEndImpl) validSelfAuthenticatedPOST(
	request *http.Request,
	logEvent *web.RequestEvent) ([]byte, *jose.JSONWebKey, *probs.ProblemDetails) {
	jws, prob := wfe.parseJWSRequest(request, logEvent)
	if prob != nil {
		return nil, nil, prob
	}

	pubKey, prob := wfe.extractJWK(jws.Signatures[0].Header, logEvent)
	if prob != nil {
		return nil, nil, prob
	}

	err := wfe.keyPolicy.GoodKey(pubKey.Key)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("JWKRejectedByGoodKey").Inc()
		logEvent.AddError("JWK rejected by key policy: %s", err)
		return nil, nil, probs.BadPublicKey(err.Error())
	}

	payload, prob := wfe.validJWSForKey(jws, pubKey, request, logEvent)
	if prob != nil {
		return nil, nil, prob
	}

	return payload, pubKey, nil
}

// rolloverRequest is the JSON payload of the inner JWS of a key rollover
// request.
type rolloverRequest struct {
	Account string          `json:"account"`
	OldKey  json.RawMessage `json:"oldKey"`
}

// validKeyRollover checks the inner JWS of a key-change request. The inner
// JWS must be signed by the new key, carry no nonce, embed the new key as a
// JWK, and its url header must match the outer JWS'. Its payload must name
// the rolling-over account and the account's current key.
func (wfe *WebFrontEndImpl) validKeyRollover(
	outerJWS *jose.JSONWebSignature,
	innerJWS *jose.JSONWebSignature,
	oldKey *jose.JSONWebKey,
	logEvent *web.RequestEvent) (*rolloverRequest, *probs.ProblemDetails) {
	innerHeader := innerJWS.Signatures[0].Header

	newKey := innerHeader.JSONWebKey
	if newKey == nil {
		wfe.joseErrorCount.WithLabelValues("InnerJWSNoJWK").Inc()
		logEvent.AddError("inner JWS has no embedded JWK")
		return nil, probs.Malformed("Inner JWS does not contain JWK header parameter")
	}
	if !newKey.Valid() {
		wfe.joseErrorCount.WithLabelValues("InnerJWSInvalidJWK").Inc()
		logEvent.AddError("inner JWS JWK was invalid")
		return nil, probs.Malformed("Invalid JWK in inner JWS header")
	}

	// The inner JWS must not have a nonce of its own; replay protection
	// comes from the outer JWS.
	if innerHeader.Nonce != "" {
		wfe.joseErrorCount.WithLabelValues("InnerJWSHasNonce").Inc()
		logEvent.AddError("inner JWS has a nonce")
		return nil, probs.Malformed("Inner JWS contains a nonce, this is not permitted")
	}

	err := checkAlgorithm(newKey, innerJWS)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("InnerJWSAlgorithmCheckFailed").Inc()
		return nil, probs.BadSignatureAlgorithm(err.Error())
	}

	innerPayload, err := innerJWS.Verify(newKey)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("InnerJWSVerifyFailed").Inc()
		logEvent.AddError("verification of inner JWS with the new key failed: %s", err)
		return nil, probs.Malformed("Inner JWS does not verify with the JWK in its header")
	}

	// The inner and outer JWS must be targeted at the same endpoint.
	outerURL, _ := outerJWS.Signatures[0].Header.ExtraHeaders[jose.HeaderKey("url")].(string)
	innerURL, _ := innerHeader.ExtraHeaders[jose.HeaderKey("url")].(string)
	if innerURL == "" || innerURL != outerURL {
		wfe.joseErrorCount.WithLabelValues("InnerOuterJWSMismatchedURLs").Inc()
		logEvent.AddError("inner and outer JWS 'url' headers do not match")
		return nil, probs.Malformedf(
			"Inner JWS 'url' value %q does not match outer JWS 'url' value %q", innerURL, outerURL)
	}

	var req rolloverRequest
	err = json.Unmarshal(innerPayload, &req)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("InnerJWSUnparseable").Inc()
		logEvent.AddError("inner JWS payload is invalid JSON: %s", err)
		return nil, probs.Malformed("Inner JWS payload did not parse as JSON")
	}

	// The inner payload must identify the old key so a captured rollover
	// request cannot be replayed against a different account.
	var reqOldKey jose.JSONWebKey
	err = reqOldKey.UnmarshalJSON(req.OldKey)
	if err != nil {
		wfe.joseErrorCount.WithLabelValues("InnerJWSBadOldKey").Inc()
		return nil, probs.Malformed("Inner JWS payload 'oldKey' did not parse as a JWK")
	}
	if !core.KeyDigestEquals(&reqOldKey, oldKey) {
		wfe.joseErrorCount.WithLabelValues("InnerJWSOldKeyMismatch").Inc()
		return nil, probs.Malformed("Inner JWS payload 'oldKey' does not match the account's current key")
	}

	return &req, nil
}
