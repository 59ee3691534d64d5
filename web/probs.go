package web

import (
	"errors"
	"fmt"

	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/probs"
)

func problemDetailsForTrellisError(err *terrors.TrellisError, msg string) *probs.ProblemDetails {
	var outProb *probs.ProblemDetails

	switch err.Type {
	case terrors.Malformed:
		outProb = probs.Malformed(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.Unauthorized:
		outProb = probs.Unauthorized(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.NotFound:
		outProb = probs.NotFound(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.RateLimit:
		outProb = probs.RateLimited(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.InternalServer:
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		outProb = probs.ServerInternal(msg)
	case terrors.RejectedIdentifier:
		outProb = probs.RejectedIdentifier(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.UnsupportedIdentifier:
		outProb = probs.UnsupportedIdentifier(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.ConnectionFailure:
		outProb = probs.Connection(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.DNS:
		outProb = probs.DNS(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.Duplicate:
		outProb = probs.Conflict(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.OrderNotReady:
		outProb = probs.OrderNotReady(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.BadPublicKey:
		outProb = probs.BadPublicKey(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.BadCSR:
		outProb = probs.BadCSR(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.BadNonce:
		outProb = probs.BadNonce(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.BadSignatureAlgorithm:
		outProb = probs.BadSignatureAlgorithm(fmt.Sprintf("%s :: %s", msg, err))
	case terrors.AccountDoesNotExist:
		outProb = probs.AccountDoesNotExist(fmt.Sprintf("%s :: %s", msg, err))
	default:
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		outProb = probs.ServerInternal(msg)
	}

	if len(err.SubErrors) > 0 {
		var subProbs []probs.SubProblemDetails
		for _, subErr := range err.SubErrors {
			subProbs = append(subProbs, subProblemDetailsForSubError(subErr, msg))
		}
		return outProb.WithSubProblems(subProbs)
	}

	return outProb
}

// subProblemDetailsForSubError converts a SubTrellisError into
// a SubProblemDetails using problemDetailsForTrellisError.
func subProblemDetailsForSubError(subErr terrors.SubTrellisError, msg string) probs.SubProblemDetails {
	return probs.SubProblemDetails{
		Identifier:     subErr.Identifier,
		ProblemDetails: *problemDetailsForTrellisError(subErr.TrellisError, msg),
	}
}

// ProblemDetailsForError turns an error into a ProblemDetails with the special
// case of returning the same error back if its already a ProblemDetails. If the
// error is of a type unknown to ProblemDetailsForError, it will return
// a ServerInternal ProblemDetails.
func ProblemDetailsForError(err error, msg string) *probs.ProblemDetails {
	var probsProblem *probs.ProblemDetails
	var trellisError *terrors.TrellisError
	if errors.As(err, &probsProblem) {
		return probsProblem
	} else if errors.As(err, &trellisError) {
		return problemDetailsForTrellisError(trellisError, msg)
	} else {
		// Internal server error messages may include sensitive data, so we do
		// not include it.
		return probs.ServerInternal(msg)
	}
}
