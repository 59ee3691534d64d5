package web

import (
	"fmt"
	"reflect"
	"testing"

	terrors "github.com/trellisca/trellis/errors"
	"github.com/trellisca/trellis/probs"
	"github.com/trellisca/trellis/test"
)

func TestProblemDetailsForError(t *testing.T) {
	// errMsg is used as the msg argument for `ProblemDetailsForError` and is
	// always returned in the problem detail.
	const errMsg = "testError"
	// detailMsg is used as the msg argument for the individual error types and is
	// sometimes not present in the produced problem's detail.
	const detailMsg = "testDetail"
	// fullDetail is what we expect the problem detail to look like when it
	// contains both the error message and the detail message
	fullDetail := fmt.Sprintf("%s :: %s", errMsg, detailMsg)
	testCases := []struct {
		err        error
		statusCode int
		problem    probs.ProblemType
		detail     string
	}{
		// Internal server errors expect just the `errMsg` in detail.
		{terrors.InternalServerError(detailMsg), 500, probs.ServerInternalProblem, errMsg},
		// Other errors expect the full detail message
		{terrors.MalformedError(detailMsg), 400, probs.MalformedProblem, fullDetail},
		{terrors.UnauthorizedError(detailMsg), 403, probs.UnauthorizedProblem, fullDetail},
		{terrors.NotFoundError(detailMsg), 404, probs.MalformedProblem, fullDetail},
		{terrors.New(terrors.RateLimit, detailMsg), 429, probs.RateLimitedProblem, fullDetail},
		{terrors.RejectedIdentifierError(detailMsg), 400, probs.RejectedIdentifierProblem, fullDetail},
		{terrors.UnsupportedIdentifierError(detailMsg), 400, probs.UnsupportedIdentifierProblem, fullDetail},
		{terrors.DuplicateError(detailMsg), 409, probs.ConflictProblem, fullDetail},
		{terrors.OrderNotReadyError(detailMsg), 403, probs.OrderNotReadyProblem, fullDetail},
		{terrors.BadNonceError(detailMsg), 400, probs.BadNonceProblem, fullDetail},
		{terrors.BadCSRError(detailMsg), 400, probs.BadCSRProblem, fullDetail},
		{terrors.BadPublicKeyError(detailMsg), 400, probs.BadPublicKeyProblem, fullDetail},
		{terrors.BadSignatureAlgorithmError(detailMsg), 400, probs.BadSignatureAlgorithmProblem, fullDetail},
		{terrors.AccountDoesNotExistError(detailMsg), 400, probs.AccountDoesNotExistProblem, fullDetail},
	}
	for _, c := range testCases {
		p := ProblemDetailsForError(c.err, errMsg)
		if p.HTTPStatus != c.statusCode {
			t.Errorf("Incorrect status code for %s. Expected %d, got %d", reflect.TypeOf(c.err).Name(), c.statusCode, p.HTTPStatus)
		}
		if p.Type != c.problem {
			t.Errorf("Expected problem urn %#v, got %#v", c.problem, p.Type)
		}
		if p.Detail != c.detail {
			t.Errorf("Expected detailed message %q, got %q", c.detail, p.Detail)
		}
	}

	expected := &probs.ProblemDetails{
		Type:       probs.MalformedProblem,
		HTTPStatus: 200,
		Detail:     "gotcha",
	}
	p := ProblemDetailsForError(expected, "k")
	test.AssertDeepEquals(t, expected, p)
}
