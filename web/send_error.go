package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	blog "github.com/trellisca/trellis/log"
	"github.com/trellisca/trellis/probs"
)

// SendError does a few things that we want for each error response:
//   - Adds both the external and the internal error to a RequestEvent.
//   - If the ProblemDetails provided is a ServerInternalProblem, audit logs the
//     internal error.
//   - Prefixes the Type field of the ProblemDetails with the RFC 8555
//     namespace.
//   - Sends an HTTP response containing the error and an error code to a user.
func SendError(
	log blog.Logger,
	response http.ResponseWriter,
	logEvent *RequestEvent,
	prob *probs.ProblemDetails,
	ierr error,
) {
	// Record details to the log event
	if len(prob.SubProblems) > 0 {
		subDetails := make([]string, len(prob.SubProblems))
		for i, sub := range prob.SubProblems {
			subDetails[i] = fmt.Sprintf("%q", fmt.Sprintf("%s :: %s :: %s", sub.Identifier.Value, sub.Type, sub.Detail))
		}
		logEvent.Error = fmt.Sprintf("%d :: %s :: %s [%s]",
			prob.HTTPStatus, prob.Type, prob.Detail, strings.Join(subDetails, ", "))
	} else {
		logEvent.Error = fmt.Sprintf("%d :: %s :: %s", prob.HTTPStatus, prob.Type, prob.Detail)
	}

	// Only audit log internal errors so users cannot purposefully cause
	// auditable events.
	if prob.Type == probs.ServerInternalProblem {
		if ierr != nil {
			log.AuditErrf("Internal error - %s - %s", prob.Detail, ierr)
		} else {
			log.AuditErrf("Internal error - %s", prob.Detail)
		}
	}

	// Attach the formal namespace to the problem type, and to the type of each
	// sub-problem, before marshaling.
	prob.Type = probs.ProblemType(probs.ErrorNS) + prob.Type
	for i := range prob.SubProblems {
		prob.SubProblems[i].Type = probs.ProblemType(probs.ErrorNS) + prob.SubProblems[i].Type
	}
	problemDoc, err := marshalIndent(prob)
	if err != nil {
		log.AuditErrf("Could not marshal error message: %s - %+v", err, prob)
		problemDoc = []byte("{\"detail\": \"Problem marshalling error message.\"}")
	}

	// Write the JSON problem response
	response.Header().Set("Content-Type", "application/problem+json")
	response.WriteHeader(prob.HTTPStatus)
	response.Write(problemDoc)
}

// marshalIndent marshals its argument as indented JSON without escaping HTML
// metacharacters. Problem details frequently quote client input, and escaped
// input is harder to read back out of the logs.
func marshalIndent(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	err := enc.Encode(v)
	return buf.Bytes(), err
}
