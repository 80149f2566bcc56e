package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/verdict/internal/adapters/broadcast"
	"github.com/okian/verdict/internal/domain/model"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnsupported  = errors.New("streaming unsupported")
	ErrUnidentified = errors.New("caller identity required")
)

// Error carries the operation that failed alongside its kind.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap annotates err with op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// WrapKind annotates err with op and kind.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// NewKind returns an error of kind for op.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

type statusCode struct {
	kind   error
	status int
	code   string
}

// ordered: the first matching kind wins
var statusCodes = []statusCode{
	{ErrUnidentified, http.StatusUnauthorized, "UNAUTHENTICATED"},
	{ErrBadRequest, http.StatusBadRequest, "BAD_REQUEST"},
	{ErrUnsupported, http.StatusInternalServerError, "STREAMING_UNSUPPORTED"},
	{model.ErrDenied, http.StatusForbidden, "DENIED"},
	{model.ErrOutOfRange, http.StatusUnprocessableEntity, "OUT_OF_RANGE"},
	{model.ErrUnknownCriterion, http.StatusUnprocessableEntity, "UNKNOWN_CRITERION"},
	{model.ErrUnknownSortField, http.StatusBadRequest, "UNKNOWN_SORT_FIELD"},
	{model.ErrInvalidValue, http.StatusBadRequest, "INVALID_VALUE"},
	{model.ErrInvalidConfig, http.StatusBadRequest, "INVALID_CONFIG"},
	{model.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{model.ErrCycle, http.StatusConflict, "CYCLE"},
	{model.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{model.ErrConflict, http.StatusConflict, "CONFLICT"},
	{model.ErrIntegrationTimeout, http.StatusGatewayTimeout, "INTEGRATION_TIMEOUT"},
	{model.ErrRuleActionFailure, http.StatusBadGateway, "RULE_ACTION_FAILURE"},
	{broadcast.ErrClosed, http.StatusServiceUnavailable, "UNAVAILABLE"},
}

// classify maps an error to its HTTP status and wire code.
func classify(err error) (int, string) {
	for _, sc := range statusCodes {
		if errors.Is(err, sc.kind) {
			return sc.status, sc.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}
