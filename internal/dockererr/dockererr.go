// Package dockererr defines the error taxonomy shared by every core
// subsystem. Core code never returns a bare error for a classifiable
// failure — it wraps one of the sentinels below with fmt.Errorf("%w: ...")
// so that both errors.Is checks and the (external) HTTP layer's status-code
// mapping keep working off the same values.
package dockererr

import "errors"

// Sentinel errors, one per taxonomy entry in the specification's error
// handling design. Wrap with fmt.Errorf("%w: detail", Sentinel) at the
// point of failure; never construct a new unrelated error for a case
// that already has a sentinel here.
var (
	NotFound              = errors.New("not found")
	AmbiguousPrefix       = errors.New("ambiguous prefix")
	NameConflict          = errors.New("name already in use")
	InvalidArgument       = errors.New("invalid argument")
	InvalidState          = errors.New("invalid state")
	Conflict              = errors.New("conflict")
	ResourceExhausted     = errors.New("resource exhausted")
	Unsupported           = errors.New("unsupported")
	PermissionDenied      = errors.New("permission denied")
	OperationNotPermitted = errors.New("operation not permitted")
	ControlPlaneUnavailable = errors.New("control plane unavailable")
	Internal              = errors.New("internal error")
)

// HTTPStatus maps a sentinel (or any error wrapping one) to the Docker
// Engine API status code the external HTTP layer would use. The core
// does not depend on net/http; this mapping exists so the HTTP layer
// can be implemented without reinventing classification.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, NotFound):
		return 404
	case errors.Is(err, AmbiguousPrefix), errors.Is(err, InvalidArgument):
		return 400
	case errors.Is(err, NameConflict), errors.Is(err, Conflict):
		return 409
	case errors.Is(err, InvalidState):
		return 409
	case errors.Is(err, ResourceExhausted):
		return 507
	case errors.Is(err, Unsupported):
		return 400
	case errors.Is(err, PermissionDenied), errors.Is(err, OperationNotPermitted):
		return 403
	case errors.Is(err, ControlPlaneUnavailable):
		return 503
	case errors.Is(err, Internal):
		return 500
	default:
		return 500
	}
}
