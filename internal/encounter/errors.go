package encounter

import "errors"

// Failure kinds surfaced to callers. Detailed errors wrap one of these with
// fmt.Errorf("%w: ...") so boundaries can branch with errors.Is.
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("encounter not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// Code returns the stable wire name of err's failure kind, or "internal"
// when err wraps none of them.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
