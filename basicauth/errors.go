package basicauth

import "errors"

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrUnsupportedScheme    = errors.New("unsupported authorization scheme")
	ErrMalformedCredentials = errors.New("malformed basic credentials")
	ErrUnknownUser          = errors.New("unknown user")
	ErrInvalidPassword      = errors.New("invalid password")
)

// Reason returns the short label used in metrics and logs for an authentication error.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingAuthorization):
		return "missing_authorization"
	case errors.Is(err, ErrUnsupportedScheme):
		return "unsupported_scheme"
	case errors.Is(err, ErrMalformedCredentials):
		return "malformed_credentials"
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	}
	return "internal"
}
