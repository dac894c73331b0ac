package basicauth

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const basicScheme = "Basic"

// ParseAuthorization extracts the user and password from the value of an Authorization header.
//
// The scheme is matched case-insensitively. The payload may omit base64 padding, and the first newline of the
// decoded pair is dropped since clients built around `echo user:pass | base64` tend to send one. The pair is split
// on the first colon, so passwords may contain colons while user names may not.
func ParseAuthorization(header string) (username, password string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", ErrMissingAuthorization
	}

	scheme, payload, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, basicScheme) {
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", fmt.Errorf("%w: empty payload", ErrMalformedCredentials)
	}

	decoded, err := decodeBase64(payload)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrMalformedCredentials, err)
	}

	pair := strings.Replace(string(decoded), "\n", "", 1)
	username, password, ok := strings.Cut(pair, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: missing colon separator", ErrMalformedCredentials)
	}
	return username, password, nil
}

func decodeBase64(payload string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return decoded, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// EncodeAuthorization builds the Authorization header value for the given credentials.
func EncodeAuthorization(username, password string) string {
	return basicScheme + " " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

// Challenge returns the WWW-Authenticate value asking for credentials in realm.
func Challenge(realm string) string {
	return fmt.Sprintf(`%s realm=%q`, basicScheme, realm)
}
