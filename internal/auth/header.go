package auth

import (
	"errors"
	"strings"
)

// ExtractBearerCredential extracts an opaque credential from an Authorization
// header of the form "Bearer qm_...". The scheme check is case-sensitive per
// the convention used by every client of this service.
func ExtractBearerCredential(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	credential := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if credential == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}

	return credential, nil
}
