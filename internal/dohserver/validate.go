package dohserver

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// dnsParamPattern matches the unpadded base64url alphabet per RFC 8484's
// recommendation to omit padding. Padded input is rejected deliberately:
// RFC 8484 permits no padding, so padding likely signals a malformed
// client.
var dnsParamPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type validationError struct {
	status int
	body   string
}

func (e *validationError) Error() string { return e.body }

func badRequest(msg string) *validationError {
	return &validationError{status: http.StatusBadRequest, body: msg}
}

func unsupportedMediaType(msg string) *validationError {
	return &validationError{status: http.StatusUnsupportedMediaType, body: msg}
}

// validateGET checks the dns query parameter per §4.4.
func validateGET(dnsParam string) error {
	if dnsParam == "" {
		return badRequest("missing dns parameter")
	}
	if !dnsParamPattern.MatchString(dnsParam) {
		return badRequest("invalid dns parameter")
	}
	return nil
}

// validatePOST checks the content-type header and body per §4.4. An
// absent content-type header is accepted; a present one must contain
// application/dns-message.
func validatePOST(contentType string, body []byte) error {
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "application/dns-message") {
		return unsupportedMediaType(fmt.Sprintf("unsupported content-type: %s", contentType))
	}
	if len(body) == 0 {
		return badRequest("empty body")
	}
	return nil
}
