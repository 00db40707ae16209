package connection

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

// uriScheme prefixes every connection request URI the agent produces.
const uriScheme = "ciphera://"

// EncodeConnURI renders a connection request as an out-of-band shareable
// URI: the scheme followed by the URL-safe base64 of the request JSON.
func EncodeConnURI(req domain.ConnRequest) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return uriScheme + base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeConnURI reverses EncodeConnURI. Malformed input surfaces as an
// AGENT A_MESSAGE error rather than a raw parse failure.
func DecodeConnURI(uri string) (domain.ConnRequest, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme)
	if !ok {
		return domain.ConnRequest{}, agenterr.Agent(agenterr.AMessage)
	}
	b, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		return domain.ConnRequest{}, agenterr.Agent(agenterr.AMessage)
	}
	var req domain.ConnRequest
	if err := json.Unmarshal(b, &req); err != nil {
		return domain.ConnRequest{}, agenterr.Agent(agenterr.AMessage)
	}
	return req, nil
}
