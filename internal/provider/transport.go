package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// jsonRequestTransport converts oauth2's form-encoded refresh requests to the
// JSON encoding some provider deployments require.
// The oauth2 package guarantees this transport only receives token endpoint requests.
type jsonRequestTransport struct {
	base http.RoundTripper
}

// Compile-time check that jsonRequestTransport implements http.RoundTripper.
var _ http.RoundTripper = (*jsonRequestTransport)(nil)

// RoundTrip rewrites the request body from form to JSON.
func (t *jsonRequestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// The original body is consumed entirely and replaced, so close it here.
	defer func() { _ = req.Body.Close() }()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	formData, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing form data: %w", err)
	}

	jsonData := make(map[string]string, len(formData))
	for key, values := range formData {
		jsonData[key] = values[0] // OAuth2 parameters are single-valued
	}

	jsonBody, err := json.Marshal(jsonData)
	if err != nil {
		return nil, fmt.Errorf("marshaling JSON request: %w", err)
	}

	newReq := req.Clone(req.Context())
	newReq.Body = io.NopCloser(bytes.NewReader(jsonBody))
	newReq.ContentLength = int64(len(jsonBody))
	newReq.Header.Set("Content-Type", "application/json")

	return t.base.RoundTrip(newReq)
}

// envelope is the provider's response wrapper.
type envelope struct {
	State   json.RawMessage `json:"state"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	// Some error responses use errno/error instead of code/message.
	Errno            json.RawMessage `json:"errno"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

// upstreamStatusHeader carries the provider's original status when a
// successful HTTP response is rewritten into a failure.
const upstreamStatusHeader = "X-Upstream-Status"

// envelopeTransport normalizes provider responses for the oauth2 package:
// a successful envelope is unwrapped to the bare token object, and an
// envelope carrying a non-zero code or a failed state is turned into a 400 so
// oauth2 reports it as a RetrieveError with the original body.
type envelopeTransport struct {
	base http.RoundTripper
}

// Compile-time check that envelopeTransport implements http.RoundTripper.
var _ http.RoundTripper = (*envelopeTransport)(nil)

// RoundTrip forwards the request and rewrites the response when needed.
func (t *envelopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	status := resp.StatusCode
	out := body

	var env envelope
	if json.Unmarshal(body, &env) == nil {
		switch {
		case (errorCode(env) != 0 || failedState(env)) && status < 300:
			resp.Header.Set(upstreamStatusHeader, strconv.Itoa(status))
			status = http.StatusBadRequest
		case len(env.Data) > 0 && env.Data[0] == '{' && errorCode(env) == 0:
			out = env.Data
		}
	}

	resp.StatusCode = status
	resp.Status = fmt.Sprintf("%d %s", status, http.StatusText(status))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Del("Content-Length")
	if status < 300 {
		resp.Header.Set("Content-Type", "application/json")
	}
	return resp, nil
}

// failedState reports an envelope whose state is falsy and which explains
// why, even though it carries no error code.
func failedState(env envelope) bool {
	if env.Message == "" && env.Error == "" && env.ErrorDescription == "" {
		return false
	}
	switch string(bytes.TrimSpace(env.State)) {
	case "false", "0", `"0"`, `"false"`:
		return true
	}
	return false
}

// errorCode extracts a numeric error code from code or errno. Codes may be
// encoded as numbers or numeric strings.
func errorCode(env envelope) int {
	for _, raw := range []json.RawMessage{env.Code, env.Errno} {
		if n := parseCode(raw); n != 0 {
			return n
		}
	}
	return 0
}

func parseCode(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}

// parsePayload decodes a failed response body for classification.
func parsePayload(httpStatus int, body []byte) Payload {
	p := Payload{HTTPStatus: httpStatus}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		p.Message = string(bytes.TrimSpace(body))
		return p
	}
	p.Code = errorCode(env)
	p.Message = env.Message
	if p.Message == "" {
		p.Message = env.ErrorDescription
	}
	// RFC 6749 responses carry the error name in "error"
	p.OAuthError = env.Error
	return p
}
