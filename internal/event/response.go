package event

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedContract is returned when a function's return value carries
// proxy-integration contract fields but one of them has the wrong type. This
// is distinct from the contract being entirely absent, which selects the
// simple-response fallback instead.
var ErrMalformedContract = errors.New("malformed proxy-integration response")

// ProxyResponse is the structural contract a handler returns to control the
// rendered HTTP response.
type ProxyResponse struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers,omitempty"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders,omitempty"`
	Cookies           []string            `json:"cookies,omitempty"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded"`
}

var contractFields = []string{
	"statusCode", "headers", "multiValueHeaders", "cookies", "body", "isBase64Encoded",
}

// DecodeResponse interprets a function's raw return value. A JSON object
// carrying any contract field is decoded strictly, including the base64 body
// decode, so a malformed contract is rejected before any bytes reach the
// client; anything else is wrapped verbatim as a 200 application/json body.
func DecodeResponse(raw []byte) (*ProxyResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Not a JSON object (array, scalar, string): simple-response mode.
		return wrapSimple(raw), nil
	}

	if !hasContractField(fields) {
		return wrapSimple(raw), nil
	}

	var resp ProxyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Contract fields present but undecodable: do not fall back.
		return nil, fmt.Errorf("%w: %v", ErrMalformedContract, err)
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.StatusCode < 100 || resp.StatusCode > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range", ErrMalformedContract, resp.StatusCode)
	}
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64 body: %v", ErrMalformedContract, err)
		}
		resp.Body = string(decoded)
		resp.IsBase64Encoded = false
	}
	return &resp, nil
}

func hasContractField(fields map[string]json.RawMessage) bool {
	for _, name := range contractFields {
		if _, ok := fields[name]; ok {
			return true
		}
	}
	return false
}

func wrapSimple(raw []byte) *ProxyResponse {
	return &ProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(raw),
	}
}

// Render writes the proxy response to the HTTP response writer. The body is
// already decoded by DecodeResponse, so the only failure mode left here is a
// write error on the connection itself.
func (p *ProxyResponse) Render(w http.ResponseWriter) error {
	for name, values := range p.MultiValueHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	for name, v := range p.Headers {
		w.Header().Set(name, v)
	}
	for _, c := range p.Cookies {
		w.Header().Add("Set-Cookie", c)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}

	w.WriteHeader(p.StatusCode)
	_, err := w.Write([]byte(p.Body))
	return err
}
