package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Build renders the canonical invocation event for a request. The body has
// already been read by the caller so the ingress body limit applies before
// any event is constructed. path is the function-relative request path.
func Build(shape Shape, r *http.Request, path string, body []byte, requestID string) ([]byte, error) {
	switch shape {
	case ShapeRESTProxy:
		return buildRESTProxy(r, path, body, requestID)
	case ShapeHTTPProxy:
		return buildHTTPProxy(r, path, body, requestID, routeKey(r, path))
	case ShapeRawURL:
		return buildHTTPProxy(r, path, body, requestID, "$default")
	}
	return nil, fmt.Errorf("unknown event shape %q", shape)
}

func buildRESTProxy(r *http.Request, path string, body []byte, requestID string) ([]byte, error) {
	headers, multiHeaders := splitHeaders(r.Header)
	query, multiQuery := splitQuery(r.URL.Query())
	encoded, isBase64 := encodeBody(body)

	ev := restProxyEvent{
		Resource:                        "/{proxy+}",
		Path:                            path,
		HTTPMethod:                      r.Method,
		Headers:                         headers,
		MultiValueHeaders:               multiHeaders,
		QueryStringParameters:           query,
		MultiValueQueryStringParameters: multiQuery,
		PathParameters:                  map[string]string{"proxy": strings.TrimPrefix(path, "/")},
		RequestContext: restRequestContext{
			ResourceID:       "lambdev",
			ResourcePath:     "/{proxy+}",
			HTTPMethod:       r.Method,
			RequestID:        requestID,
			Path:             path,
			Stage:            "$default",
			Protocol:         r.Proto,
			RequestTimeEpoch: time.Now().UnixMilli(),
			Identity: restIdentity{
				SourceIP:  sourceIP(r),
				UserAgent: r.UserAgent(),
			},
			DomainName: r.Host,
			APIID:      "lambdev",
		},
		Body:            encoded,
		IsBase64Encoded: isBase64,
	}
	return json.Marshal(ev)
}

func buildHTTPProxy(r *http.Request, path string, body []byte, requestID, route string) ([]byte, error) {
	headers, _ := splitHeaders(r.Header)
	query, _ := splitQuery(r.URL.Query())
	encoded, isBase64 := encodeBody(body)
	now := time.Now()

	ev := httpProxyEvent{
		Version:               "2.0",
		RouteKey:              route,
		RawPath:               path,
		RawQueryString:        r.URL.RawQuery,
		Cookies:               cookieValues(r),
		Headers:               headers,
		QueryStringParameters: query,
		RequestContext: httpRequestContext{
			AccountID:  "anonymous",
			APIID:      "lambdev",
			DomainName: r.Host,
			HTTP: httpDescription{
				Method:    r.Method,
				Path:      path,
				Protocol:  r.Proto,
				SourceIP:  sourceIP(r),
				UserAgent: r.UserAgent(),
			},
			RequestID: requestID,
			RouteKey:  route,
			Stage:     "$default",
			Time:      formatRequestTime(now),
			TimeEpoch: now.UnixMilli(),
		},
		Body:            encoded,
		IsBase64Encoded: isBase64,
	}
	return json.Marshal(ev)
}

func routeKey(r *http.Request, path string) string {
	return r.Method + " " + path
}

// encodeBody passes UTF-8 text bodies through unchanged and base64-encodes
// binary bodies, setting the flag the proxy contract requires.
func encodeBody(body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if utf8.Valid(body) {
		return string(body), false
	}
	return base64.StdEncoding.EncodeToString(body), true
}

// splitHeaders produces both the single-valued and multi-valued header maps.
// For the single-valued map the last value wins, matching gateway behavior.
func splitHeaders(h http.Header) (map[string]string, map[string][]string) {
	single := make(map[string]string, len(h))
	multi := make(map[string][]string, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		if len(values) == 0 {
			continue
		}
		single[key] = values[len(values)-1]
		multi[key] = values
	}
	return single, multi
}

func splitQuery(values map[string][]string) (map[string]string, map[string][]string) {
	if len(values) == 0 {
		return nil, nil
	}
	single := make(map[string]string, len(values))
	multi := make(map[string][]string, len(values))
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		single[key] = vals[len(vals)-1]
		multi[key] = vals
	}
	return single, multi
}

func cookieValues(r *http.Request) []string {
	cookies := r.Cookies()
	if len(cookies) == 0 {
		return nil
	}
	out := make([]string, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, c.Name+"="+c.Value)
	}
	return out
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
