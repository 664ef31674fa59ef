// Package event builds canonical gateway invocation events from HTTP
// requests and decodes proxy-integration responses returned by functions.
package event

import (
	"fmt"
	"time"
)

// Shape selects which gateway event template a function receives. The set is
// closed and chosen once per function at configuration time.
type Shape string

const (
	// ShapeRESTProxy is the REST API proxy-integration event (payload v1).
	ShapeRESTProxy Shape = "rest-proxy"
	// ShapeHTTPProxy is the HTTP API proxy-integration event (payload v2).
	ShapeHTTPProxy Shape = "http-proxy"
	// ShapeRawURL is the function-URL event.
	ShapeRawURL Shape = "raw-url"
)

// ParseShape validates a configured shape selector.
func ParseShape(s string) (Shape, error) {
	switch Shape(s) {
	case ShapeRESTProxy, ShapeHTTPProxy, ShapeRawURL:
		return Shape(s), nil
	case "":
		return ShapeHTTPProxy, nil
	}
	return "", fmt.Errorf("unknown event shape %q (want rest-proxy, http-proxy or raw-url)", s)
}

// restProxyEvent is the v1 proxy-integration request.
type restProxyEvent struct {
	Resource                        string              `json:"resource"`
	Path                            string              `json:"path"`
	HTTPMethod                      string              `json:"httpMethod"`
	Headers                         map[string]string   `json:"headers"`
	MultiValueHeaders               map[string][]string `json:"multiValueHeaders"`
	QueryStringParameters           map[string]string   `json:"queryStringParameters,omitempty"`
	MultiValueQueryStringParameters map[string][]string `json:"multiValueQueryStringParameters,omitempty"`
	PathParameters                  map[string]string   `json:"pathParameters,omitempty"`
	StageVariables                  map[string]string   `json:"stageVariables,omitempty"`
	RequestContext                  restRequestContext  `json:"requestContext"`
	Body                            string              `json:"body"`
	IsBase64Encoded                 bool                `json:"isBase64Encoded"`
}

type restRequestContext struct {
	ResourceID       string       `json:"resourceId"`
	ResourcePath     string       `json:"resourcePath"`
	HTTPMethod       string       `json:"httpMethod"`
	RequestID        string       `json:"requestId"`
	Path             string       `json:"path"`
	Stage            string       `json:"stage"`
	Protocol         string       `json:"protocol"`
	RequestTimeEpoch int64        `json:"requestTimeEpoch"`
	Identity         restIdentity `json:"identity"`
	DomainName       string       `json:"domainName"`
	APIID            string       `json:"apiId"`
}

type restIdentity struct {
	SourceIP  string `json:"sourceIp"`
	UserAgent string `json:"userAgent"`
}

// httpProxyEvent is the v2 proxy-integration request, also used (with a
// $default route key) for the function-URL shape.
type httpProxyEvent struct {
	Version               string             `json:"version"`
	RouteKey              string             `json:"routeKey"`
	RawPath               string             `json:"rawPath"`
	RawQueryString        string             `json:"rawQueryString"`
	Cookies               []string           `json:"cookies,omitempty"`
	Headers               map[string]string  `json:"headers"`
	QueryStringParameters map[string]string  `json:"queryStringParameters,omitempty"`
	RequestContext        httpRequestContext `json:"requestContext"`
	Body                  string             `json:"body,omitempty"`
	IsBase64Encoded       bool               `json:"isBase64Encoded"`
}

type httpRequestContext struct {
	AccountID  string          `json:"accountId"`
	APIID      string          `json:"apiId"`
	DomainName string          `json:"domainName"`
	HTTP       httpDescription `json:"http"`
	RequestID  string          `json:"requestId"`
	RouteKey   string          `json:"routeKey"`
	Stage      string          `json:"stage"`
	Time       string          `json:"time"`
	TimeEpoch  int64           `json:"timeEpoch"`
}

type httpDescription struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Protocol  string `json:"protocol"`
	SourceIP  string `json:"sourceIp"`
	UserAgent string `json:"userAgent"`
}

const gatewayTimeFormat = "02/Jan/2006:15:04:05 -0700"

func formatRequestTime(t time.Time) string {
	return t.Format(gatewayTimeFormat)
}
