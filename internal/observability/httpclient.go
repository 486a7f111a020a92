package observability

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewHTTPClient returns an http.Client instrumented with otelhttp transport.
func NewHTTPClient(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	base.Transport = otelhttp.NewTransport(rt)
	return base
}

// headerInjector sets fixed headers on every outgoing request, without
// overwriting a header the caller already set explicitly.
type headerInjector struct {
	next    http.RoundTripper
	headers map[string]string
}

func (h *headerInjector) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	return h.next.RoundTrip(req)
}

// WithHeaders returns a shallow copy of base whose transport injects the
// given fixed headers (e.g. provider credentials) on every request that
// does not already set them.
func WithHeaders(base *http.Client, headers map[string]string) *http.Client {
	clone := *base
	rt := clone.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	clone.Transport = &headerInjector{next: rt, headers: headers}
	return &clone
}
