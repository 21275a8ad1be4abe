package streaminghttp_test

import (
	"net/http"
	"testing"

	"github.com/ggoodman/mcp-sessiond/streaminghttp"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		hasSession bool
		registered bool
		initialize bool
		want       streaminghttp.Route
	}{
		{"preflight without session", http.MethodOptions, false, false, false, streaminghttp.RoutePreflight},
		{"preflight with unknown session", http.MethodOptions, true, false, false, streaminghttp.RoutePreflight},
		{"initialize", http.MethodPost, false, false, true, streaminghttp.RouteInitialize},
		{"post without session or initialize", http.MethodPost, false, false, false, streaminghttp.RouteBadSession},
		{"initialize with unknown session", http.MethodPost, true, false, true, streaminghttp.RouteBadSession},
		{"initialize with live session", http.MethodPost, true, true, true, streaminghttp.RouteContinuation},
		{"post continuation", http.MethodPost, true, true, false, streaminghttp.RouteContinuation},
		{"post unknown session", http.MethodPost, true, false, false, streaminghttp.RouteBadSession},
		{"get stream", http.MethodGet, true, true, false, streaminghttp.RouteStream},
		{"get without session", http.MethodGet, false, false, false, streaminghttp.RouteBadSession},
		{"get unknown session", http.MethodGet, true, false, false, streaminghttp.RouteBadSession},
		{"delete", http.MethodDelete, true, true, false, streaminghttp.RouteTerminate},
		{"delete unknown session", http.MethodDelete, true, false, false, streaminghttp.RouteBadSession},
		{"delete without session", http.MethodDelete, false, false, false, streaminghttp.RouteBadSession},
		{"put", http.MethodPut, true, true, false, streaminghttp.RouteUnsupported},
		{"patch", http.MethodPatch, false, false, false, streaminghttp.RouteUnsupported},
		{"head", http.MethodHead, true, true, false, streaminghttp.RouteUnsupported},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := streaminghttp.Classify(tc.method, tc.hasSession, tc.registered, tc.initialize)
			if got != tc.want {
				t.Fatalf("Classify(%s, %v, %v, %v) = %s, want %s", tc.method, tc.hasSession, tc.registered, tc.initialize, got, tc.want)
			}
		})
	}
}

func TestRouteString(t *testing.T) {
	if got := streaminghttp.RouteContinuation.String(); got != "continuation" {
		t.Fatalf("unexpected route name %q", got)
	}
	if got := streaminghttp.Route(99).String(); got != "unsupported" {
		t.Fatalf("unexpected fallback name %q", got)
	}
}
