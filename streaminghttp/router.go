package streaminghttp

import "net/http"

// Route is the classification of one inbound request.
type Route int

const (
	// RouteUnsupported is any HTTP method the endpoint does not serve.
	RouteUnsupported Route = iota
	// RoutePreflight is a CORS pre-flight. It never touches a session.
	RoutePreflight
	// RouteInitialize is a POST without a session id carrying initialize.
	RouteInitialize
	// RouteContinuation is a POST for a registered session.
	RouteContinuation
	// RouteStream is a GET for a registered session.
	RouteStream
	// RouteTerminate is a DELETE for a registered session.
	RouteTerminate
	// RouteBadSession is a request whose session id is missing or unknown.
	RouteBadSession
)

func (r Route) String() string {
	switch r {
	case RoutePreflight:
		return "preflight"
	case RouteInitialize:
		return "initialize"
	case RouteContinuation:
		return "continuation"
	case RouteStream:
		return "stream"
	case RouteTerminate:
		return "terminate"
	case RouteBadSession:
		return "bad_session"
	default:
		return "unsupported"
	}
}

// Classify maps a request onto a Route. hasSession reports whether the
// session header was present, registered whether it names an active
// session, and initialize whether a POST body is an initialize request.
//
// A session header always wins over an initialize payload: an initialize
// sent with an unknown session id is a bad session, never a new one.
func Classify(method string, hasSession, registered, initialize bool) Route {
	switch method {
	case http.MethodOptions:
		return RoutePreflight
	case http.MethodPost:
		switch {
		case !hasSession && initialize:
			return RouteInitialize
		case hasSession && registered:
			return RouteContinuation
		default:
			return RouteBadSession
		}
	case http.MethodGet:
		if hasSession && registered {
			return RouteStream
		}
		return RouteBadSession
	case http.MethodDelete:
		if hasSession && registered {
			return RouteTerminate
		}
		return RouteBadSession
	}
	return RouteUnsupported
}
