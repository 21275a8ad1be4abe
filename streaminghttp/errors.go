package streaminghttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/mcp-sessiond/internal/jsonrpc"
)

var (
	ErrSessionHeaderMissing = errors.New("missing mcp-session-id header")
	ErrInvalidSession       = errors.New("invalid mcp session")
	ErrTransportClosed      = errors.New("transport closed")
	ErrShuttingDown         = errors.New("server shutting down")
)

// writeJSONError emits a structured error with the given HTTP status. Safe to
// call after some headers are set but before the status is written.
func writeJSONError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.Header().Del(mcpSessionIDHeader)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewRejection(code, msg))
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Realm and resource_metadata are omitted if empty. Only error and
// error_description are emitted from params, in that order.
func buildBearerChallenge(realm string, resourceMetadata string, params map[string]string) string {
	pieces := make([]string, 0, 4)
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
