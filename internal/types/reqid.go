package types

import (
	"regexp"
	"strings"
)

var requestIDPattern = regexp.MustCompile(`^\d{13,15}-\d{1,5}$`)

// ValidRequestID reports whether id has the proxy's request id shape:
// a 13-15 digit timestamp, a dash, and a 1-5 digit counter.
func ValidRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// URL kinds that carry frames.
const (
	KindHTTP      = "http"
	KindTunnel    = "tunnel"
	KindWebSocket = "websocket"
)

// URLKind classifies a proxy URL by its scheme prefix.
func URLKind(url string) string {
	switch {
	case strings.HasPrefix(url, "tunnel"):
		return KindTunnel
	case strings.HasPrefix(url, "ws"):
		return KindWebSocket
	default:
		return KindHTTP
	}
}
