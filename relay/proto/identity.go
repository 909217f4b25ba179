package proto

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientInfo is connection provenance for logs and diagnostics only.
// It plays no part in matching or delivery.
type ClientInfo struct {
	// Origin is the request origin, falling back to the referer.
	Origin string

	// Identity is a one-way hash of the client's network identifier.
	// The raw identifier never leaves ClientInfoFromRequest.
	Identity string
}

// ClientInfoFromRequest derives provenance from the HTTP upgrade
// request. The client address is hashed before it is returned so raw
// addresses are never logged or stored.
func ClientInfoFromRequest(r *http.Request) ClientInfo {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = r.Header.Get("Referer")
	}

	addr := r.Header.Get("X-Real-IP")
	if addr == "" {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			addr = strings.TrimSpace(strings.Split(forwarded, ",")[0])
		}
	}
	if addr == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			addr = host
		} else {
			addr = r.RemoteAddr
		}
	}

	digest := sha256.Sum256([]byte(addr))
	return ClientInfo{
		Origin:   origin,
		Identity: hex.EncodeToString(digest[:]),
	}
}
