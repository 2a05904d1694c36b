package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL returns the URL operators should use to reach the HTTP filter API.
// 1.- Pick the scheme from the TLS setting.
// 2.- Replace wildcard hosts so the logged URL is reachable from the same machine.
func listenerURL(address string, tlsEnabled bool) string {
	scheme := "http"
	if tlsEnabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, normaliseHostPort(address))
}

// dialTarget returns the gRPC target string clients pass to grpc.NewClient.
func dialTarget(address string) string {
	return "dns:///" + normaliseHostPort(address)
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	switch strings.TrimSpace(host) {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
