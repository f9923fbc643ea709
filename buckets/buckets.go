package buckets

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	staticPrefix  = "static-"
	dynamicPrefix = "dynamic-"
)

// StaticName returns the static bucket name for a deployment version.
func StaticName(version string) string {
	return staticPrefix + version
}

// DynamicName returns the dynamic bucket name for a deployment version.
func DynamicName(version string) string {
	return dynamicPrefix + version
}

// Version extracts the deployment version a bucket name encodes. The
// second return value is false for names this package did not produce.
func Version(name string) (string, bool) {
	if v, ok := strings.CutPrefix(name, staticPrefix); ok {
		return v, true
	}
	if v, ok := strings.CutPrefix(name, dynamicPrefix); ok {
		return v, true
	}
	return "", false
}

// Key returns the canonical cache key for a request. Only GET requests
// are cacheable in this design, so method plus URL identifies a record.
func Key(r http.Request) string {
	return fmt.Sprintf("%s#%s", r.Method, r.URL.String())
}
