package workercache

import "net/url"

// Config carries the deployment configuration every component reads.
// It is injected once at construction and never mutated afterwards.
type Config struct {
	// Version identifies the running deployment. Bucket names encode it;
	// activation condemns every bucket belonging to another version.
	Version string

	// BaseURL is the application origin. Root-relative manifest entries
	// and ShellPath resolve against it.
	BaseURL string

	// StaticResources is the install manifest: the ordered list of URLs
	// (root-relative or absolute) seeded into the static bucket.
	StaticResources []string

	// ExcludedHosts lists URL hosts that always bypass the cache, such
	// as remote script-execution APIs. Matching requests are never read
	// from or written to any bucket.
	ExcludedHosts []string

	// ShellPath is the navigational fallback document. It should appear
	// in StaticResources so the shell is available offline.
	ShellPath string

	// DefaultTitle and DefaultBody fill in for push payloads with
	// missing or malformed fields.
	DefaultTitle string
	DefaultBody  string
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Version:      "dev",
		ShellPath:    "/",
		DefaultTitle: "Notification",
		DefaultBody:  "You have a new notification.",
	}
}

// resolve turns a manifest or shell reference into an absolute URL
// against BaseURL. Absolute references pass through unchanged.
func (c Config) resolve(ref string) (*url.URL, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(u), nil
}
