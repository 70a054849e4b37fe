package lifecycle

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultAppShell is served to offline navigations with no cached copy.
const DefaultAppShell = "/index.html"

var ErrInvalidDeployment = errors.New("invalid deployment")

// Deployment describes one version of the application: what to pre-cache
// and which paths are API calls.
type Deployment struct {
	Version      string   `yaml:"version"`
	StaticAssets []string `yaml:"staticAssets"`
	APIPatterns  []string `yaml:"apiPatterns"`
	AppShell     string   `yaml:"appShell,omitempty"`
	SkipWaiting  bool     `yaml:"skipWaiting,omitempty"`

	patterns []*regexp.Regexp
}

// LoadDeployment reads and validates a YAML manifest.
func LoadDeployment(path string) (*Deployment, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment manifest: %w", err)
	}
	return ParseDeployment(b)
}

func ParseDeployment(b []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDeployment, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the manifest, fills defaults and compiles the API
// patterns.
func (d *Deployment) Validate() error {
	if strings.TrimSpace(d.Version) == "" {
		return fmt.Errorf("%w: version is required", ErrInvalidDeployment)
	}
	if strings.ContainsAny(d.Version, " \x00/") {
		return fmt.Errorf("%w: version %q contains invalid characters", ErrInvalidDeployment, d.Version)
	}
	if d.AppShell == "" {
		d.AppShell = DefaultAppShell
	}
	for _, asset := range d.StaticAssets {
		if !validAsset(asset) {
			return fmt.Errorf("%w: asset %q must be an absolute path or URL", ErrInvalidDeployment, asset)
		}
	}
	d.patterns = d.patterns[:0]
	for _, p := range d.APIPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: api pattern %q: %w", ErrInvalidDeployment, p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return nil
}

func validAsset(asset string) bool {
	if strings.HasPrefix(asset, "/") {
		return true
	}
	u, err := url.Parse(asset)
	return err == nil && u.IsAbs() && u.Host != ""
}

// Patterns returns the compiled API patterns.
func (d *Deployment) Patterns() []*regexp.Regexp {
	return d.patterns
}

// Marshal encodes d back to YAML.
func (d *Deployment) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
