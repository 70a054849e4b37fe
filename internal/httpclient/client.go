package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/lucasew/swcache/internal/errutil"
)

// DefaultTimeout bounds a single upstream round trip.
const DefaultTimeout = 30 * time.Second

// Options configures the upstream client.
type Options struct {
	Timeout time.Duration
	// CACert is trusted in addition to the system pool, for origins behind a
	// proxy that re-signs TLS with our own CA.
	CACert *tls.Certificate
}

// NewClient creates the http.Client used for every upstream request.
func NewClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.CACert != nil {
		rootCAs, err := x509.SystemCertPool()
		if err != nil || rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}
		if len(opts.CACert.Certificate) > 0 {
			cert, err := x509.ParseCertificate(opts.CACert.Certificate[0])
			if err == nil {
				rootCAs.AddCert(cert)
			} else {
				errutil.ReportError(err, "Failed to parse custom CA certificate")
			}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: rootCAs}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
