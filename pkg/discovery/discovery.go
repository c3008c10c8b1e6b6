// Package discovery probes a peer's identity before the websocket is opened.
package discovery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	rmerrors "github.com/remote-mirror/pkg/errors"
	"github.com/remote-mirror/pkg/logging"
)

// Path is the discovery endpoint exposed by the peer's companion integration
const Path = "/api/remote_homeassistant/discovery"

// Info is the peer identity returned by the probe
type Info struct {
	UUID             string `json:"uuid"`
	LocationName     string `json:"location_name"`
	InstallationType string `json:"installation_type"`
	Version          string `json:"ha_version"`
}

// Endpoint addresses one peer
type Endpoint struct {
	Host        string
	Port        int
	Secure      bool
	VerifySSL   bool
	AccessToken string
}

// BaseURL returns the http(s) base URL of the endpoint
func (e Endpoint) BaseURL() string {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// WebsocketURL returns the ws(s) URL of the peer websocket API
func (e Endpoint) WebsocketURL() string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return scheme + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + "/api/websocket"
}

// TLSConfig returns the client TLS settings, nil for plain connections
func (e Endpoint) TLSConfig() *tls.Config {
	if !e.Secure {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: !e.VerifySSL} //nolint:gosec // operator opt-out
}

// Prober fetches peer identity
type Prober struct {
	client *http.Client
}

// NewProber creates a prober with a request timeout
func NewProber(endpoint Endpoint, timeout time.Duration) *Prober {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = endpoint.TLSConfig()
	return &Prober{client: &http.Client{Timeout: timeout, Transport: transport}}
}

// NewProberWithClient uses a caller supplied client
func NewProberWithClient(client *http.Client) *Prober {
	return &Prober{client: client}
}

// Probe requests the peer identity. Every failure maps to one of
// ErrCannotConnect, ErrInvalidAuth, ErrUnsupportedVersion or ErrAPIProblem.
func (p *Prober) Probe(ctx context.Context, endpoint Endpoint) (*Info, error) {
	url := endpoint.BaseURL() + Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrCannotConnect, err), "discovery", "Probe", "build request")
	}
	req.Header.Set("Authorization", "Bearer "+endpoint.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrCannotConnect, err), "discovery", "Probe", "request")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, rmerrors.WrapTransient(rmerrors.ErrUnsupportedVersion, "discovery", "Probe", "status 404")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, rmerrors.WrapTransient(rmerrors.ErrInvalidAuth, "discovery", "Probe", "status "+strconv.Itoa(resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, rmerrors.WrapTransient(rmerrors.ErrAPIProblem, "discovery", "Probe", "status "+strconv.Itoa(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrCannotConnect, err), "discovery", "Probe", "read body")
	}

	var info Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, rmerrors.WrapTransient(fmt.Errorf("%w: %v", rmerrors.ErrAPIProblem, err), "discovery", "Probe", "decode body")
	}
	if info.UUID == "" {
		return nil, rmerrors.WrapTransient(rmerrors.ErrUnsupportedVersion, "discovery", "Probe", "missing uuid")
	}

	logging.Debugf("[discovery] peer=%s uuid=%s location=%q version=%s", endpoint.BaseURL(), info.UUID, info.LocationName, info.Version)
	return &info, nil
}

// CheckIdentity compares the probed uuid with the expected one. An empty
// expectation accepts any peer.
func CheckIdentity(info *Info, expected string) error {
	if expected == "" || info == nil || info.UUID == expected {
		return nil
	}
	return rmerrors.WrapTransient(
		fmt.Errorf("%w: expected %s, got %s", rmerrors.ErrIdentityMismatch, expected, info.UUID),
		"discovery", "CheckIdentity", "compare uuid")
}
