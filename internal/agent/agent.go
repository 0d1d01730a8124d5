// Package agent is the HTTPS client for the control API running inside
// each emulator instance.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/telemyapp/emulab-control-plane/internal/metrics"
)

var ErrUnreachable = errors.New("device agent unreachable")

// StatusError is a non-2xx agent response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Target addresses one instance's agent. Insecure skips certificate
// verification and is only for the bootstrap before a certificate naming
// Address is installed.
type Target struct {
	Address    string
	InstanceID string
	Insecure   bool
}

type ShellResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ReturnCode int    `json:"return_code"`
}

type Orientation int

const (
	Vertical   Orientation = 0
	Horizontal Orientation = 90
)

// DeviceAgent is the agent surface the control plane drives.
type DeviceAgent interface {
	Shell(ctx context.Context, t Target, commands ...string) ([]ShellResult, error)
	SetOrientation(ctx context.Context, t Target, o Orientation) error
	SetKiosk(ctx context.Context, t Target, enabled bool) error
	SetBaseband(ctx context.Context, t Target, enabled bool) error
	ConfigureCertificate(ctx context.Context, t Target, domain string) error
	DownloadFile(ctx context.Context, t Target, devicePath string, queryForm bool, w io.Writer) (int64, error)
}

type Options struct {
	Username string
	Timeout  time.Duration
	// HTTPClient verifies certificates. InsecureClient does not. Both
	// default to clients built from Timeout.
	HTTPClient     *http.Client
	InsecureClient *http.Client
	Logger         logrus.FieldLogger
}

type Client struct {
	secure   *http.Client
	insecure *http.Client
	username string
	log      logrus.FieldLogger
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		username = "genymotion"
	}
	secure := opts.HTTPClient
	if secure == nil {
		secure = &http.Client{Timeout: timeout}
	}
	insecure := opts.InsecureClient
	if insecure == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		insecure = &http.Client{Timeout: timeout, Transport: tr}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{secure: secure, insecure: insecure, username: username, log: logger}
}

func (c *Client) Shell(ctx context.Context, t Target, commands ...string) ([]ShellResult, error) {
	req := map[string]any{"commands": commands, "timeout_in_seconds": 10}
	var out struct {
		Results []ShellResult `json:"results"`
	}
	if err := c.doJSON(ctx, t, http.MethodPost, "/android/shell", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) SetOrientation(ctx context.Context, t Target, o Orientation) error {
	return c.doJSON(ctx, t, http.MethodPost, "/sensors/orientation", map[string]int{"angle": int(o)}, nil)
}

func (c *Client) SetKiosk(ctx context.Context, t Target, enabled bool) error {
	method := http.MethodDelete
	if enabled {
		method = http.MethodPost
	}
	return c.doJSON(ctx, t, method, "/configuration/kiosk", nil, nil)
}

func (c *Client) SetBaseband(ctx context.Context, t Target, enabled bool) error {
	return c.doJSON(ctx, t, http.MethodPost, "/network/baseband", map[string]bool{"state": enabled}, nil)
}

func (c *Client) ConfigureCertificate(ctx context.Context, t Target, domain string) error {
	return c.doJSON(ctx, t, http.MethodPost, "/configuration/certificate", map[string]string{"domain": domain}, nil)
}

// DownloadFile streams a device file into w. Newer images take the path
// as a query parameter, older ones as a path suffix.
func (c *Client) DownloadFile(ctx context.Context, t Target, devicePath string, queryForm bool, w io.Writer) (int64, error) {
	path := "/files"
	query := url.Values{}
	if queryForm {
		query.Set("guest_filepath", devicePath)
	} else {
		path = "/files/" + strings.TrimPrefix(devicePath, "/")
	}
	resp, err := c.do(ctx, t, http.MethodGet, path, query, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: read %s: %v", ErrUnreachable, devicePath, err)
	}
	return n, nil
}

// UsesQueryFileForm reports whether an Android version takes the
// query-parameter file download form.
func UsesQueryFileForm(androidVersion string) bool {
	major, err := strconv.Atoi(strings.SplitN(strings.TrimSpace(androidVersion), ".", 2)[0])
	if err != nil {
		return true
	}
	return major >= 10
}

func (c *Client) doJSON(ctx context.Context, t Target, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, t, method, path, nil, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode agent %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, t Target, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	if strings.TrimSpace(t.Address) == "" {
		return nil, fmt.Errorf("%w: no address", ErrUnreachable)
	}
	u := url.URL{Scheme: "https", Host: t.Address, Path: "/api/v1" + path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, t.InstanceID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.secure
	if t.Insecure {
		client = c.insecure
	}
	c.log.WithFields(logrus.Fields{"method": method, "address": t.Address, "path": path}).Debug("event=agent_request")
	resp, err := client.Do(req)
	if err != nil {
		c.count(path, "unreachable")
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.count(path, strconv.Itoa(resp.StatusCode))
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	c.count(path, "ok")
	return resp, nil
}

func (c *Client) count(path, status string) {
	endpoint := path
	if strings.HasPrefix(endpoint, "/files/") {
		endpoint = "/files"
	}
	metrics.Default().IncCounter("emulab_agent_requests_total", map[string]string{"endpoint": endpoint, "status": status})
}
