// Package httpbackend implements the backend contract over HTTP. Each
// message is sent as a form-encoded POST carrying the JSON-encoded
// message in the messageJson field and the service key in the serviceKey
// field.
package httpbackend

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/message"
)

// DefaultTimeout is the timeout of a backend call when Client.Timeout
// is 0.
const DefaultTimeout = 10 * time.Second

// maximum size of a response body that is read
const maxBodySize = 1 << 20

// StatusError is returned when the backend responds with a non-2xx
// status code.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpbackend: unexpected status %d %s", e.Code, http.StatusText(e.Code))
}

// Client is an HTTP backend client. The fields should not be updated
// once the client is in use.
type Client struct {
	// Scheme is the scheme of the backend URL, "http" or "https". It
	// defaults to "http".
	Scheme string

	// Host is the host of the backend. It defaults to "localhost".
	Host string

	// Port is the port of the backend. If 0, the default port of the
	// scheme is used.
	Port int

	// BasePath is the path prefix of the backend, e.g. "/".
	BasePath string

	// MessagePath is the path of the message endpoint, relative to
	// BasePath, e.g. "nodejs/message".
	MessagePath string

	// HTTPAuth, if set, is the "user:password" pair sent as HTTP basic
	// authentication.
	HTTPAuth string

	// ServiceKey is the shared secret sent with every message and
	// expected in the backend's authentication responses.
	ServiceKey string

	// InsecureSkipVerify disables the verification of the backend's TLS
	// certificate. It is ignored if HTTPClient is set.
	InsecureSkipVerify bool

	// Timeout is the maximum duration of a call. It defaults to
	// DefaultTimeout. A deadline on the call's context takes precedence
	// if it is earlier.
	Timeout time.Duration

	// HTTPClient is the HTTP client to use. If nil, a client is created
	// on first use according to InsecureSkipVerify.
	HTTPClient *http.Client

	// LogFunc is the logging function to use. If nil, log.Printf is
	// used.
	LogFunc func(string, ...interface{})

	// Debug enables logging of every message sent to the backend.
	Debug bool

	once sync.Once
	hc   *http.Client
}

var _ backend.AuthReporter = (*Client)(nil)

func (c *Client) logf(f string, args ...interface{}) {
	if fn := c.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

// URL returns the URL of the backend's message endpoint.
func (c *Client) URL() string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	if c.Port > 0 {
		host += ":" + strconv.Itoa(c.Port)
	}

	base := c.BasePath
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	path := base
	if c.MessagePath != "" {
		path = strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(c.MessagePath, "/")
	}
	u := url.URL{Scheme: scheme, Host: host, Path: path}
	return u.String()
}

func (c *Client) httpClient() *http.Client {
	c.once.Do(func() {
		if c.HTTPClient != nil {
			c.hc = c.HTTPClient
			return
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if c.InsecureSkipVerify {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		c.hc = &http.Client{Transport: tr}
	})
	return c.hc
}

type authMessage struct {
	MessageType string `json:"messageType"`
	backend.AuthRequest
}

type offlineMessage struct {
	MessageType string      `json:"messageType"`
	UID         message.UID `json:"uid"`
}

// Authenticate sends an authenticate message for req to the backend.
func (c *Client) Authenticate(ctx context.Context, req backend.AuthRequest) (*backend.AuthResult, error) {
	body, err := c.post(ctx, authMessage{MessageType: "authenticate", AuthRequest: req})
	if err != nil {
		return nil, err
	}

	var res backend.AuthResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("httpbackend: invalid authentication response: %w", err)
	}
	if res.ServiceKey != "" && !backend.ValidateServiceKey(c.ServiceKey, res.ServiceKey) {
		return nil, backend.ErrInvalidServiceKey
	}
	if !res.Valid {
		return nil, backend.ErrInvalidToken
	}
	if res.AuthToken == "" {
		res.AuthToken = req.AuthToken
	}
	return &res, nil
}

// ReportOffline sends a userOffline message for uid to the backend. The
// response body is ignored.
func (c *Client) ReportOffline(ctx context.Context, uid message.UID) error {
	_, err := c.post(ctx, offlineMessage{MessageType: "userOffline", UID: uid})
	return err
}

func (c *Client) post(ctx context.Context, msg interface{}) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if c.Debug {
		c.logf("httpbackend: sending message to backend %s: %s", c.URL(), b)
	}

	to := c.Timeout
	if to <= 0 {
		to = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	form := url.Values{
		"messageJson": {string(b)},
		"serviceKey":  {c.ServiceKey},
	}
	req, err := http.NewRequest("POST", c.URL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.HTTPAuth != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.HTTPAuth)))
	}

	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpbackend: request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := ioutil.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("httpbackend: failed to read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &StatusError{Code: res.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}
