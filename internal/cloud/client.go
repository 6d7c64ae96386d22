// Package cloud is the REST side of the charger backend: OAuth password
// grant and the few read endpoints the bridge needs for discovery and poll
// reconciliation. The streaming side lives in internal/bus.
package cloud

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/internal/obs"
	"github.com/temoto/evbridge/log2"
)

const DefaultBaseURL = "https://api.zaptec.com"

const (
	defaultTimeout = 30 * time.Second
	tokenMargin    = 30 * time.Second
)

var ErrAuth = fmt.Errorf("cloud authorization failed")

var statBytesIn = expvar.NewInt("cloud.bytes.in")

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Log      *log2.Log

	// Transport is for tests, leave nil in production.
	Transport http.RoundTripper
}

type Client struct {
	opt  Options
	base string
	http *http.Client
	log  *log2.Log

	mu      sync.Mutex
	token   string
	expires time.Time
}

type Installation struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type Charger struct {
	ID       string `json:"Id"`
	DeviceID string `json:"DeviceId"`
	Name     string `json:"Name"`
	Online   bool   `json:"IsOnline"`
}

func NewClient(opt Options) (*Client, error) {
	if opt.BaseURL == "" {
		opt.BaseURL = DefaultBaseURL
	}
	if opt.Username == "" {
		return nil, errors.NotValidf("cloud username empty")
	}
	if opt.Password == "" {
		return nil, errors.NotValidf("cloud password empty")
	}
	if opt.Timeout == 0 {
		opt.Timeout = defaultTimeout
	}
	if _, err := url.Parse(opt.BaseURL); err != nil {
		return nil, errors.Annotatef(err, "cloud base_url=%s", opt.BaseURL)
	}
	c := &Client{
		opt:  opt,
		base: strings.TrimRight(opt.BaseURL, "/"),
		log:  opt.Log,
		http: &http.Client{Timeout: opt.Timeout, Transport: opt.Transport},
	}
	return c, nil
}

// Login performs the OAuth password grant and caches the bearer token.
// Callers normally don't need it, request methods authorize lazily.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.opt.Username},
		"password":   {c.opt.Password},
	}
	req, err := http.NewRequest("POST", c.base+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Trace(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotate(err, "cloud login")
	}
	body, err := readBody(resp)
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
		return errors.Annotatef(ErrAuth, "login status=%s", resp.Status)
	}
	if err != nil {
		return errors.Annotate(err, "cloud login")
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return errors.Annotate(err, "cloud login response")
	}
	if tr.AccessToken == "" {
		return errors.Annotatef(ErrAuth, "login response without access_token")
	}
	c.mu.Lock()
	c.token = tr.AccessToken
	c.expires = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenMargin)
	c.mu.Unlock()
	c.log.Debugf("cloud login ok expires_in=%d", tr.ExpiresIn)
	return nil
}

func (c *Client) Installations(ctx context.Context) ([]Installation, error) {
	var out []Installation
	err := c.getPages(ctx, "/api/installations", func(data json.RawMessage) error {
		var page []Installation
		if err := json.Unmarshal(data, &page); err != nil {
			return errors.Trace(err)
		}
		out = append(out, page...)
		return nil
	})
	return out, errors.Annotate(err, "cloud installations")
}

func (c *Client) Chargers(ctx context.Context, installationID string) ([]Charger, error) {
	var out []Charger
	path := "/api/installations/" + url.PathEscape(installationID) + "/chargers"
	err := c.getPages(ctx, path, func(data json.RawMessage) error {
		var page []Charger
		if err := json.Unmarshal(data, &page); err != nil {
			return errors.Trace(err)
		}
		out = append(out, page...)
		return nil
	})
	return out, errors.Annotatef(err, "cloud chargers installation=%s", installationID)
}

// ChargerState returns the current value of every state id the cloud tracks
// for one charger. Observations missing ChargerId are stamped with id.
func (c *Client) ChargerState(ctx context.Context, id string) ([]obs.Observation, error) {
	var out []obs.Observation
	err := c.get(ctx, "/api/chargers/"+url.PathEscape(id)+"/state", nil, &out)
	if err != nil {
		return nil, errors.Annotatef(err, "cloud charger=%s state", id)
	}
	for i := range out {
		if out[i].ChargerID == "" {
			out[i].ChargerID = id
		}
	}
	return out, nil
}

type pagedResponse struct {
	Pages int             `json:"Pages"`
	Data  json.RawMessage `json:"Data"`
}

func (c *Client) getPages(ctx context.Context, path string, fun func(json.RawMessage) error) error {
	for index := 0; ; index++ {
		query := url.Values{"PageIndex": {strconv.Itoa(index)}}
		var pr pagedResponse
		if err := c.get(ctx, path, query, &pr); err != nil {
			return err
		}
		if len(pr.Data) > 0 {
			if err := fun(pr.Data); err != nil {
				return errors.Annotatef(err, "page=%d", index)
			}
		}
		if index+1 >= pr.Pages {
			return nil
		}
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	relogin := false
	for {
		token, err := c.authorize(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequest("GET", c.base+path, nil)
		if err != nil {
			return errors.Trace(err)
		}
		req = req.WithContext(ctx)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		if query != nil {
			req.URL.RawQuery = query.Encode()
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Annotatef(err, "cloud GET %s", path)
		}
		body, err := readBody(resp)
		if resp.StatusCode == http.StatusUnauthorized {
			c.invalidate()
			if relogin {
				return errors.Annotatef(ErrAuth, "GET %s status=%s", path, resp.Status)
			}
			c.log.Debugf("cloud GET %s status=%s -> relogin", path, resp.Status)
			relogin = true
			continue
		}
		if err != nil {
			return errors.Annotatef(err, "cloud GET %s", path)
		}
		if err := json.Unmarshal(body, out); err != nil {
			return errors.Annotatef(err, "cloud GET %s response", path)
		}
		return nil
	}
}

func (c *Client) authorize(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expires := c.token, c.expires
	c.mu.Unlock()
	if token != "" && time.Now().Before(expires) {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(helpers.NewStatReader(resp.Body, statBytesIn, 0))
	if err != nil {
		return nil, errors.Annotate(err, "response body")
	}
	if resp.StatusCode >= 400 {
		return body, errors.Errorf("status=%s body=%s", resp.Status, body)
	}
	return body, nil
}
