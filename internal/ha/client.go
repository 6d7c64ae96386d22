// Package ha pushes device updates to the home automation server using the
// Domoticz JSON API. One mirrored observation maps to one virtual device,
// config decides which and with what scale.
package ha

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/evbridge/log2"
)

const defaultTimeout = 10 * time.Second

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
	http *http.Client
	log  *log2.Log
}

func NewClient(opt Options) (*Client, error) {
	if opt.BaseURL == "" {
		return nil, errors.NotValidf("ha base_url empty")
	}
	if _, err := url.Parse(opt.BaseURL); err != nil {
		return nil, errors.Annotatef(err, "ha base_url=%s", opt.BaseURL)
	}
	opt.BaseURL = strings.TrimRight(opt.BaseURL, "/")
	if opt.Timeout == 0 {
		opt.Timeout = defaultTimeout
	}
	c := &Client{
		opt:  opt,
		log:  opt.Log,
		http: &http.Client{Timeout: opt.Timeout, Transport: opt.Transport},
	}
	return c, nil
}

// Push updates one virtual device. svalue syntax is device type specific,
// the caller builds it.
func (c *Client) Push(ctx context.Context, idx int, svalue string) error {
	if idx <= 0 {
		return errors.NotValidf("ha push idx=%d", idx)
	}
	query := url.Values{
		"type":   {"command"},
		"param":  {"udevice"},
		"idx":    {strconv.Itoa(idx)},
		"nvalue": {"0"},
		"svalue": {svalue},
	}
	req, err := http.NewRequest("GET", c.opt.BaseURL+"/json.htm?"+query.Encode(), nil)
	if err != nil {
		return errors.Trace(err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")
	if c.opt.Username != "" {
		req.SetBasicAuth(c.opt.Username, c.opt.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Annotatef(err, "ha push idx=%d", idx)
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Annotatef(err, "ha push idx=%d response", idx)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("ha push idx=%d status=%s body=%s", idx, resp.Status, body)
	}

	var st struct {
		Status string `json:"status"`
		Title  string `json:"title"`
	}
	if err := json.Unmarshal(body, &st); err != nil {
		return errors.Annotatef(err, "ha push idx=%d response=%s", idx, body)
	}
	if st.Status != "OK" {
		return errors.Errorf("ha push idx=%d status=%q", idx, st.Status)
	}
	c.log.Debugf("ha push idx=%d svalue=%q ok", idx, svalue)
	return nil
}
