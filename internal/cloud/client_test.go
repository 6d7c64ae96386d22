package cloud_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/internal/cloud"
	"github.com/temoto/evbridge/log2"
)

type fakeAPI struct {
	t      *testing.T
	logins int32
	gets   int32

	// next GET with a valid token still returns 401 when set
	expireToken bool
}

func mkResponse(code int, body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: code,
		Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
		Header:     make(http.Header),
		Body:       ioutil.NopCloser(strings.NewReader(body)),
	}, nil
}

func (f *fakeAPI) token(n int32) string { return fmt.Sprintf("token-%d", n) }

func (f *fakeAPI) roundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path == "/oauth/token" {
		require.Equal(f.t, "POST", req.Method)
		body, err := ioutil.ReadAll(req.Body)
		require.NoError(f.t, err)
		form := string(body)
		assert.Contains(f.t, form, "grant_type=password")
		assert.Contains(f.t, form, "username=user%40example.com")
		assert.Contains(f.t, form, "password=secret")
		n := atomic.AddInt32(&f.logins, 1)
		return mkResponse(200, fmt.Sprintf(`{"access_token":"%s","token_type":"Bearer","expires_in":3600}`, f.token(n)))
	}

	atomic.AddInt32(&f.gets, 1)
	auth := req.Header.Get("Authorization")
	current := "Bearer " + f.token(atomic.LoadInt32(&f.logins))
	if auth != current || f.expireToken {
		f.expireToken = false
		return mkResponse(401, `{"error":"expired"}`)
	}

	switch req.URL.Path {
	case "/api/installations":
		switch req.URL.Query().Get("PageIndex") {
		case "0":
			return mkResponse(200, `{"Pages":2,"Data":[{"Id":"inst-1","Name":"Home"}]}`)
		case "1":
			return mkResponse(200, `{"Pages":2,"Data":[{"Id":"inst-2","Name":"Cabin"}]}`)
		}
		return mkResponse(400, `bad page`)
	case "/api/installations/inst-1/chargers":
		return mkResponse(200, `{"Pages":1,"Data":[{"Id":"ch-1","DeviceId":"ZAP049123","Name":"Garage","IsOnline":true}]}`)
	case "/api/chargers/ch-1/state":
		return mkResponse(200, `[
			{"StateId":710,"Timestamp":"2021-03-09T21:45:11Z","ValueAsString":"3"},
			{"ChargerId":"ch-1","StateId":513,"Timestamp":"2021-03-09T21:45:11Z","ValueAsString":"3680"}
		]`)
	}
	return mkResponse(404, `not found`)
}

func newTestClient(t *testing.T, f *fakeAPI) *cloud.Client {
	c, err := cloud.NewClient(cloud.Options{
		BaseURL:   "https://cloud.test",
		Username:  "user@example.com",
		Password:  "secret",
		Log:       log2.NewTest(t, log2.LDebug),
		Transport: &helpers.MockHTTP{Fun: f.roundTrip},
	})
	require.NoError(t, err)
	return c
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{t: t}
	c := newTestClient(t, f)
	ctx := context.Background()

	inst, err := c.Installations(ctx)
	require.NoError(t, err)
	require.Len(t, inst, 2, "pagination must collect both pages")
	assert.Equal(t, cloud.Installation{ID: "inst-1", Name: "Home"}, inst[0])
	assert.Equal(t, cloud.Installation{ID: "inst-2", Name: "Cabin"}, inst[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.logins), "lazy login exactly once")

	chargers, err := c.Chargers(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, chargers, 1)
	assert.Equal(t, cloud.Charger{ID: "ch-1", DeviceID: "ZAP049123", Name: "Garage", Online: true}, chargers[0])

	states, err := c.ChargerState(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "ch-1", states[0].ChargerID, "missing ChargerId must be stamped")
	assert.Equal(t, int32(710), states[0].StateID)
	assert.Equal(t, "3680", states[1].Value)
}

func TestRelogin(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{t: t}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, err := c.Chargers(ctx, "inst-1")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&f.logins))

	f.expireToken = true
	chargers, err := c.Chargers(ctx, "inst-1")
	require.NoError(t, err, "request must retry after relogin")
	assert.Len(t, chargers, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.logins))
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()

	bad := &helpers.MockHTTP{Fun: func(req *http.Request) (*http.Response, error) {
		return mkResponse(400, `{"error":"invalid_grant"}`)
	}}
	c, err := cloud.NewClient(cloud.Options{
		BaseURL:   "https://cloud.test",
		Username:  "user@example.com",
		Password:  "wrong",
		Log:       log2.NewTest(t, log2.LDebug),
		Transport: bad,
	})
	require.NoError(t, err)

	err = c.Login(context.Background())
	require.Error(t, err)
	assert.Equal(t, cloud.ErrAuth, errors.Cause(err))

	_, err = c.Installations(context.Background())
	require.Error(t, err)
	assert.Equal(t, cloud.ErrAuth, errors.Cause(err))
}

func TestNewClientValidate(t *testing.T) {
	t.Parallel()

	_, err := cloud.NewClient(cloud.Options{Password: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username empty")

	_, err = cloud.NewClient(cloud.Options{Username: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password empty")
}
