package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/evbridge/helpers"
	"github.com/temoto/evbridge/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Cloud struct {
		ApiBase         string `hcl:"api_base"`
		Username        string `hcl:"username"`
		Password        string `hcl:"password"`
		PollIntervalSec int    `hcl:"poll_interval_sec"`
		TimeoutSec      int    `hcl:"timeout_sec"`
	}

	Bus struct { //nolint:maligned
		Enable            bool   `hcl:"enable"`
		BrokerURL         string `hcl:"broker_url"`
		ClientID          string `hcl:"client_id"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		Topic             string `hcl:"topic"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		ReconnectDelaySec int    `hcl:"reconnect_delay_sec"`
		LogDebug          bool   `hcl:"log_debug"`
	}

	HA struct {
		BaseURL    string      `hcl:"base_url"`
		Username   string      `hcl:"username"`
		Password   string      `hcl:"password"`
		TimeoutSec int         `hcl:"timeout_sec"`
		Devices    []DeviceMap `hcl:"device"`
	}

	Meter struct {
		Charger string `hcl:"charger"` // empty accumulates every charger
	}

	Persist struct {
		Root string `hcl:"root"`
	}

	LogDebug bool `hcl:"log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// DeviceMap routes one observation kind to a home automation device.
type DeviceMap struct {
	Observation string  `hcl:"observation,key"`
	Charger     string  `hcl:"charger"` // empty matches every charger
	Idx         int     `hcl:"idx"`
	Scale       float64 `hcl:"scale"` // value multiplier, default 1
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
