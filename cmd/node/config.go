package node

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the node flags. Values in the file only apply to flags
// not set on the command line or through the environment.
type FileConfig struct {
	Name       string `yaml:"name,omitempty"`
	ID         string `yaml:"id,omitempty"`
	MV         string `yaml:"mv,omitempty"`
	Listen     string `yaml:"listen,omitempty"`
	Advertise  string `yaml:"advertise,omitempty"`
	Join       string `yaml:"join,omitempty"`
	Stats      string `yaml:"stats,omitempty"`
	BackupSize int    `yaml:"backupSize,omitempty"`

	Transport struct {
		Kind        string        `yaml:"kind,omitempty"`
		CACert      string        `yaml:"caCert,omitempty"`
		CAKey       string        `yaml:"caKey,omitempty"`
		DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
	} `yaml:"transport,omitempty"`

	Discovery struct {
		Endpoints []string `yaml:"endpoints,omitempty"`
		Prefix    string   `yaml:"prefix,omitempty"`
		TTL       int64    `yaml:"ttl,omitempty"`
	} `yaml:"discovery,omitempty"`

	Sentry string `yaml:"sentry,omitempty"`
}

func ReadFileConfig(path string) (*FileConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	cfg := &FileConfig{}
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	return cfg, nil
}

// flagSetter is satisfied by *cli.Context
type flagSetter interface {
	IsSet(name string) bool
	Set(name, value string) error
}

func (c *FileConfig) values() map[string]string {
	v := map[string]string{
		"name":         c.Name,
		"id":           c.ID,
		"mv":           c.MV,
		"listen-addr":  c.Listen,
		"advertise":    c.Advertise,
		"join":         c.Join,
		"stats":        c.Stats,
		"transport":    c.Transport.Kind,
		"ca-cert":      c.Transport.CACert,
		"ca-key":       c.Transport.CAKey,
		"etcd-prefix":  c.Discovery.Prefix,
		"sentry":       c.Sentry,
		"backup-size":  "",
		"etcd-ttl":     "",
		"dial-timeout": "",
	}
	if c.BackupSize != 0 {
		v["backup-size"] = strconv.Itoa(c.BackupSize)
	}
	if c.Discovery.TTL != 0 {
		v["etcd-ttl"] = strconv.FormatInt(c.Discovery.TTL, 10)
	}
	if c.Transport.DialTimeout != 0 {
		v["dial-timeout"] = c.Transport.DialTimeout.String()
	}
	return v
}

// Apply copies the file values into the flags that were left unset.
func (c *FileConfig) Apply(ctx flagSetter) error {
	for name, value := range c.values() {
		if value == "" || ctx.IsSet(name) {
			continue
		}
		if err := ctx.Set(name, value); err != nil {
			return fmt.Errorf("applying %s from config file: %w", name, err)
		}
	}
	if !ctx.IsSet("etcd") {
		for _, endpoint := range c.Discovery.Endpoints {
			if err := ctx.Set("etcd", endpoint); err != nil {
				return fmt.Errorf("applying etcd from config file: %w", err)
			}
		}
	}
	return nil
}

var _ flagSetter = (*cli.Context)(nil)
