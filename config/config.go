/*
Package config reads the YAML configuration of a Lime node: where it listens,
who it is, how its channels behave and where it logs.

	listen:
	  - net.tcp://0.0.0.0:55321
	  - ws://0.0.0.0:8080
	identity: postmaster@limeprotocol.org
	logLevel: info
	channel:
	  remotePingInterval: 30s
	  remoteIdleTimeout: 2m
	resend:
	  enabled: true
	  retryLimit: 3
	  interval: 5s
*/
package config

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"gopkg.in/yaml.v3"

	"github.com/takenet/lime-go/channel/module"
	"github.com/takenet/lime-go/channel/module/resend"
	"github.com/takenet/lime-go/channel/module/throughput"
	"github.com/takenet/lime-go/envelope"
	"github.com/takenet/lime-go/transporter/jsonframe"
	"github.com/takenet/lime-go/transporter/tcp"
)

const lockRetryDelay = 10 * time.Millisecond

// Duration reads and writes durations the way time.ParseDuration spells them
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Listen   []string `yaml:"listen"`
	Identity string   `yaml:"identity"`
	Instance string   `yaml:"instance,omitempty"`
	LogLevel string   `yaml:"logLevel"`
	LogFile  string   `yaml:"logFile,omitempty"`

	Channel        ChannelConfig        `yaml:"channel"`
	Resend         ResendConfig         `yaml:"resend"`
	Throughput     ThroughputConfig     `yaml:"throughput"`
	TLS            TLSConfig            `yaml:"tls"`
	Framing        FramingConfig        `yaml:"framing"`
	Authentication AuthenticationConfig `yaml:"authentication"`
}

type ChannelConfig struct {
	FillEnvelopeRecipients bool     `yaml:"fillEnvelopeRecipients"`
	AutoReplyPings         bool     `yaml:"autoReplyPings"`
	RemotePingInterval     Duration `yaml:"remotePingInterval"`
	RemoteIdleTimeout      Duration `yaml:"remoteIdleTimeout"`
	CommandTimeout         Duration `yaml:"commandTimeout"`
}

type ResendConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RetryLimit    int      `yaml:"retryLimit"`
	Interval      Duration `yaml:"interval"`
	UnbindOnClose bool     `yaml:"unbindOnClose"`
}

type ThroughputConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Capacity    int      `yaml:"capacity"`
	Unit        Duration `yaml:"unit"`
	WaitTimeout Duration `yaml:"waitTimeout"`
	Policy      string   `yaml:"policy"`
}

type TLSConfig struct {
	CertFile string `yaml:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty"`
}

type FramingConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

type AuthenticationConfig struct {
	Schemes []envelope.AuthenticationScheme `yaml:"schemes"`

	// Plain passwords by identity, only read for the plain scheme
	Users map[string]string `yaml:"users,omitempty"`
}

func Default() *Config {
	return &Config{
		Listen:   []string{fmt.Sprintf("%s://0.0.0.0:%d", tcp.Scheme, tcp.DefaultPort)},
		Identity: "postmaster@localhost",
		LogLevel: "info",
		Channel: ChannelConfig{
			FillEnvelopeRecipients: true,
			AutoReplyPings:         true,
			RemotePingInterval:     Duration(30 * time.Second),
			RemoteIdleTimeout:      Duration(2 * time.Minute),
			CommandTimeout:         Duration(time.Minute),
		},
		Resend: ResendConfig{
			RetryLimit: resend.DefaultRetryLimit,
			Interval:   Duration(resend.DefaultInterval),
		},
		Throughput: ThroughputConfig{
			Capacity: 100,
			Unit:     Duration(time.Second),
			Policy:   string(throughput.PolicyProceed),
		},
		Framing: FramingConfig{
			BufferSize: jsonframe.DefaultBufferSize,
		},
		Authentication: AuthenticationConfig{
			Schemes: []envelope.AuthenticationScheme{envelope.AuthenticationSchemeGuest},
		},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &FileError{Path: path, InnerErr: err}
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, &ValidationError{InnerErr: err}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save writes config to path while holding an exclusive lock next to it
func Save(ctx context.Context, path string, config *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return &FileError{Path: path, InnerErr: err}
	}

	fileLock := flock.New(path + ".lock")
	if locked, err := fileLock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	} else if !locked {
		return fmt.Errorf("failed to acquire lock on %s", path)
	}
	defer fileLock.Unlock()

	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &FileError{Path: path, InnerErr: err}
	}
	return nil
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var errs []error

	if len(c.Listen) == 0 {
		errs = append(errs, errors.New("at least one listen uri is required"))
	}
	if _, err := c.ListenURIs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ServerNode(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogLevel {
	case "", "trace", "debug", "info", "warn", "error", "disabled":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}

	if c.Channel.RemotePingInterval < 0 || c.Channel.RemoteIdleTimeout < 0 || c.Channel.CommandTimeout < 0 {
		errs = append(errs, errors.New("channel durations cannot be negative"))
	}
	if c.Channel.RemoteIdleTimeout > 0 && c.Channel.RemoteIdleTimeout < c.Channel.RemotePingInterval {
		errs = append(errs, errors.New("remoteIdleTimeout must not be shorter than remotePingInterval"))
	}

	if c.Resend.Enabled && c.Resend.RetryLimit < 1 {
		errs = append(errs, errors.New("resend retryLimit must be at least 1"))
	}
	if c.Throughput.Enabled {
		if c.Throughput.Capacity < 1 {
			errs = append(errs, errors.New("throughput capacity must be at least 1"))
		}
		if _, err := throughput.ParsePolicy(c.Throughput.Policy); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Framing.BufferSize < 2 {
		errs = append(errs, errors.New("framing bufferSize is too small"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls needs both certFile and keyFile"))
	}

	for _, scheme := range c.Authentication.Schemes {
		switch scheme {
		case envelope.AuthenticationSchemeGuest:
		case envelope.AuthenticationSchemePlain:
			if len(c.Authentication.Users) == 0 {
				errs = append(errs, errors.New("the plain scheme needs at least one user"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported authentication scheme %q", scheme))
		}
	}

	if len(errs) > 0 {
		return &ValidationError{InnerErr: errors.Join(errs...)}
	}
	return nil
}

func (c *Config) ListenURIs() ([]*url.URL, error) {
	uris := make([]*url.URL, 0, len(c.Listen))
	for _, listen := range c.Listen {
		uri, err := url.Parse(listen)
		if err != nil {
			return nil, fmt.Errorf("invalid listen uri %q: %w", listen, err)
		}
		switch uri.Scheme {
		case tcp.Scheme, "ws":
		case "wss":
			if c.TLS.CertFile == "" {
				return nil, fmt.Errorf("listen uri %q needs a tls certificate", listen)
			}
		default:
			return nil, fmt.Errorf("unsupported listen scheme %q", uri.Scheme)
		}
		if uri.Host == "" {
			return nil, fmt.Errorf("listen uri %q has no host", listen)
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

// ServerNode is the identity plus the instance
func (c *Config) ServerNode() (*envelope.Node, error) {
	node, err := envelope.ParseNode(c.Identity)
	if err != nil {
		return nil, fmt.Errorf("invalid identity %q: %w", c.Identity, err)
	}
	if node.Name == "" || node.Domain == "" {
		return nil, fmt.Errorf("identity %q needs a name and a domain", c.Identity)
	}
	if c.Instance != "" {
		node.Instance = c.Instance
	}
	return &node, nil
}

// TLSConfig loads the certificate pair, nil when none is configured
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.TLS.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load the tls certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (c *Config) Modules() module.Config {
	modules := module.Config{
		FillEnvelopeRecipients: c.Channel.FillEnvelopeRecipients,
		AutoReplyPings:         c.Channel.AutoReplyPings,
		RemotePingInterval:     c.Channel.RemotePingInterval.Std(),
		RemoteIdleTimeout:      c.Channel.RemoteIdleTimeout.Std(),
	}
	if c.Resend.Enabled {
		modules.Resend = &resend.Options{
			RetryLimit:    c.Resend.RetryLimit,
			Interval:      c.Resend.Interval.Std(),
			UnbindOnClose: c.Resend.UnbindOnClose,
		}
	}
	if c.Throughput.Enabled {
		modules.Throughput = &throughput.Options{
			Capacity:    c.Throughput.Capacity,
			Unit:        c.Throughput.Unit.Std(),
			WaitTimeout: c.Throughput.WaitTimeout.Std(),
			Policy:      throughput.Policy(c.Throughput.Policy),
		}
	}
	return modules
}
