package rudp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/rudp/limits"
	"github.com/opd-ai/rudp/metrics"
	"github.com/opd-ai/rudp/reliable"
	"github.com/opd-ai/rudp/transport"
)

// Options contains configuration for connections and listeners.
//
// The serializable fields can be loaded from YAML with LoadOptions:
//
//	resend_timeout: 200ms
//	resends_before_disconnect: 3
//	keepalive_interval: 1500ms
//	max_payload_size: 1200
//	accept_rate: 100
//	accept_burst: 20
type Options struct {
	// ResendTimeout is the delay before the first retransmission of a
	// reliable packet. Each later retransmission waits twice as long.
	ResendTimeout time.Duration `yaml:"resend_timeout"`

	// ResendsBeforeDisconnect is how many retransmissions a packet may use
	// before the connection is presumed dead.
	ResendsBeforeDisconnect int `yaml:"resends_before_disconnect"`

	// KeepAliveInterval sends a reliable ping this often while connected.
	// Zero disables keepalive.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`

	// MaxPayloadSize caps Send payloads. Zero means the datagram limit.
	MaxPayloadSize int `yaml:"max_payload_size"`

	// AcceptRate limits new inbound connections per second on a listener.
	// Zero disables the limit.
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the token bucket size for AcceptRate.
	AcceptBurst int `yaml:"accept_burst"`

	// ReadBufferSize is the UDP read buffer used by Dial and Listen.
	ReadBufferSize int `yaml:"read_buffer_size"`

	// Clock drives resend and keepalive timers. Defaults to the wall clock.
	Clock clock.Clock `yaml:"-"`

	// Logger receives structured logs. Defaults to the logrus standard logger.
	Logger *logrus.Logger `yaml:"-"`

	// Metrics, if set, is updated by every connection using these options.
	Metrics *metrics.Collector `yaml:"-"`
}

// ErrInvalidOptions is returned by Validate.
var ErrInvalidOptions = errors.New("invalid options")

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		ResendTimeout:           reliable.DefaultResendTimeout,
		ResendsBeforeDisconnect: reliable.DefaultResendsBeforeDisconnect,
		KeepAliveInterval:       0, // Disabled by default
		MaxPayloadSize:          limits.SafePayloadSize,
		AcceptRate:              0,
		AcceptBurst:             16,
		ReadBufferSize:          transport.DefaultReadBufferSize,
	}
}

// LoadOptions reads a YAML file on top of DefaultOptions.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options %s: %w", path, err)
	}
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "LoadOptions",
		"path":           path,
		"resend_timeout": opts.ResendTimeout,
		"resends":        opts.ResendsBeforeDisconnect,
	}).Debug("Loaded options")

	return opts, nil
}

// Validate checks the options for values the protocol cannot work with.
func (o *Options) Validate() error {
	switch {
	case o.ResendTimeout <= 0:
		return fmt.Errorf("%w: resend_timeout must be positive, got %v", ErrInvalidOptions, o.ResendTimeout)
	case o.ResendsBeforeDisconnect < 0:
		return fmt.Errorf("%w: resends_before_disconnect must not be negative, got %d", ErrInvalidOptions, o.ResendsBeforeDisconnect)
	case o.KeepAliveInterval < 0:
		return fmt.Errorf("%w: keepalive_interval must not be negative, got %v", ErrInvalidOptions, o.KeepAliveInterval)
	case o.MaxPayloadSize < 0:
		return fmt.Errorf("%w: max_payload_size must not be negative, got %d", ErrInvalidOptions, o.MaxPayloadSize)
	case o.AcceptRate < 0:
		return fmt.Errorf("%w: accept_rate must not be negative, got %v", ErrInvalidOptions, o.AcceptRate)
	}
	return nil
}

// withDefaults returns a copy of o with unset dependencies filled in.
// A nil receiver yields DefaultOptions.
func (o *Options) withDefaults() *Options {
	var opts Options
	if o == nil {
		opts = *DefaultOptions()
	} else {
		opts = *o
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.AcceptBurst <= 0 {
		opts.AcceptBurst = 1
	}
	return &opts
}
