package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/codec"
	"github.com/lightforgemedia/go-dcrf/pkg/envelope"
	"github.com/lightforgemedia/go-dcrf/pkg/metrics"
	"github.com/lightforgemedia/go-dcrf/pkg/transport"
)

const (
	defaultPKField        = "pk"
	defaultRequestTimeout = 10 * time.Second
)

type clientConfig struct {
	logger                      *slog.Logger
	codec                       codec.Serializer
	metrics                     metrics.Collector
	pkField                     string
	ensurePKFieldInDeleteEvents bool
	payloadHook                 func(envelope.Payload) envelope.Payload
	envelopeHook                func(envelope.Envelope) envelope.Envelope
	builders                    Builders
	defaultRequestTimeout       time.Duration
	maxQueued                   int

	// Used by Connect only.
	transportOptions []transport.WSOption
	autoReconnect    bool
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:                      slog.Default(),
		codec:                       codec.NewJSON(),
		metrics:                     metrics.NewNop(),
		pkField:                     defaultPKField,
		ensurePKFieldInDeleteEvents: true,
		defaultRequestTimeout:       defaultRequestTimeout,
	}
}

// Option configures the Client.
type Option func(*Client)

// WithLogger sets a custom logging implementation.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.config.logger = logger
		}
	}
}

// WithCodec replaces the default JSON serializer.
func WithCodec(s codec.Serializer) Option {
	return func(c *Client) {
		if s != nil {
			c.config.codec = s
		}
	}
}

// WithMetrics wires a metrics collector.
func WithMetrics(m metrics.Collector) Option {
	return func(c *Client) {
		if m != nil {
			c.config.metrics = m
		}
	}
}

// WithPKField sets the primary-key field name the application uses.
func WithPKField(field string) Option {
	return func(c *Client) {
		if field != "" {
			c.config.pkField = field
		}
	}
}

// WithEnsurePKFieldInDeleteEvents controls whether delete events, which the
// server always keys by "pk", are rewritten to use the configured pk field.
func WithEnsurePKFieldInDeleteEvents(enabled bool) Option {
	return func(c *Client) {
		c.config.ensurePKFieldInDeleteEvents = enabled
	}
}

// WithPayloadHook sets a function applied to every outbound payload.
func WithPayloadHook(hook func(envelope.Payload) envelope.Payload) Option {
	return func(c *Client) {
		c.config.payloadHook = hook
	}
}

// WithEnvelopeHook sets a function applied to every outbound envelope.
func WithEnvelopeHook(hook func(envelope.Envelope) envelope.Envelope) Option {
	return func(c *Client) {
		c.config.envelopeHook = hook
	}
}

// WithBuilders overrides selector and payload builders. Nil fields keep
// their defaults.
func WithBuilders(b Builders) Option {
	return func(c *Client) {
		c.config.builders = b
	}
}

// WithDefaultRequestTimeout bounds blocking requests and the background
// acknowledgements of unsubscribe and resubscribe requests.
func WithDefaultRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.config.defaultRequestTimeout = timeout
		}
	}
}

// WithMaxQueued bounds the number of frames buffered while disconnected.
func WithMaxQueued(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.maxQueued = n
		}
	}
}

// WithTransportOptions passes options to the websocket transport created by
// Connect.
func WithTransportOptions(opts ...transport.WSOption) Option {
	return func(c *Client) {
		c.config.transportOptions = append(c.config.transportOptions, opts...)
	}
}

// WithAutoReconnect enables automatic reconnection of the transport created
// by Connect. maxAttempts = 0 means infinite attempts.
func WithAutoReconnect(maxAttempts int, minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.config.autoReconnect = true
		c.config.transportOptions = append(c.config.transportOptions,
			transport.WithAutoReconnect(maxAttempts, minDelay, maxDelay))
	}
}

// Options contains configuration values for NewWithOptions.
// Start from DefaultOptions(); the zero value disables delete-event pk
// normalization.
type Options struct {
	// Logger for structured logging. Defaults to slog.Default().
	Logger *slog.Logger

	// Codec serializes outbound envelopes and decodes inbound frames.
	// Defaults to codec.NewJSON().
	Codec codec.Serializer

	// Metrics receives engine events. Defaults to a no-op collector.
	Metrics metrics.Collector

	// PKField is the application's primary-key field name. Defaults to "pk".
	PKField string

	// EnsurePKFieldInDeleteEvents rewrites "pk" to PKField in delete events.
	EnsurePKFieldInDeleteEvents bool

	PayloadHook  func(envelope.Payload) envelope.Payload
	EnvelopeHook func(envelope.Envelope) envelope.Envelope
	Builders     Builders

	// DefaultRequestTimeout must be non-negative. Defaults to 10 seconds.
	DefaultRequestTimeout time.Duration

	// MaxQueued bounds the send buffer. 0 means unbounded.
	MaxQueued int
}

// DefaultOptions returns an Options struct populated with library defaults.
func DefaultOptions() Options {
	return Options{
		Logger:                      slog.Default(),
		Codec:                       codec.NewJSON(),
		Metrics:                     metrics.NewNop(),
		PKField:                     defaultPKField,
		EnsurePKFieldInDeleteEvents: true,
		DefaultRequestTimeout:       defaultRequestTimeout,
	}
}

// NewWithOptions creates a Client on t from an Options struct. Additional
// functional options override values from the struct.
//
// Example:
//
//	opts := client.DefaultOptions()
//	opts.PKField = "id"
//	cli, err := client.NewWithOptions(ws, opts)
func NewWithOptions(t transport.Transport, opts Options, extraOpts ...Option) (*Client, error) {
	if err := validateOptions(t, opts); err != nil {
		return nil, err
	}

	optionFns := []Option{
		WithLogger(opts.Logger),
		WithCodec(opts.Codec),
		WithMetrics(opts.Metrics),
		WithPKField(opts.PKField),
		WithEnsurePKFieldInDeleteEvents(opts.EnsurePKFieldInDeleteEvents),
		WithPayloadHook(opts.PayloadHook),
		WithEnvelopeHook(opts.EnvelopeHook),
		WithBuilders(opts.Builders),
	}
	if opts.DefaultRequestTimeout > 0 {
		optionFns = append(optionFns, WithDefaultRequestTimeout(opts.DefaultRequestTimeout))
	}
	if opts.MaxQueued > 0 {
		optionFns = append(optionFns, WithMaxQueued(opts.MaxQueued))
	}
	optionFns = append(optionFns, extraOpts...)

	return New(t, optionFns...), nil
}

func validateOptions(t transport.Transport, opts Options) error {
	if t == nil {
		return errors.New("transport must not be nil")
	}
	if opts.DefaultRequestTimeout < 0 {
		return errors.New("DefaultRequestTimeout must be non-negative")
	}
	if opts.MaxQueued < 0 {
		return errors.New("MaxQueued must be non-negative")
	}
	return nil
}
