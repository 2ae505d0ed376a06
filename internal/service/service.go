package service

import (
	"fmt"
	"net/http"
	"os"

	"github.com/oss-compass/openchecker/internal/broker"
	"github.com/oss-compass/openchecker/internal/model"
	"github.com/oss-compass/openchecker/internal/platform"
)

type options struct {
	dial   broker.Dialer
	client *http.Client
}

type Option func(*options)

// WithDialer replaces the amqp dialer built from the broker section.
func WithDialer(d broker.Dialer) Option {
	return func(o *options) {
		o.dial = d
	}
}

// WithHTTPClient sets the client used for platform APIs, http checks and
// callbacks.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

func newOptions(cfg model.Broker, role string, opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.dial == nil {
		o.dial = broker.Dial(cfg.URL, cfg.Heartbeat.Std(), connectionName(role))
	}
	return o
}

func (o options) platformClient() *http.Client {
	if o.client != nil {
		return o.client
	}
	return &http.Client{Timeout: platform.DefaultTimeout}
}

// callbackClient has no overall timeout, the callback section sets one per attempt.
func (o options) callbackClient() *http.Client {
	if o.client != nil {
		return o.client
	}
	return &http.Client{}
}

func topology(cfg model.Broker) broker.Topology {
	return broker.Topology{Queue: cfg.Queue, DeadLetterQueue: cfg.DeadLetterQueue}
}

func connectionName(role string) string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("openchecker-%s-%d", role, os.Getpid())
	}
	return fmt.Sprintf("openchecker-%s@%s-%d", role, host, os.Getpid())
}
