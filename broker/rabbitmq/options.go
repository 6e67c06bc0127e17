// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rabbitmq

import (
	"crypto/tls"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/absmach/fluxchat/broker"
)

// Default values.
const (
	DefaultAddress     = "localhost:5672"
	DefaultDialTimeout = 30 * time.Second
	DefaultHeartbeat   = 60 * time.Second
)

// ErrNoAddress is returned when neither URL nor Address is set.
var ErrNoAddress = errors.New("rabbitmq address or url is required")

// Options configures the RabbitMQ connection.
type Options struct {
	// Connection
	URL         string      // Full AMQP URL (overrides Address/Username/Password/Vhost)
	Address     string      // Broker address (host:port)
	Username    string      // Username for PLAIN auth
	Password    string      // Password for PLAIN auth
	Vhost       string      // Virtual host (default "/")
	TLSConfig   *tls.Config // TLS configuration (nil for plain TCP)
	DialTimeout time.Duration
	Heartbeat   time.Duration

	// Topology
	Naming broker.Naming
}

// NewOptions creates Options with defaults.
func NewOptions() *Options {
	return &Options{
		Address:     DefaultAddress,
		Username:    "guest",
		Password:    "guest",
		Vhost:       "/",
		DialTimeout: DefaultDialTimeout,
		Heartbeat:   DefaultHeartbeat,
		Naming:      broker.DefaultNaming(),
	}
}

// SetAddress sets the broker address (host:port).
func (o *Options) SetAddress(addr string) *Options {
	o.Address = addr
	return o
}

// SetCredentials sets username and password.
func (o *Options) SetCredentials(username, password string) *Options {
	o.Username = username
	o.Password = password
	return o
}

// SetVhost sets the virtual host.
func (o *Options) SetVhost(vhost string) *Options {
	o.Vhost = vhost
	return o
}

// SetTLSConfig sets TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetDialTimeout sets the dial timeout.
func (o *Options) SetDialTimeout(d time.Duration) *Options {
	o.DialTimeout = d
	return o
}

// SetHeartbeat sets the heartbeat interval.
func (o *Options) SetHeartbeat(d time.Duration) *Options {
	o.Heartbeat = d
	return o
}

// SetNaming sets the exchange and queue naming.
func (o *Options) SetNaming(n broker.Naming) *Options {
	o.Naming = n
	return o
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	if o.Naming.Exchange == "" || o.Naming.QueuePrefix == "" {
		return errors.New("rabbitmq exchange and queue prefix are required")
	}
	return nil
}

func (o *Options) dialURL() string {
	if o.URL != "" {
		return o.URL
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}

	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String()
}
