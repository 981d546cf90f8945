// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

type clientOptions struct {
	// Connection settings
	port    uint16
	unitID  UnitID
	timeout time.Duration
	dialer  Dialer

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	// Observability
	logger     *slog.Logger
	registerer prometheus.Registerer
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		port:    DefaultPort,
		unitID:  DefaultUnitID,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithPort sets the TCP port of the device. The default is 502.
func WithPort(port uint16) Option {
	return func(o *clientOptions) {
		o.port = port
	}
}

// WithUnitID sets the unit ID sent with every request. The default is 0.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout bounds connect and each request round trip when the caller's
// context carries no deadline. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithDialer replaces the dialer used to open the TCP stream.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithOnConnect sets a callback to be called when the connection is established.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the connection is lost
// because of a transport failure. The callback receives the failure.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithPrometheusRegisterer registers the client metrics with r.
func WithPrometheusRegisterer(r prometheus.Registerer) Option {
	return func(o *clientOptions) {
		o.registerer = r
	}
}
