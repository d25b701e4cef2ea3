// Package discovery resolves service names to live instances and
// balances traffic across them. Backends live in subpackages; the
// gateway talks to them through the Registry interface.
package discovery

import (
	"fmt"
	"time"
)

// Status is an instance's registration state.
type Status string

const (
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusStarting     Status = "STARTING"
	StatusOutOfService Status = "OUT_OF_SERVICE"
)

// MetaVersion is the metadata key carrying the canonical version tag.
const MetaVersion = "version"

// Instance is one addressable copy of a service. Instances are owned by
// the registry; the gateway treats them as read-only values.
type Instance struct {
	ID            string            `json:"id"`
	ServiceName   string            `json:"serviceName"`
	Host          string            `json:"host"`
	Port          int               `json:"port"`
	Protocol      string            `json:"protocol,omitempty"` // defaults to http
	Status        Status            `json:"status"`
	LastHeartbeat time.Time         `json:"lastHeartbeat,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Addr returns host:port.
func (in *Instance) Addr() string {
	return fmt.Sprintf("%s:%d", in.Host, in.Port)
}

// URL returns the instance base URL.
func (in *Instance) URL() string {
	scheme := in.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, in.Host, in.Port)
}

// Version returns the instance's version tag, or "" when untagged.
func (in *Instance) Version() string {
	return in.Metadata[MetaVersion]
}

// Healthy reports whether the instance accepts traffic.
func (in *Instance) Healthy() bool {
	return in.Status == StatusUp
}
