//go:build consul

package store

import (
	"plugin-fleet/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string) (Store, error) {
	s, err := consul.NewStore(addr, nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}
