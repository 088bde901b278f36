//go:build !consul

package store

import "fmt"

// NewConsulStore fails when the consul build tag is not enabled.
func NewConsulStore(addr string) (Store, error) {
	return nil, fmt.Errorf("consul store requested (addr=%s) but binary was built without the consul tag", addr)
}
