package model

// NodeAddress is a cluster member slot. A slot is either a real node address or a
// placeholder for a virtual runtime entry that has no physical node behind it.
type NodeAddress struct {
	ip string
}

// Placeholder returns the address of a virtual slot.
func Placeholder() NodeAddress { return NodeAddress{} }

// Address returns the slot for ip. An empty ip yields a placeholder.
func Address(ip string) NodeAddress { return NodeAddress{ip: ip} }

// IsPlaceholder reports whether no physical node is behind the slot.
func (a NodeAddress) IsPlaceholder() bool { return a.ip == "" }

// IP returns the node address, or "" for a placeholder.
func (a NodeAddress) IP() string { return a.ip }

func (a NodeAddress) String() string {
	if a.IsPlaceholder() {
		return "<placeholder>"
	}
	return a.ip
}

// NodeAddresses converts a stored node list, mapping empty entries to placeholders.
func NodeAddresses(ips []string) []NodeAddress {
	out := make([]NodeAddress, 0, len(ips))
	for _, ip := range ips {
		out = append(out, Address(ip))
	}
	return out
}
