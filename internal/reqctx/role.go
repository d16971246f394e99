package reqctx

// Role identifies which plugin sub-server a request arrived on.
type Role int

const (
	RoleServer Role = iota
	RoleTunnel
	RoleStats
	RoleResStats
	RoleUI
	RoleRules
	RoleResRules
	RoleTunnelRules
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleTunnel:
		return "tunnel"
	case RoleStats:
		return "stats"
	case RoleResStats:
		return "res_stats"
	case RoleUI:
		return "ui"
	case RoleRules:
		return "rules"
	case RoleResRules:
		return "res_rules"
	case RoleTunnelRules:
		return "tunnel_rules"
	default:
		return "unknown"
	}
}

// Stats reports whether the role answers the proxy before running the
// plugin handler.
func (r Role) Stats() bool {
	return r == RoleStats || r == RoleResStats
}

// parses reports whether the role can carry a custom-parser connection.
func (r Role) parses() bool {
	return r == RoleServer || r == RoleTunnel
}

// Capability is a bit set of the session operations a request exposes.
type Capability uint16

const (
	CapGetSession Capability = 1 << iota
	CapGetReqSession
	CapGetFrames
	CapUnsafeGetSession
	CapUnsafeGetReqSession
	CapUnsafeGetFrames
	CapSendEstablished
)

const (
	safeCaps   = CapGetSession | CapGetReqSession | CapGetFrames
	unsafeCaps = CapUnsafeGetSession | CapUnsafeGetReqSession | CapUnsafeGetFrames
)

// Has reports whether every bit of want is set.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Capabilities returns the operations exposed for role. connect marks a
// CONNECT request, which may answer with SendEstablished.
func Capabilities(role Role, connect bool) Capability {
	switch role {
	case RoleServer, RoleTunnel:
		if connect {
			return unsafeCaps | CapSendEstablished
		}
		return unsafeCaps
	case RoleStats, RoleResStats:
		return safeCaps
	case RoleRules, RoleTunnelRules:
		return unsafeCaps
	case RoleResRules:
		return CapGetReqSession | CapUnsafeGetSession | CapUnsafeGetFrames
	default:
		return 0
	}
}
