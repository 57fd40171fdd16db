package rules

import (
	"net"

	"github.com/rs/zerolog/log"

	"github.com/bearice/redproxy-go/session"
)

// targetEnv exposes TargetAddress to the expression evaluator, matching
// the original's Accessible impl for TargetAddress (host/port/type),
// script_ext.rs.
type targetEnv struct {
	Host string `expr:"host"`
	Port int    `expr:"port"`
	Type string `expr:"type"`
}

// requestEnv exposes Context metadata to rule predicates, matching the
// original's ContextAdaptor (listener/source/target).
type requestEnv struct {
	Listener string    `expr:"listener"`
	Source   string    `expr:"source"`
	Target   targetEnv `expr:"target"`
}

// Env is the expr-lang environment compiled against and evaluated against
// for every rule predicate (SPEC_FULL.md §4.I).
type Env struct {
	Request   requestEnv               `expr:"request"`
	CidrMatch func(ip, cidr string) bool `expr:"cidr_match"`
}

// newEnv builds the per-evaluation environment from a Context snapshot.
func newEnv(props session.Props) Env {
	return Env{
		Request: requestEnv{
			Listener: props.ListenerName,
			Source:   addrString(props.Source),
			Target: targetEnv{
				Host: props.Target.Host(),
				Port: int(props.Target.Port),
				Type: props.Target.Kind().String(),
			},
		},
		CidrMatch: cidrMatch,
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// cidrMatch is deliberately total: a parse failure on either argument logs
// a warning and returns false, it never errors the expression evaluation,
// matching script_ext.rs's CidrMatch::stub().
func cidrMatch(ipStr, cidrStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		log.Warn().Str("ip", ipStr).Msg("cidr_match: can not parse ip")
		return false
	}
	_, network, err := net.ParseCIDR(cidrStr)
	if err != nil {
		log.Warn().Str("cidr", cidrStr).Msg("cidr_match: can not parse cidr")
		return false
	}
	return network.Contains(ip)
}
