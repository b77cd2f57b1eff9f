package poll

import "github.com/hessu/aprs2net-backend/internal/model"

// maxRxLast is how long an uplink may go without receiving a packet
// before it is considered stuck.
const maxRxLast = 300

// checkUplinks validates the server's uplink against the topology its
// rotate memberships demand. Core and CWOP servers sit at the top and
// must not have uplinks; hubs peer with the core; Tier2 leaves connect
// through the hubs. Firenet runs its own topology and is not checked.
func (j *Job) checkUplinks() {
	s := j.server
	switch {
	case s.MemberOf(model.RotateFirenet):
		return
	case s.MemberOf(model.RotateCore):
		j.forbidUplinks(model.RotateCore)
	case s.MemberOf(model.RotateCWOP):
		j.forbidUplinks(model.RotateCWOP)
	case s.MemberOf(model.RotateHubs):
		j.requireUplink(model.RotateCore)
	case s.MemberOf(model.RotateTier2):
		j.requireUplink(model.RotateHubs)
	}
}

func (j *Job) forbidUplinks(rotate string) {
	if n := len(j.info.Uplinks); n > 0 {
		j.fail("uplinks-has", "member of %s must not have uplinks, found %d", rotate, n)
	}
}

// requireUplink checks for exactly one uplink whose remote end is a
// known server in the given rotate family.
func (j *Job) requireUplink(family string) {
	ups := j.info.Uplinks
	if len(ups) == 0 {
		j.fail("uplinks-none", "no uplink connection, expected one to a member of %s", family)
		return
	}
	if len(ups) > 1 {
		j.fail("uplinks-many", "%d uplink connections, expected exactly one to a member of %s", len(ups), family)
		return
	}
	up := ups[0]
	id, ok := j.addrs.LookupHostPort(up.AddrRem)
	if !ok {
		j.fail("uplinks-odd", "uplink remote address %q does not match any known server", up.AddrRem)
		return
	}
	rem := j.cfg.LookupServer(id)
	if rem == nil {
		j.fail("uplinks-odd", "uplink %s (%s) is not a known server", id, up.AddrRem)
		return
	}
	if !rem.MemberOf(family) {
		j.fail("uplinks-wrong", "uplink %s is not a member of %s", id, family)
		return
	}
	if up.RxLast > maxRxLast {
		j.fail("uplinks-stuck", "uplink %s has not received traffic for %d s", id, up.RxLast)
		return
	}
	j.log.Debugf("%s: uplink %s OK, up %d s", j.server.ID, id, up.Up)
	j.scorer.SetUplinkUptime(float64(up.Up))
}
