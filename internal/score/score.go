// Package score derives a single comparable figure of merit from a
// server's poll measurements. Lower is better; 0 is perfect.
package score

import (
	"fmt"
	"math"

	"github.com/hessu/aprs2net-backend/internal/model"
)

const (
	// Max caps the total. A server that cannot be scored at all gets
	// exactly Max.
	Max = 1000

	// rttGoodEnough is the RTT floor in seconds. Anything faster
	// contributes nothing, so nearby servers don't win on pure
	// network proximity.
	rttGoodEnough = 0.4

	httpRTTMul   = 50
	aprsisRTTMul = 40
	userLoadMul  = 10

	uptimeRampSecs  = 1800.0
	uptimeRampScore = 500.0

	uplinkRampSecs = 900.0
)

// Score collects the measurements of one poll round.
type Score struct {
	httpRTT    float64
	hasHTTP    bool
	aprsisRTT  map[string]float64
	submitRTT  map[string]float64
	worstLoad  float64
	hasLoad    bool
	uptime     float64
	hasUptime  bool
	uplinkUp   float64
	hasUplink  bool
	versionPen float64
	versionMsg string
}

func New() *Score {
	return &Score{
		aprsisRTT: make(map[string]float64),
		submitRTT: make(map[string]float64),
	}
}

// SetHTTPRTT records the status-page fetch time in seconds.
func (s *Score) SetHTTPRTT(t float64) {
	s.httpRTT = t
	s.hasHTTP = true
}

// SetAprsisRTT records a successful APRS-IS login time for an address
// family ("ipv4" or "ipv6").
func (s *Score) SetAprsisRTT(family string, t float64) {
	s.aprsisRTT[family] = t
}

// SetSubmitRTT records a successful submit-port probe for a family.
func (s *Score) SetSubmitRTT(family string, t float64) {
	s.submitRTT[family] = t
}

func (s *Score) SetWorstLoad(load float64) {
	s.worstLoad = load
	s.hasLoad = true
}

func (s *Score) SetUptime(seconds float64) {
	s.uptime = seconds
	s.hasUptime = true
}

func (s *Score) SetUplinkUptime(seconds float64) {
	s.uplinkUp = seconds
	s.hasUplink = true
}

// SetVersionPenalty records a penalty from the version table.
func (s *Score) SetVersionPenalty(points float64, human string) {
	s.versionPen = points
	s.versionMsg = human
}

// Compute returns the total score and the per-component breakdown.
// Component values are truncated to one decimal for display; the total
// is computed from full precision. A missing HTTP timing or zero
// successful APRS-IS families yields exactly Max.
func (s *Score) Compute() (float64, model.ScoreBase) {
	base := model.ScoreBase{}
	total := 0.0
	add := func(name string, v float64, human string) {
		total += v
		base[name] = model.ScoreComponent{Value: math.Trunc(v*10) / 10, Human: human}
	}

	if s.hasHTTP {
		add("http_rtt", max(0, s.httpRTT-rttGoodEnough)*httpRTTMul,
			fmt.Sprintf("HTTP status RTT %.3f s", s.httpRTT))
	}

	if n := len(s.aprsisRTT); n > 0 {
		sum, raw := 0.0, 0.0
		for _, t := range s.aprsisRTT {
			sum += max(0, t-rttGoodEnough) * aprsisRTTMul
			raw += t
		}
		add("aprsis_rtt", sum/float64(n),
			fmt.Sprintf("APRS-IS login RTT %.3f s avg of %d", raw/float64(n), n))
	}

	for family, t := range s.submitRTT {
		add("submit-http-8080-"+family, t, fmt.Sprintf("submit port RTT %.3f s", t))
	}

	if s.hasLoad {
		add("user_load", s.worstLoad*userLoadMul,
			fmt.Sprintf("worst load %.1f %%", s.worstLoad))
	}

	if s.hasUptime && s.uptime < uptimeRampSecs {
		add("uptime", uptimeRampScore*(1-s.uptime/uptimeRampSecs),
			fmt.Sprintf("server restarted %.0f s ago", s.uptime))
	}

	if s.hasUplink {
		if v := uplinkRampSecs - s.uplinkUp; v > 0 {
			add("uplink_uptime", v, fmt.Sprintf("uplink up for only %.0f s", s.uplinkUp))
		}
	}

	if s.versionPen > 0 {
		add("version", s.versionPen, s.versionMsg)
	}

	if !s.hasHTTP || len(s.aprsisRTT) == 0 {
		return Max, base
	}
	return min(total, Max), base
}

// AvailPenalty converts a 3-day availability percentage into a score
// penalty. It kicks in below 99.98 % and saturates at 500.
func AvailPenalty(avail3 float64) float64 {
	if avail3 >= 99.98 {
		return 0
	}
	return min(math.Log((100-avail3)*1000+1)*90, 500)
}
