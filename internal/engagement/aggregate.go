package engagement

// Mind is the device-side mental-state block for one channel. Relative
// values are calibrated on the device to 0..1; instant values are already
// percentages. Both spellings emitted by device firmware are accepted.
type Mind struct {
	RelativeAttention  *float64 `json:"relative_attention,omitempty"`
	RelativeRelaxation *float64 `json:"relative_relaxation,omitempty"`
	RelAttention       *float64 `json:"rel_attention,omitempty"`
	RelRelaxation      *float64 `json:"rel_relaxation,omitempty"`

	InstantAttention  *float64 `json:"instant_attention,omitempty"`
	InstantRelaxation *float64 `json:"instant_relaxation,omitempty"`
	InstAttention     *float64 `json:"inst_attention,omitempty"`
	InstRelaxation    *float64 `json:"inst_relaxation,omitempty"`
}

type Channel struct {
	Mind *Mind `json:"mind,omitempty"`
}

// Sample is one device tick keyed by channel name (O1, O2, T3, T4 on a
// four-electrode headband).
type Sample struct {
	Channels map[string]Channel `json:"channels"`
}

// Reading is the per-tick aggregate on a 0..100 scale.
type Reading struct {
	Relaxation    float64 `json:"relaxation"`
	Concentration float64 `json:"concentration"`
}

func first(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func (m *Mind) relaxation() (float64, bool) {
	if v := first(m.RelativeRelaxation, m.RelRelaxation); v != nil {
		return *v * 100, true
	}
	if v := first(m.InstantRelaxation, m.InstRelaxation); v != nil {
		return *v, true
	}
	return 0, false
}

func (m *Mind) concentration() (float64, bool) {
	if v := first(m.RelativeAttention, m.RelAttention); v != nil {
		return *v * 100, true
	}
	if v := first(m.InstantAttention, m.InstAttention); v != nil {
		return *v, true
	}
	return 0, false
}

// Aggregate averages relaxation and concentration across channels. It
// reports false when no channel carries a relaxation value or none carries
// a concentration value; such ticks carry no reading and must be skipped,
// never treated as zero.
func Aggregate(s Sample) (Reading, bool) {
	var (
		relaxSum, concSum float64
		relaxN, concN     int
	)
	for _, ch := range s.Channels {
		if ch.Mind == nil {
			continue
		}
		if v, ok := ch.Mind.relaxation(); ok {
			relaxSum += v
			relaxN++
		}
		if v, ok := ch.Mind.concentration(); ok {
			concSum += v
			concN++
		}
	}
	if relaxN == 0 || concN == 0 {
		return Reading{}, false
	}
	return Reading{
		Relaxation:    relaxSum / float64(relaxN),
		Concentration: concSum / float64(concN),
	}, true
}
