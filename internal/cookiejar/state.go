package cookiejar

import (
	"sort"
	"time"
)

// State is the serialisable form of a Record.
type State struct {
	Domain    string     `json:"domain"`
	Path      string     `json:"path"`
	Name      string     `json:"name"`
	Value     string     `json:"value"`
	HostOnly  bool       `json:"host_only"`
	Secure    bool       `json:"secure,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Serialize returns every unexpired cookie in insertion order.
func (j *Jar) Serialize() []State {
	now := j.now()
	j.mu.Lock()
	recs := make([]*Record, 0, len(j.entries))
	for _, rec := range j.entries {
		if !rec.expired(now) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(a, b int) bool { return recs[a].seq < recs[b].seq })
	out := make([]State, len(recs))
	for i, rec := range recs {
		out[i] = State{
			Domain:    rec.Domain,
			Path:      rec.Path,
			Name:      rec.Name,
			Value:     rec.Value,
			HostOnly:  rec.HostOnly,
			Secure:    rec.Secure,
			ExpiresAt: rec.ExpiresAt,
		}
	}
	j.mu.Unlock()
	return out
}

// FromSerialized rebuilds a jar. Expired or nameless states are skipped.
func FromSerialized(states []State, opts ...Option) *Jar {
	j := New(opts...)
	now := j.now()
	for _, st := range states {
		if st.Name == "" || st.Value == "" || st.Domain == "" {
			continue
		}
		rec := &Record{
			Name:      st.Name,
			Value:     st.Value,
			Domain:    canonicalHost(st.Domain),
			Path:      st.Path,
			HostOnly:  st.HostOnly,
			Secure:    st.Secure,
			ExpiresAt: st.ExpiresAt,
		}
		if rec.Path == "" {
			rec.Path = "/"
		}
		if rec.expired(now) {
			continue
		}
		j.seq++
		rec.seq = j.seq
		j.entries[key{rec.Domain, rec.Path, rec.Name}] = rec
	}
	return j
}
