package events

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tollgate/tollgate/internal/model"
)

const (
	defaultDetectorWindow    = 5 * time.Minute
	defaultDetectorThreshold = 20
)

// DetectorOptions configures a Detector.
type DetectorOptions struct {
	Window    time.Duration
	Threshold int
	Now       func() time.Time
}

type sighting struct {
	at  time.Time
	typ model.EventType
}

type ipHistory struct {
	seen      []sighting
	flaggedAt time.Time
}

// Detector counts rejections per client IP over a sliding window. When an
// IP reaches the threshold it raises one SUSPICIOUS event, then stays quiet
// for that IP until a full window has passed. It is not safe for concurrent
// use; the Recorder worker is its only caller.
type Detector struct {
	window    time.Duration
	threshold int
	now       func() time.Time
	ips       map[string]*ipHistory
}

func NewDetector(opts DetectorOptions) *Detector {
	if opts.Window <= 0 {
		opts.Window = defaultDetectorWindow
	}
	if opts.Threshold <= 0 {
		opts.Threshold = defaultDetectorThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Detector{
		window:    opts.Window,
		threshold: opts.Threshold,
		now:       opts.Now,
		ips:       make(map[string]*ipHistory),
	}
}

// Observe feeds one recorded event to the detector. SUSPICIOUS events are
// ignored so the detector never reacts to its own output.
func (d *Detector) Observe(ev model.SecurityEvent) (model.SecurityEvent, bool) {
	if ev.EventType == model.EventSuspicious || ev.IPAddress == "" {
		return model.SecurityEvent{}, false
	}
	now := ev.CreatedAt
	if now.IsZero() {
		now = d.now()
	}
	h, ok := d.ips[ev.IPAddress]
	if !ok {
		h = &ipHistory{}
		d.ips[ev.IPAddress] = h
	}
	h.seen = append(trim(h.seen, now.Add(-d.window)), sighting{at: now, typ: ev.EventType})

	if len(h.seen) < d.threshold {
		return model.SecurityEvent{}, false
	}
	if !h.flaggedAt.IsZero() && now.Sub(h.flaggedAt) < d.window {
		return model.SecurityEvent{}, false
	}
	h.flaggedAt = now

	types := make(map[model.EventType]bool)
	for _, s := range h.seen {
		types[s.typ] = true
	}
	names := make([]string, 0, len(types))
	for t := range types {
		names = append(names, string(t))
	}
	sort.Strings(names)

	return model.SecurityEvent{
		EventType: model.EventSuspicious,
		TokenID:   ev.TokenID,
		IPAddress: ev.IPAddress,
		Endpoint:  ev.Endpoint,
		CreatedAt: now,
		Metadata: map[string]string{
			"count":       strconv.Itoa(len(h.seen)),
			"window":      d.window.String(),
			"event_types": strings.Join(names, ","),
		},
	}, true
}

// Prune forgets IPs with no sightings inside the window.
func (d *Detector) Prune() int {
	cutoff := d.now().Add(-d.window)
	removed := 0
	for ip, h := range d.ips {
		h.seen = trim(h.seen, cutoff)
		if len(h.seen) == 0 && cutoff.After(h.flaggedAt) {
			delete(d.ips, ip)
			removed++
		}
	}
	return removed
}

// Tracked returns how many IPs have history.
func (d *Detector) Tracked() int {
	return len(d.ips)
}

// trim drops sightings at or before cutoff. Sightings are in time order.
func trim(seen []sighting, cutoff time.Time) []sighting {
	i := 0
	for i < len(seen) && !seen[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return seen
	}
	return append(seen[:0], seen[i:]...)
}
