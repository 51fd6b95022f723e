// Package netsignal records the network-quality client hints browsers send
// (ECT, Downlink, RTT) so the adaptive controller can read the most recent one.
package netsignal

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client hint header names.
const (
	HeaderECT      = "ECT"
	HeaderDownlink = "Downlink"
	HeaderRTT      = "RTT"
)

// AcceptCH is the Accept-CH value that asks browsers to send the hints.
var AcceptCH = strings.Join([]string{HeaderECT, HeaderDownlink, HeaderRTT}, ", ")

// Signal is one network-quality observation.
type Signal struct {
	ECT      string        `json:"ect,omitempty"`      // slow-2g, 2g, 3g, 4g
	Downlink float64       `json:"downlink,omitempty"` // Mbps
	RTT      time.Duration `json:"rtt,omitempty"`
	At       time.Time     `json:"at"`
}

// HasECT reports whether the effective connection type is known.
func (s Signal) HasECT() bool { return s.ECT != "" }

// HasDownlink reports whether a downlink estimate is known.
func (s Signal) HasDownlink() bool { return s.Downlink > 0 }

// ECTScore maps the effective connection type to [0,1]. Unknown types score 1.
func (s Signal) ECTScore() float64 {
	switch s.ECT {
	case "slow-2g":
		return 0.1
	case "2g":
		return 0.3
	case "3g":
		return 0.6
	}
	return 1.0
}

// FromHeaders parses client hints. It reports false when none are present
// or parseable.
func FromHeaders(h http.Header, now time.Time) (Signal, bool) {
	s := Signal{At: now}
	if ect := strings.ToLower(strings.TrimSpace(h.Get(HeaderECT))); ect != "" {
		switch ect {
		case "slow-2g", "2g", "3g", "4g":
			s.ECT = ect
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderDownlink)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			s.Downlink = f
		}
	}
	if v := strings.TrimSpace(h.Get(HeaderRTT)); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			s.RTT = time.Duration(ms) * time.Millisecond
		}
	}
	if !s.HasECT() && !s.HasDownlink() && s.RTT == 0 {
		return Signal{}, false
	}
	return s, true
}

// Recorder keeps the latest signal. The zero value is ready to use.
type Recorder struct {
	mu     sync.RWMutex
	latest Signal
	ok     bool
	maxAge time.Duration
	now    func() time.Time
}

// NewRecorder returns a Recorder whose signal goes absent after maxAge
// without a fresh observation. maxAge <= 0 keeps it forever.
func NewRecorder(maxAge time.Duration) *Recorder {
	return &Recorder{maxAge: maxAge, now: time.Now}
}

// Record stores s as the latest observation.
func (r *Recorder) Record(s Signal) {
	r.mu.Lock()
	r.latest = s
	r.ok = true
	r.mu.Unlock()
}

// Latest returns the most recent signal, if any.
func (r *Recorder) Latest() (Signal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ok {
		return Signal{}, false
	}
	if r.maxAge > 0 && r.now != nil && r.now().Sub(r.latest.At) > r.maxAge {
		return Signal{}, false
	}
	return r.latest, true
}

// Middleware records hints from every request and advertises Accept-CH.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Accept-CH", AcceptCH)
		now := time.Now
		if r.now != nil {
			now = r.now
		}
		if s, ok := FromHeaders(req.Header, now()); ok {
			r.Record(s)
		}
		next.ServeHTTP(w, req)
	})
}
