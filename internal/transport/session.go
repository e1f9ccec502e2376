// ABOUTME: Session registry entries, session id grammar and request-to-session resolution
// ABOUTME: Housekeeping purges idle sessions without a stream every Nth request

package transport

import (
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session defaults
const (
	DefaultSessionTTL        = time.Hour
	DefaultHousekeepingEvery = 100
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9]{32}$`)

// Session is one logical client connection sequence. Sessions are owned by
// the transport; callers only ever see copies.
type Session struct {
	ID              string
	CreatedAt       time.Time
	LastSeen        time.Time
	ConnectionCount int
	UserAgent       string
	RemoteIP        string
}

// NewSessionID returns a random 32-character id.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidSessionID reports whether id matches the session id grammar.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// sessionIDCandidate returns the first non-empty id the request offers.
func sessionIDCandidate(r *http.Request) string {
	q := r.URL.Query()
	for _, v := range []string{
		r.Header.Get(HeaderSessionID),
		r.Header.Get(headerAltSessionID),
		q.Get("session_id"),
		q.Get("sessionId"),
		r.Header.Get(headerLastEventID),
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// resolveSession finds or creates the request's session and records the
// visit. The returned Session is a snapshot.
func (t *StreamableHTTP) resolveSession(r *http.Request) Session {
	candidate := sessionIDCandidate(r)
	id := candidate
	if !ValidSessionID(id) {
		if candidate != "" {
			t.logger.Warn("discarding malformed session id", "remote", r.RemoteAddr)
		}
		id = NewSessionID()
	}

	remote := remoteHost(r)
	var snap Session
	var created bool
	t.adapter.Synchronize(func() {
		now := t.clock.Now()
		s, ok := t.sessions.Load(id)
		if !ok {
			s = &Session{ID: id, CreatedAt: now, LastSeen: now}
			// Stop has cleared the registry; the session lives only for
			// this request.
			if t.running.Load() {
				t.sessions.Store(id, s)
				created = true
			}
		} else {
			// last_seen is strictly increasing even when the clock is coarse.
			if !now.After(s.LastSeen) {
				now = s.LastSeen.Add(time.Nanosecond)
			}
			s.LastSeen = now
		}
		s.ConnectionCount++
		s.UserAgent = r.UserAgent()
		s.RemoteIP = remote
		snap = *s
	})

	if created {
		t.logger.Debug("session created", "session_id", id, "remote", remote)
		t.publish(Event{Type: EventSessionCreated, SessionID: id, Remote: remote})
	}

	if n := t.requests.Add(1); t.housekeepingEvery > 0 && n%uint64(t.housekeepingEvery) == 0 {
		t.purgeIdleSessions()
	}
	return snap
}

// purgeIdleSessions removes sessions idle past the TTL that have no stream.
func (t *StreamableHTTP) purgeIdleSessions() int {
	var purged []string
	t.adapter.Synchronize(func() {
		cutoff := t.clock.Now().Add(-t.sessionTTL)
		t.sessions.Range(func(id string, s *Session) bool {
			if !s.LastSeen.Before(cutoff) {
				return true
			}
			if _, streaming := t.clients.Load(id); streaming {
				return true
			}
			t.sessions.Delete(id)
			purged = append(purged, id)
			return true
		})
	})

	for _, id := range purged {
		t.publish(Event{Type: EventSessionPurged, SessionID: id})
	}
	if len(purged) > 0 {
		t.logger.Info("purged idle sessions", "count", len(purged))
	}
	return len(purged)
}

// Sessions returns a snapshot of every live session.
func (t *StreamableHTTP) Sessions() []Session {
	var out []Session
	t.adapter.Synchronize(func() {
		out = make([]Session, 0, t.sessions.Len())
		t.sessions.Range(func(_ string, s *Session) bool {
			out = append(out, *s)
			return true
		})
	})
	return out
}

// Counts returns the number of live sessions and open streams.
func (t *StreamableHTTP) Counts() (sessions, streams int) {
	t.adapter.Synchronize(func() {
		sessions = t.sessions.Len()
		streams = t.clients.Len()
	})
	return sessions, streams
}

// Session returns a snapshot of one session.
func (t *StreamableHTTP) Session(id string) (Session, bool) {
	var snap Session
	var ok bool
	t.adapter.Synchronize(func() {
		var s *Session
		if s, ok = t.sessions.Load(id); ok {
			snap = *s
		}
	})
	return snap, ok
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
