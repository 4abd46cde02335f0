package room

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the registry's view of a live connection. Implementations must be
// comparable (pointer types) since they are used as map keys.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Member is the metadata recorded for a joined connection
type Member struct {
	RoomKey       string
	ParticipantID string
	DisplayName   string
}

// Registry tracks which connections are live in which room, and when each
// room last saw activity. All mutations go through a single mutex.
type Registry struct {
	mu sync.Mutex

	// Live connections by room. A room is present only while non-empty.
	rooms map[string]map[Conn]struct{}

	members map[Conn]Member

	// Last activity per room. Outlives the room's live entry so idle rooms
	// can be reclaimed later.
	activity map[string]time.Time

	now   func() time.Time
	newID func() string
}

type Option func(*Registry)

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides the participant identifier source
func WithIDGenerator(newID func() string) Option {
	return func(r *Registry) { r.newID = newID }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		rooms:    make(map[string]map[Conn]struct{}),
		members:  make(map[Conn]Member),
		activity: make(map[string]time.Time),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds conn to roomKey and returns its freshly allocated participant id.
func (r *Registry) Join(conn Conn, roomKey, displayName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.rooms[roomKey]
	if !ok {
		conns = make(map[Conn]struct{})
		r.rooms[roomKey] = conns
	}
	conns[conn] = struct{}{}

	id := r.newID()
	r.members[conn] = Member{RoomKey: roomKey, ParticipantID: id, DisplayName: displayName}
	r.activity[roomKey] = r.now()
	return id
}

// Leave removes conn from its room. The boolean is false when conn was never
// joined or has already left; that is a normal outcome, not an error.
func (r *Registry) Leave(conn Conn) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	member, ok := r.members[conn]
	if !ok {
		return Member{}, false
	}
	delete(r.members, conn)

	if conns, ok := r.rooms[member.RoomKey]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(r.rooms, member.RoomKey)
		}
	}
	r.activity[member.RoomKey] = r.now()
	return member, true
}

// Connections returns a snapshot of the room's live connections.
func (r *Registry) Connections(roomKey string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.rooms[roomKey]
	out := make([]Conn, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every registered connection across rooms.
func (r *Registry) All() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conn, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Member(conn Conn) (Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[conn]
	return m, ok
}

// Touch stamps the room's activity time if the room currently has live
// connections, and reports whether it did.
func (r *Registry) Touch(roomKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomKey]; !ok {
		return false
	}
	r.activity[roomKey] = r.now()
	return true
}

func (r *Registry) LastActivity(roomKey string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.activity[roomKey]
	return ts, ok
}

// IdleRooms returns the activity timestamp of every tracked room that has
// no live connections right now.
func (r *Registry) IdleRooms() map[string]time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	idle := make(map[string]time.Time)
	for key, ts := range r.activity {
		if _, live := r.rooms[key]; !live {
			idle[key] = ts
		}
	}
	return idle
}

// ForgetIfIdle drops the room's activity entry if the room is still empty
// and its last activity is before cutoff. The check and the delete happen
// under one lock so a connection arriving in between keeps the room.
func (r *Registry) ForgetIfIdle(roomKey string, cutoff time.Time) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.rooms[roomKey]; live {
		return time.Time{}, false
	}
	ts, ok := r.activity[roomKey]
	if !ok || !ts.Before(cutoff) {
		return time.Time{}, false
	}
	delete(r.activity, roomKey)
	return ts, true
}

// Restore puts back an activity entry removed by ForgetIfIdle, unless the
// room has been touched again since.
func (r *Registry) Restore(roomKey string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activity[roomKey]; ok {
		return
	}
	r.activity[roomKey] = ts
}

// Live connection count per room
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.rooms))
	for key, conns := range r.rooms {
		out[key] = len(conns)
	}
	return out
}

func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
