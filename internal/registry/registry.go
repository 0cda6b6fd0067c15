// ABOUTME: Streamer-side registry of known players and their lifecycle state
// ABOUTME: Serializes membership changes and hands broadcast a consistent snapshot
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	internalsync "github.com/audera/audera-go/internal/sync"
)

var (
	ErrUnknownPlayer     = errors.New("unknown player")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is a player's position in the connection lifecycle
type State int

const (
	StateDiscovered State = iota
	StateConnecting
	StateSynced
	StateStreaming
	StateResyncing
	StateLost
)

var stateNames = [...]string{"discovered", "connecting", "synced", "streaming", "resyncing", "lost"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{StateDiscovered, StateConnecting, StateSynced, StateStreaming, StateResyncing, StateLost}
}

// allowed holds the legal edges. Every state may also go to Lost.
// Connecting is re-entered when a sync fails.
var allowed = map[State][]State{
	StateDiscovered: {StateConnecting},
	StateConnecting: {StateConnecting, StateSynced},
	StateSynced:     {StateStreaming, StateConnecting},
	StateStreaming:  {StateResyncing},
	StateResyncing:  {StateStreaming, StateConnecting},
	StateLost:       {StateDiscovered},
}

func canTransition(from, to State) bool {
	if to == StateLost {
		return from != StateLost
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Advertisement is one player observed by discovery
type Advertisement struct {
	ID   string
	Name string
	Addr string
}

// PlayerRecord is everything the streamer knows about one player
type PlayerRecord struct {
	ID      string
	Name    string
	Addr    string
	GroupID string
	State   State

	// Registered is set once the player answered Hello on the current connection
	Registered bool

	Clock  internalsync.State
	Synced bool
	// Failure is the last sync failure, cleared by a successful sync
	Failure string

	LastSeen     time.Time
	LastSync     time.Time
	LostAt       time.Time
	StateSince   time.Time
	BufferTarget time.Duration
	SessionID    string
}

// Config holds liveness timing
type Config struct {
	// LivenessTimeout must be well above the discovery interval
	LivenessTimeout time.Duration
	// PruneAfter is how long a Lost record is kept
	PruneAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		LivenessTimeout: 15 * time.Second,
		PruneAfter:      60 * time.Second,
	}
}

// Registry owns every PlayerRecord. All access goes through its mutex and
// callers only ever see copies.
type Registry struct {
	mu      sync.RWMutex
	cfg     Config
	group   Group
	players map[string]*PlayerRecord
}

// New creates a registry whose players all belong to group.
func New(cfg Config, group Group) *Registry {
	if group.ID == "" {
		group.ID = DefaultGroupID
	}
	return &Registry{
		cfg:     cfg,
		group:   group,
		players: make(map[string]*PlayerRecord),
	}
}

// Group returns the broadcast group.
func (r *Registry) Group() Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.group
}

// Observe creates or refreshes the record for an advertised player. A Lost
// player comes back as Discovered. Connected players keep their address and
// liveness, which only their own traffic refreshes.
func (r *Registry) Observe(ad Advertisement, now time.Time) (PlayerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[ad.ID]
	if !ok {
		rec = &PlayerRecord{
			ID:         ad.ID,
			Name:       ad.Name,
			Addr:       ad.Addr,
			GroupID:    r.group.ID,
			State:      StateDiscovered,
			LastSeen:   now,
			StateSince: now,
		}
		r.players[ad.ID] = rec
		return *rec, true
	}

	switch rec.State {
	case StateLost:
		r.setState(rec, StateDiscovered, now)
		fallthrough
	case StateDiscovered:
		rec.Addr = ad.Addr
		rec.Name = ad.Name
		rec.LastSeen = now
	}
	return *rec, false
}

// Get returns a copy of one record.
func (r *Registry) Get(id string) (PlayerRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.players[id]
	if !ok {
		return PlayerRecord{}, false
	}
	return *rec, true
}

// Transition moves a player to a new state.
func (r *Registry) Transition(id string, to State, now time.Time) (PlayerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return PlayerRecord{}, fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	if !canTransition(rec.State, to) {
		return *rec, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, rec.State, to, id)
	}
	r.setState(rec, to, now)
	if to == StateConnecting || to == StateSynced || to == StateStreaming {
		rec.LastSeen = now
	}
	return *rec, nil
}

func (r *Registry) setState(rec *PlayerRecord, to State, now time.Time) {
	rec.State = to
	rec.StateSince = now
	if to == StateLost {
		rec.LostAt = now
		rec.Synced = false
		rec.Registered = false
		rec.SessionID = ""
	}
}

// Touch records a liveness signal.
func (r *Registry) Touch(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	return nil
}

// Register stores what the player said about itself when it registered.
func (r *Registry) Register(id, name string, bufferTarget time.Duration, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	if name != "" {
		rec.Name = name
	}
	rec.BufferTarget = bufferTarget
	rec.Registered = true
	rec.LastSeen = now
	return nil
}

// SetSession records the player's current streaming session.
func (r *Registry) SetSession(id, session string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	rec.SessionID = session
	return nil
}

// SetClock stores a successful synchronization.
func (r *Registry) SetClock(id string, clock internalsync.State, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	rec.Clock = clock
	rec.Synced = true
	rec.Failure = ""
	rec.LastSync = now
	return nil
}

// MarkUnsynced records a failed synchronization. The player keeps its
// registration but drops back to Connecting, outside the broadcast group,
// until a sync succeeds.
func (r *Registry) MarkUnsynced(id, reason string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.players[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	rec.Synced = false
	rec.Failure = reason
	if canTransition(rec.State, StateConnecting) {
		r.setState(rec, StateConnecting, now)
	}
	return nil
}

// SyncDue lists players that need a clock sync: registered players that are
// not yet synced, and streaming players whose last sync is older than every.
func (r *Registry) SyncDue(now time.Time, every time.Duration) []PlayerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var due []PlayerRecord
	for _, rec := range r.players {
		switch {
		case rec.State == StateConnecting && rec.Registered:
			due = append(due, *rec)
		case rec.State == StateStreaming && now.Sub(rec.LastSync) >= every:
			due = append(due, *rec)
		}
	}
	sortRecords(due)
	return due
}

// Sweep marks silent players Lost and removes Lost players past the grace
// period.
func (r *Registry) Sweep(now time.Time) (lost, pruned []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, rec := range r.players {
		switch {
		case rec.State == StateLost:
			if now.Sub(rec.LostAt) > r.cfg.PruneAfter {
				delete(r.players, id)
				pruned = append(pruned, id)
			}
		case now.Sub(rec.LastSeen) > r.cfg.LivenessTimeout:
			r.setState(rec, StateLost, now)
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	sort.Strings(pruned)
	return lost, pruned
}

// Snapshot is the broadcast membership for one tick
type Snapshot struct {
	GroupID string
	Players []PlayerRecord
}

// IDs returns the member ids in order.
func (s Snapshot) IDs() []string {
	ids := make([]string, len(s.Players))
	for i, p := range s.Players {
		ids[i] = p.ID
	}
	return ids
}

// Snapshot returns the group's players that should receive audio:
// Streaming ones and Resyncing ones, which keep playing on their last offset.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{GroupID: r.group.ID}
	for _, rec := range r.players {
		if rec.GroupID != r.group.ID {
			continue
		}
		if rec.State == StateStreaming || rec.State == StateResyncing {
			snap.Players = append(snap.Players, *rec)
		}
	}
	sortRecords(snap.Players)
	return snap
}

// All returns every record.
func (r *Registry) All() []PlayerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]PlayerRecord, 0, len(r.players))
	for _, rec := range r.players {
		all = append(all, *rec)
	}
	sortRecords(all)
	return all
}

// Counts returns the number of players in each state.
func (r *Registry) Counts() map[State]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[State]int, len(stateNames))
	for _, s := range States() {
		counts[s] = 0
	}
	for _, rec := range r.players {
		counts[rec.State]++
	}
	return counts
}

func sortRecords(recs []PlayerRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
