// ABOUTME: Control message payloads for the audera wire protocol
// ABOUTME: JSON bodies carried inside control frames
package protocol

// Version is the wire protocol revision carried in Hello and Register.
const Version = 1

// AudioFormat describes the stream format for a session
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitDepth   int    `json:"bit_depth"`
	// FrameSamples is the number of samples per channel in one frame
	FrameSamples int `json:"frame_samples"`
}

// Hello is sent by the streamer right after it connects to a player
type Hello struct {
	StreamerID string `json:"streamer_id"`
	Name       string `json:"name"`
	Version    int    `json:"version"`
	Software   string `json:"software,omitempty"`
}

// Register is the player's answer to Hello
type Register struct {
	PlayerID       string   `json:"player_id"`
	Name           string   `json:"name"`
	Version        int      `json:"version"`
	BufferTargetMs int      `json:"buffer_target_ms"`
	Codecs         []string `json:"codecs,omitempty"`
	Product        string   `json:"product,omitempty"`
	Software       string   `json:"software,omitempty"`
	Manufacturer   string   `json:"manufacturer,omitempty"`
}

// SyncBegin asks the player to run Rounds clock exchanges and report back
// with a SyncReport carrying the same exchange id.
type SyncBegin struct {
	Rounds int `json:"rounds"`
}

// SyncRequest carries the player send time
type SyncRequest struct {
	T1 int64 `json:"t1"`
}

// SyncResponse echoes T1 with the streamer receive and send times
type SyncResponse struct {
	T1 int64 `json:"t1"`
	T2 int64 `json:"t2"`
	T3 int64 `json:"t3"`
}

// SyncReport is the outcome of a SyncBegin
type SyncReport struct {
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Offset   float64 `json:"offset"`
	Smoothed float64 `json:"smoothed"`
	Drift    float64 `json:"drift"`
	RTT      int64   `json:"rtt"`
	MinRTT   int64   `json:"min_rtt"`
	Samples  int     `json:"samples"`
	Rejected int     `json:"rejected"`
	// BufferTargetMs lets the player adjust its lookahead after seeing fresh RTTs
	BufferTargetMs int `json:"buffer_target_ms,omitempty"`
}

// SessionStart opens a streaming session. Sequence numbers start at 0.
type SessionStart struct {
	SessionID string      `json:"session_id"`
	Format    AudioFormat `json:"format"`
	LatencyMs int         `json:"latency_ms"`
}

// Ready acknowledges SessionStart
type Ready struct {
	SessionID string `json:"session_id"`
}

// SessionReset restarts sequence numbers without closing the connection
type SessionReset struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// ResetRequest asks the streamer for a SessionReset
type ResetRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Heartbeat is a liveness signal in either direction
type Heartbeat struct {
	Sent int64 `json:"sent"`
}

// Goodbye announces an orderly disconnect
type Goodbye struct {
	Reason string `json:"reason,omitempty"`
}
