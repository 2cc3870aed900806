package protocol

import "time"

// VoiceRequest is sent by clients on SubjectVoiceGenerate after a cache miss
// and on SubjectVoiceHit after serving a line from the cache.
type VoiceRequest struct {
	Text string `json:"text"`
	// Key is the client's fingerprint. The server recomputes it from its own
	// parameters and logs a mismatch.
	Key          string    `json:"key,omitempty"`
	ParamsDigest string    `json:"params_digest,omitempty"`
	Output       string    `json:"output,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ack is the immediate reply to a request that carried a reply subject.
type Ack struct {
	ID       string `json:"id"`
	Key      string `json:"key"`
	Status   string `json:"status"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Ack statuses.
const (
	StatusQueued    = "queued"
	StatusInFlight  = "in_flight"
	StatusCached    = "cached"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// JobStatus is the HTTP view of a tracked job.
type JobStatus struct {
	Key         string    `json:"key"`
	Text        string    `json:"text"`
	State       string    `json:"state"`
	Priority    string    `json:"priority"`
	Source      string    `json:"source,omitempty"`
	Attempt     int       `json:"attempt"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Cached      bool      `json:"cached"`
}

const (
	SubjectVoiceGenerate = "voice.generate"
	SubjectVoiceHit      = "voice.hit"
)

// ServerInfo describes a running voice server. It is announced on startup
// and returned from SubjectServerInfo requests.
type ServerInfo struct {
	ServerID     string     `json:"server_id"`
	Name         string     `json:"name"`
	ParamsDigest string     `json:"params_digest"`
	MediaType    string     `json:"media_type"`
	CacheDir     string     `json:"cache_dir"`
	Provider     string     `json:"provider"`
	Concurrency  int        `json:"concurrency"`
	Queue        QueueStats `json:"queue"`
	Timestamp    time.Time  `json:"timestamp"`
}

// QueueStats is a point-in-time view of the job registry.
type QueueStats struct {
	QueuedOnDemand int `json:"queued_on_demand"`
	QueuedPrefetch int `json:"queued_prefetch"`
	Delayed        int `json:"delayed"`
	InFlight       int `json:"in_flight"`
	Completed      int `json:"completed"`
	Failed         int `json:"failed"`
}

// Heartbeat is published periodically on SubjectServerHeartbeatPrefix+ServerID.
type Heartbeat struct {
	ServerID  string     `json:"server_id"`
	Queue     QueueStats `json:"queue"`
	Timestamp time.Time  `json:"timestamp"`
}

const (
	SubjectServerAnnounce        = "voice.server.announce"
	SubjectServerHeartbeatPrefix = "voice.server.heartbeat."
	SubjectServerInfo            = "voice.server.info"
)
