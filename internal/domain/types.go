package domain

import "time"

// Identity is the stable per-user key that partitions conversation state and rate limits.
type Identity string

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// LimitScope names which rate-limit window rejected a request.
type LimitScope string

const (
	ScopeUser   LimitScope = "user"
	ScopeGlobal LimitScope = "global"
)

type Timestamp = time.Time
