package domain

import (
	"path/filepath"
	"strings"
	"time"
)

// Turn is one message in a conversation, tagged with its speaker role.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      Timestamp `json:"at"`
}

// Session is the stored dialogue context of one identity.
//
// History is ordered by occurrence and LastActivityAt is the timestamp of its
// last element (zero when History is empty). Version changes on every
// mutation and is used by ConversationStore.Append as a compare-and-set token.
type Session struct {
	Identity       Identity
	History        []Turn
	LastActivityAt Timestamp
	Version        uint64
}

func (s *Session) Empty() bool {
	return s == nil || len(s.History) == 0
}

// NextVersion returns the version a session gets after a mutation.
// Versions grow monotonically per session and are seeded from the clock so a
// session recreated after eviction never reuses an old token.
func NextVersion(prev uint64, now time.Time) uint64 {
	next := prev + 1
	if ts := uint64(now.UnixNano()); ts > next {
		return ts
	}
	return next
}

// Attachment is a media payload passed through untouched to the model client.
type Attachment struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type"`
	Filename string    `json:"filename"`
	URL      string    `json:"url,omitempty"`
	Size     int       `json:"size"`
	Data     []byte    `json:"data,omitempty"`
}

var audioExtensions = []string{".mp3", ".wav", ".ogg", ".m4a"}

// MatchesKind reports whether an attachment with the given content type and
// filename can be analyzed as kind. Audio is also recognised by extension
// because chat platforms often omit its content type.
func MatchesKind(kind MediaKind, mimeType, filename string) bool {
	mimeType = strings.ToLower(mimeType)
	switch kind {
	case MediaImage:
		return strings.HasPrefix(mimeType, "image/")
	case MediaVideo:
		return strings.Contains(mimeType, "video/")
	case MediaAudio:
		if strings.Contains(mimeType, "audio/") {
			return true
		}
		ext := strings.ToLower(filepath.Ext(filename))
		for _, e := range audioExtensions {
			if ext == e {
				return true
			}
		}
	}
	return false
}

// SelectAttachment returns the first candidate usable as kind, or nil.
func SelectAttachment(kind MediaKind, candidates []Attachment) *Attachment {
	for i := range candidates {
		if MatchesKind(kind, candidates[i].MimeType, candidates[i].Filename) {
			att := candidates[i]
			att.Kind = kind
			return &att
		}
	}
	return nil
}
