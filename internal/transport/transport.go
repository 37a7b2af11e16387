// Package transport is the boundary to whatever delivers messages and
// attachments: the live Discord gateway in production, a watched drop
// directory for local runs. The registry and ingestion core only ever see
// the types defined here.
package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/huntworks/picvault/internal/teams"
)

// ErrStopHistory stops a history walk early from inside the visit callback.
var ErrStopHistory = errors.New("stop history")

type Attachment struct {
	ID          int64
	ContentType string
	// URL locates the payload; its meaning is transport-specific (an HTTP
	// URL for Discord, a local path for the inbox).
	URL string
}

type Message struct {
	ID          int64
	AuthorID    int64
	ChannelID   int64
	GuildID     int64 // zero for direct messages
	Attachments []Attachment
	CreatedAt   time.Time
}

func (m Message) IsDM() bool {
	return m.GuildID == 0
}

// Command is a parsed front-end command from the transport's command
// surface (slash commands on Discord).
type Command struct {
	Name      string
	GuildID   int64
	UserID    int64
	TeamName  string
	MemberIDs []int64
}

type Reply struct {
	Text    string
	Private bool
}

// Transport is the set of outbound operations the core awaits. History
// yields messages newest first and stops cleanly when the visit callback
// returns ErrStopHistory.
type Transport interface {
	SelfID() int64
	ResolveIdentity(id int64) (teams.Identity, bool)
	OpenAttachment(ctx context.Context, att Attachment) (io.ReadCloser, error)
	Acknowledge(ctx context.Context, channelID, messageID int64) error
	OpenDirectChannel(ctx context.Context, userID int64) (int64, error)
	SendDirect(ctx context.Context, channelID int64, text string) error
	History(ctx context.Context, channelID int64, visit func(Message) error) error
}
