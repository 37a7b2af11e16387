package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/huntworks/picvault/internal/teams"
)

const (
	inboxManifestName = "message.json"
	inboxAckSuffix    = ".ack"
	inboxOutboxName   = "outbox.log"
)

// inboxManifest describes one dropped message: a subdirectory holding this
// document next to its attachment payload files.
type inboxManifest struct {
	ID          int64                   `json:"id"`
	AuthorID    int64                   `json:"author_id"`
	ChannelID   int64                   `json:"channel_id"`
	CreatedAt   float64                 `json:"created_at"`
	Attachments []inboxManifestAttached `json:"attachments"`
}

type inboxManifestAttached struct {
	ID          int64  `json:"id"`
	ContentType string `json:"content_type"`
	File        string `json:"file"`
}

type InboxOptions struct {
	Dir    string
	SelfID int64
	Roster map[int64]teams.Identity
	Logger teams.Logger
}

// Inbox is a filesystem transport for local runs and tests: messages arrive
// as directories dropped into the watched inbox, acknowledgments become
// marker files, and outbound text goes to an outbox log.
type Inbox struct {
	dir       string
	selfID    int64
	roster    map[int64]teams.Identity
	logger    teams.Logger
	watcher   *fsnotify.Watcher
	onMessage func(ctx context.Context, m Message)
	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	delivered map[string]struct{}
}

func NewInbox(opts InboxOptions) (*Inbox, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("inbox dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	roster := opts.Roster
	if roster == nil {
		roster = map[int64]teams.Identity{}
	}
	return &Inbox{
		dir:       filepath.Clean(dir),
		selfID:    opts.SelfID,
		roster:    roster,
		logger:    opts.Logger,
		done:      make(chan struct{}),
		delivered: map[string]struct{}{},
	}, nil
}

func (in *Inbox) OnMessage(fn func(ctx context.Context, m Message)) {
	in.onMessage = fn
}

func (in *Inbox) Open(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(in.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	in.watcher = watcher
	go in.watch(ctx)
	return nil
}

func (in *Inbox) Close() error {
	var err error
	in.closeOnce.Do(func() {
		close(in.done)
		if in.watcher != nil {
			err = in.watcher.Close()
		}
	})
	return err
}

func (in *Inbox) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.done:
			return
		case event, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			// New message directories announce themselves by their manifest.
			if filepath.Base(event.Name) == inboxManifestName {
				in.deliver(ctx, filepath.Dir(event.Name))
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				// The watch is not recursive; the message folder must be
				// added so the manifest write inside it is seen.
				if err := in.watcher.Add(event.Name); err != nil {
					in.logf("inbox watch %s: %v", event.Name, err)
				}
				manifest := filepath.Join(event.Name, inboxManifestName)
				if _, err := os.Stat(manifest); err == nil {
					in.deliver(ctx, event.Name)
				}
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.logf("inbox watcher: %v", err)
		}
	}
}

func (in *Inbox) deliver(ctx context.Context, folder string) {
	if in.onMessage == nil {
		return
	}
	in.mu.Lock()
	if _, seen := in.delivered[folder]; seen {
		in.mu.Unlock()
		return
	}
	in.delivered[folder] = struct{}{}
	in.mu.Unlock()

	msg, err := in.readMessage(folder)
	if err != nil {
		in.logf("inbox message in %s: %v", folder, err)
		return
	}
	in.onMessage(ctx, msg)
}

func (in *Inbox) readMessage(folder string) (Message, error) {
	data, err := os.ReadFile(filepath.Join(folder, inboxManifestName))
	if err != nil {
		return Message{}, err
	}
	var manifest inboxManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        manifest.ID,
		AuthorID:  manifest.AuthorID,
		ChannelID: manifest.ChannelID,
		CreatedAt: time.UnixMicro(int64(math.Round(manifest.CreatedAt * 1e6))).UTC(),
	}
	for _, att := range manifest.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:          att.ID,
			ContentType: att.ContentType,
			URL:         filepath.Join(folder, att.File),
		})
	}
	return msg, nil
}

func (in *Inbox) SelfID() int64 {
	return in.selfID
}

func (in *Inbox) ResolveIdentity(id int64) (teams.Identity, bool) {
	ident, ok := in.roster[id]
	return ident, ok
}

func (in *Inbox) OpenAttachment(_ context.Context, att Attachment) (io.ReadCloser, error) {
	return os.Open(att.URL)
}

func (in *Inbox) Acknowledge(_ context.Context, _ int64, messageID int64) error {
	marker := filepath.Join(in.dir, strconv.FormatInt(messageID, 10)+inboxAckSuffix)
	return os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func (in *Inbox) OpenDirectChannel(_ context.Context, userID int64) (int64, error) {
	// One channel per user keeps drop folders predictable.
	return userID, nil
}

func (in *Inbox) SendDirect(_ context.Context, channelID int64, text string) error {
	f, err := os.OpenFile(filepath.Join(in.dir, inboxOutboxName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "channel=%d %s\n", channelID, text); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (in *Inbox) History(ctx context.Context, channelID int64, visit func(Message) error) error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return err
	}
	var messages []Message
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		msg, err := in.readMessage(filepath.Join(in.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			in.logf("inbox history %s: %v", entry.Name(), err)
			continue
		}
		if msg.ChannelID != channelID {
			continue
		}
		messages = append(messages, msg)
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].CreatedAt.After(messages[j].CreatedAt) })
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(msg); err != nil {
			if errors.Is(err, ErrStopHistory) {
				return nil
			}
			return err
		}
	}
	return nil
}

// LoadRoster reads the identity roster used by the inbox transport. An
// empty path yields an empty roster.
func LoadRoster(path string) (map[int64]teams.Identity, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return map[int64]teams.Identity{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		Members []struct {
			ID          int64  `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"members"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	roster := make(map[int64]teams.Identity, len(doc.Members))
	for _, member := range doc.Members {
		roster[member.ID] = teams.Identity{ID: member.ID, DisplayName: member.DisplayName}
	}
	return roster, nil
}

func (in *Inbox) logf(format string, args ...any) {
	if in.logger == nil {
		return
	}
	in.logger.Printf(format, args...)
}
