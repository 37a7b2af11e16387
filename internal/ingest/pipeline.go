// Package ingest moves image submissions from the transport into team
// folders: live message handling, historical backfill, and the periodic
// sidecar flush.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/huntworks/picvault/internal/teams"
	"github.com/huntworks/picvault/internal/transport"
)

type PipelineOptions struct {
	Hub     *Hub
	Journal teams.Journal
	Logger  teams.Logger
}

// Pipeline stores image attachments from founder messages into the owning
// team's folder. Processing is idempotent: replayed messages skip files
// already on disk and messages with no failed attachments are marked read
// so later replays exit early.
type Pipeline struct {
	registry *teams.Registry
	tr       transport.Transport
	hub      *Hub
	journal  teams.Journal
	logger   teams.Logger
}

func NewPipeline(registry *teams.Registry, tr transport.Transport, opts PipelineOptions) *Pipeline {
	journal := opts.Journal
	if journal == nil {
		journal = teams.NopJournal{}
	}
	return &Pipeline{
		registry: registry,
		tr:       tr,
		hub:      opts.Hub,
		journal:  journal,
		logger:   opts.Logger,
	}
}

// ProcessMessage routes one message. Messages from the service itself, from
// non-founders, or without attachments are ignored without error.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg transport.Message) error {
	if msg.AuthorID == p.tr.SelfID() {
		return nil
	}
	if len(msg.Attachments) == 0 {
		return nil
	}
	team, ok := p.registry.LocateByMember(msg.AuthorID)
	if !ok || team.FounderID != msg.AuthorID {
		return nil
	}
	if p.registry.IsMessageRead(team.Key, msg.ID) {
		return nil
	}

	saved := 0
	failed := 0
	for _, att := range msg.Attachments {
		if !strings.Contains(att.ContentType, "image") {
			continue
		}
		name := fmt.Sprintf("%d_%d.png", msg.ID, att.ID)
		dest := filepath.Join(team.DataFolder, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := p.saveAttachment(ctx, att, dest); err != nil {
			failed++
			p.logf("team %s: attachment %d of message %d: %v", team.TeamName, att.ID, msg.ID, err)
			continue
		}
		saved++
		p.journalEntry(teams.JournalEntry{
			Kind:         teams.EntryFileStored,
			TeamName:     team.TeamName,
			MemberID:     msg.AuthorID,
			ChannelID:    msg.ChannelID,
			MessageID:    msg.ID,
			AttachmentID: att.ID,
			Path:         dest,
		})
		p.publish(Event{
			Type:         EventFileStored,
			TeamName:     team.TeamName,
			TeamKey:      team.Key,
			ChannelID:    msg.ChannelID,
			MessageID:    msg.ID,
			AttachmentID: att.ID,
			Path:         dest,
		})
	}

	if saved > 0 {
		if err := p.tr.Acknowledge(ctx, msg.ChannelID, msg.ID); err != nil {
			p.logf("team %s: acknowledge message %d: %v", team.TeamName, msg.ID, err)
		} else {
			p.publish(Event{
				Type:      EventMessageAcked,
				TeamName:  team.TeamName,
				TeamKey:   team.Key,
				ChannelID: msg.ChannelID,
				MessageID: msg.ID,
			})
		}
	}
	if failed == 0 {
		p.registry.MarkMessageRead(team.Key, msg.ID)
	}
	if failed > 0 {
		return fmt.Errorf("message %d: %d attachment(s) failed", msg.ID, failed)
	}
	return nil
}

func (p *Pipeline) saveAttachment(ctx context.Context, att transport.Attachment, dest string) error {
	body, err := p.tr.OpenAttachment(ctx, att)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func (p *Pipeline) journalEntry(entry teams.JournalEntry) {
	if err := p.journal.Record(entry); err != nil {
		p.logf("journal %s: %v", entry.Kind, err)
	}
}

func (p *Pipeline) publish(event Event) {
	if p.hub == nil {
		return
	}
	p.hub.Publish(event)
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}
