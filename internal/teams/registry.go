package teams

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrValidationConflict  = errors.New("validation conflict")
	ErrFounderLeaveBlocked = errors.New("founder cannot leave while other members remain")
	ErrNotFound            = errors.New("not found")
)

type ConflictKind string

const (
	ConflictFounderRegistered ConflictKind = "founder_registered"
	ConflictMemberRegistered  ConflictKind = "member_registered"
	ConflictNameTaken         ConflictKind = "name_taken"
)

// ConflictError reports the first registration conflict found, with enough
// context to build a user-facing message.
type ConflictError struct {
	Kind      ConflictKind
	MemberID  int64
	TeamName  string
	TeamOwner string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case ConflictFounderRegistered:
		return fmt.Sprintf("you are already part of team %q, you can't create a new one", e.TeamName)
	case ConflictMemberRegistered:
		return fmt.Sprintf("player %d is already part of team %q by %q", e.MemberID, e.TeamName, e.TeamOwner)
	case ConflictNameTaken:
		return fmt.Sprintf("team with name %q already exists", e.TeamName)
	default:
		return "validation conflict"
	}
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrValidationConflict
}

// Registry is the process-wide authoritative index of all teams and all
// registered identities. The three index structures plus the member index
// move together under one mutex; nothing else writes them.
type Registry struct {
	mu          sync.RWMutex
	store       *RecordStore
	journal     Journal
	logger      Logger
	teams       map[int64]*TeamRecord
	memberIndex map[int64]int64
	names       map[string]struct{}
	identities  map[int64]struct{}
}

type RegistryOptions struct {
	Journal Journal
	Logger  Logger
}

func NewRegistry(store *RecordStore) *Registry {
	return NewRegistryWithOptions(store, RegistryOptions{})
}

func NewRegistryWithOptions(store *RecordStore, opts RegistryOptions) *Registry {
	journal := opts.Journal
	if journal == nil {
		journal = NopJournal{}
	}
	return &Registry{
		store:       store,
		journal:     journal,
		logger:      opts.Logger,
		teams:       map[int64]*TeamRecord{},
		memberIndex: map[int64]int64{},
		names:       map[string]struct{}{},
		identities:  map[int64]struct{}{},
	}
}

// Validate checks a candidate record against the current index without
// mutating anything: founder not already registered, then each proposed
// member, then the team name. The first conflict found wins.
func (g *Registry) Validate(rec *TeamRecord) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked(rec)
}

func (g *Registry) validateLocked(rec *TeamRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}
	if rec.FounderID != 0 {
		if _, taken := g.identities[rec.FounderID]; taken {
			return g.conflictLocked(ConflictFounderRegistered, rec.FounderID)
		}
	}
	for _, id := range rec.memberIDs() {
		if _, taken := g.identities[id]; taken {
			return g.conflictLocked(ConflictMemberRegistered, id)
		}
	}
	if _, taken := g.names[rec.TeamName]; taken {
		return &ConflictError{Kind: ConflictNameTaken, TeamName: rec.TeamName}
	}
	return nil
}

func (g *Registry) conflictLocked(kind ConflictKind, memberID int64) *ConflictError {
	conflict := &ConflictError{Kind: kind, MemberID: memberID}
	if key, ok := g.memberIndex[memberID]; ok {
		if existing, ok := g.teams[key]; ok {
			conflict.TeamName = existing.TeamName
			conflict.TeamOwner = ownerName(existing)
		}
	}
	return conflict
}

func ownerName(rec *TeamRecord) string {
	if rec.Founder != nil && rec.Founder.DisplayName != "" {
		return rec.Founder.DisplayName
	}
	return strconv.FormatInt(rec.FounderID, 10)
}

// AddRecord commits a record into the live index. With validate set it
// re-runs validation inside the same critical section as the commit, which
// closes the window between an earlier Validate call and this one: two
// registrations can both pass validation against a stale snapshot, but only
// the first commit wins and the loser sees the conflict here.
func (g *Registry) AddRecord(rec *TeamRecord, validate bool) error {
	g.mu.Lock()
	if validate {
		if err := g.validateLocked(rec); err != nil {
			g.mu.Unlock()
			return err
		}
	}
	g.insertLocked(rec)
	g.mu.Unlock()

	if err := g.store.Write(rec); err != nil {
		g.logf("writing sidecar for team %q: %v", rec.TeamName, err)
	}
	g.journalEntry(JournalEntry{
		Kind:      EntryTeamCreated,
		TeamName:  rec.TeamName,
		MemberID:  rec.FounderID,
		ChannelID: rec.DMChannelID,
	})
	g.logf("team %q created by %d, other members: %d, channel: %d",
		rec.TeamName, rec.FounderID, len(rec.OtherMembers), rec.DMChannelID)
	return nil
}

func (g *Registry) insertLocked(rec *TeamRecord) {
	key := rec.Key()
	g.teams[key] = rec
	g.names[rec.TeamName] = struct{}{}
	for _, id := range rec.FullTeamIDs() {
		g.identities[id] = struct{}{}
		g.memberIndex[id] = key
	}
}

// LocateByMember returns a copy of the team whose full team contains the
// identity. Live records never leave the mutex; callers read the returned
// summary without holding any lock.
func (g *Registry) LocateByMember(id int64) (TeamSummary, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	key, ok := g.memberIndex[id]
	if !ok {
		return TeamSummary{}, false
	}
	rec, ok := g.teams[key]
	if !ok {
		return TeamSummary{}, false
	}
	return Summarize(rec), true
}

// RemoveMember takes one identity out of its team. A founder with remaining
// members is blocked; a founder alone closes the team, archiving its folder.
// The departure is recorded in the old-member audit list either way, and the
// identity leaves the global registration set last.
func (g *Registry) RemoveMember(id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.memberIndex[id]
	if !ok {
		return ErrNotFound
	}
	rec, ok := g.teams[key]
	if !ok {
		return ErrNotFound
	}

	switch {
	case id == rec.FounderID && len(rec.OtherMembers) > 0:
		return fmt.Errorf("%w: team %q", ErrFounderLeaveBlocked, rec.TeamName)
	case id == rec.FounderID:
		rec.OldMemberIDs = append(rec.OldMemberIDs, id)
		rec.FounderID = 0
		rec.Founder = nil
		if err := g.store.Close(rec); err != nil {
			g.logf("archiving folder for team %q: %v", rec.TeamName, err)
		}
		if err := g.store.Write(rec); err != nil {
			g.logf("writing sidecar for team %q: %v", rec.TeamName, err)
		}
		delete(g.teams, key)
		delete(g.names, rec.TeamName)
		g.journalEntry(JournalEntry{Kind: EntryTeamClosed, TeamName: rec.TeamName, MemberID: id, ChannelID: rec.DMChannelID})
		g.logf("team %q closed, folder archived at %s", rec.TeamName, rec.DataFolder)
	default:
		delete(rec.OtherMembers, id)
		rec.OldMemberIDs = append(rec.OldMemberIDs, id)
		if err := g.store.Write(rec); err != nil {
			g.logf("writing sidecar for team %q: %v", rec.TeamName, err)
		}
		g.journalEntry(JournalEntry{Kind: EntryMemberLeft, TeamName: rec.TeamName, MemberID: id})
		g.logf("member %d left team %q", id, rec.TeamName)
	}

	delete(g.memberIndex, id)
	delete(g.identities, id)
	return nil
}

// DeleteTeam unconditionally removes a team from the live index, freeing
// its name and every member identity, and archives the folder. Used for
// explicit deletion and for cleaning up headless records.
func (g *Registry) DeleteTeam(key int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.teams[key]
	if !ok {
		return ErrNotFound
	}
	for _, id := range rec.FullTeamIDs() {
		rec.OldMemberIDs = append(rec.OldMemberIDs, id)
		delete(g.identities, id)
		delete(g.memberIndex, id)
	}
	delete(g.names, rec.TeamName)
	delete(g.teams, key)
	if err := g.store.Close(rec); err != nil {
		g.logf("archiving folder for team %q: %v", rec.TeamName, err)
	}
	if err := g.store.Write(rec); err != nil {
		g.logf("writing sidecar for team %q: %v", rec.TeamName, err)
	}
	g.journalEntry(JournalEntry{Kind: EntryTeamDeleted, TeamName: rec.TeamName, ChannelID: rec.DMChannelID})
	g.logf("team %q deleted, channel id was %d", rec.TeamName, rec.DMChannelID)
	return nil
}

// LoadFromDisk rebuilds the index from the persisted sidecars. Records come
// from our own store and skip validation; this must finish before commands
// that depend on registry state are served.
func (g *Registry) LoadFromDisk(resolve IdentityResolver) (int, error) {
	records, err := g.store.Scan(resolve)
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range records {
		g.insertLocked(rec)
	}
	return len(records), nil
}

// FlushAll serializes every live record and writes the sidecars. Encoding
// happens under the read lock, file writes after it, so persistence never
// holds up mutations during disk I/O.
func (g *Registry) FlushAll() error {
	type pendingWrite struct {
		teamName string
		path     string
		data     []byte
	}
	g.mu.RLock()
	pending := make([]pendingWrite, 0, len(g.teams))
	var encodeErr error
	for _, rec := range g.teams {
		data, err := encodeSidecar(rec)
		if err != nil {
			encodeErr = err
			continue
		}
		pending = append(pending, pendingWrite{
			teamName: rec.TeamName,
			path:     filepath.Join(rec.DataFolder, SidecarName),
			data:     data,
		})
	}
	g.mu.RUnlock()

	errs := []error{encodeErr}
	for _, write := range pending {
		tmp := write.path + ".tmp"
		if err := os.WriteFile(tmp, write.data, 0o644); err != nil {
			g.logf("flushing team %q: %v", write.teamName, err)
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(tmp, write.path); err != nil {
			g.logf("flushing team %q: %v", write.teamName, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkMessageRead records a processed message id on the team's record.
func (g *Registry) MarkMessageRead(key, messageID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.teams[key]
	if !ok {
		return
	}
	if rec.ReadMessageIDs == nil {
		rec.ReadMessageIDs = map[int64]struct{}{}
	}
	rec.ReadMessageIDs[messageID] = struct{}{}
}

func (g *Registry) IsMessageRead(key, messageID int64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.teams[key]
	if !ok {
		return false
	}
	_, read := rec.ReadMessageIDs[messageID]
	return read
}

// TeamSummary is a read-only copy of one record. It is the only form in
// which team state crosses the registry boundary; reporting surfaces and
// the ingestion path both consume it.
type TeamSummary struct {
	Key          int64     `json:"key"`
	TeamName     string    `json:"teamName"`
	FounderID    int64     `json:"founderId"`
	FounderName  string    `json:"founderName,omitempty"`
	MemberIDs    []int64   `json:"memberIds"`
	OldMemberIDs []int64   `json:"oldMemberIds"`
	ReadMessages int       `json:"readMessages"`
	DMChannelID  int64     `json:"dmChannelId"`
	GuildID      int64     `json:"guildId"`
	DataFolder   string    `json:"dataFolder"`
	CreationTime time.Time `json:"creationTime"`
}

func (g *Registry) Snapshot() []TeamSummary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	summaries := make([]TeamSummary, 0, len(g.teams))
	for _, rec := range g.teams {
		summaries = append(summaries, Summarize(rec))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].TeamName < summaries[j].TeamName })
	return summaries
}

func (g *Registry) SnapshotTeam(key int64) (TeamSummary, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.teams[key]
	if !ok {
		return TeamSummary{}, false
	}
	return Summarize(rec), true
}

// Stats reports the live index sizes.
func (g *Registry) Stats() (teamCount, identityCount int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.teams), len(g.identities)
}

// Summarize copies the fields of one record into a detached summary. The
// caller must hold the registry mutex when rec is a published record.
func Summarize(rec *TeamRecord) TeamSummary {
	summary := TeamSummary{
		Key:          rec.Key(),
		TeamName:     rec.TeamName,
		FounderID:    rec.FounderID,
		MemberIDs:    rec.memberIDs(),
		OldMemberIDs: append([]int64{}, rec.OldMemberIDs...),
		ReadMessages: len(rec.ReadMessageIDs),
		DMChannelID:  rec.DMChannelID,
		GuildID:      rec.GuildID,
		DataFolder:   rec.DataFolder,
		CreationTime: rec.CreationTime,
	}
	if rec.Founder != nil {
		summary.FounderName = rec.Founder.DisplayName
	}
	return summary
}

func (g *Registry) journalEntry(entry JournalEntry) {
	entry.At = time.Now().UTC()
	if err := g.journal.Record(entry); err != nil {
		g.logf("journal %s: %v", entry.Kind, err)
	}
}

func (g *Registry) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

func encodeSidecar(rec *TeamRecord) ([]byte, error) {
	return json.MarshalIndent(EncodeRecord(rec), "", "  ")
}
