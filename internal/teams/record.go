package teams

import (
	"math"
	"sort"
	"time"
)

// Identity is the registry's view of a person. Only the numeric id is
// persisted; display names come from the transport at resolution time.
type Identity struct {
	ID          int64
	DisplayName string
}

// IdentityResolver maps a stored numeric id back to a live identity.
// Returning false leaves the slot unresolved instead of failing the load.
type IdentityResolver func(id int64) (Identity, bool)

// Logger is the optional logging sink used throughout the package.
// A nil logger silences output.
type Logger interface {
	Printf(format string, args ...any)
}

// TeamRecord is the identity and membership state of one team. The record
// owns its on-disk folder; all files the team submits land there, next to
// the JSON sidecar. Mutations go through the Registry.
type TeamRecord struct {
	TeamName       string
	FounderID      int64 // zero when the founder slot is empty
	Founder        *Identity
	OtherMembers   map[int64]Identity
	ReadMessageIDs map[int64]struct{}
	DMChannelID    int64
	OldMemberIDs   []int64
	GuildID        int64
	DataFolder     string
	CreationTime   time.Time
}

// Key identifies the record inside the registry index. Records loaded from
// disk with an empty founder slot fall back to the channel id so they stay
// addressable.
func (r *TeamRecord) Key() int64 {
	if r.FounderID != 0 {
		return r.FounderID
	}
	return -r.DMChannelID
}

// FullTeamIDs returns the founder plus all other members.
func (r *TeamRecord) FullTeamIDs() []int64 {
	ids := make([]int64, 0, len(r.OtherMembers)+1)
	if r.FounderID != 0 {
		ids = append(ids, r.FounderID)
	}
	for id := range r.OtherMembers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *TeamRecord) memberIDs() []int64 {
	ids := make([]int64, 0, len(r.OtherMembers))
	for id := range r.OtherMembers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *TeamRecord) readIDs() []int64 {
	ids := make([]int64, 0, len(r.ReadMessageIDs))
	for id := range r.ReadMessageIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// recordDocument is the wire form of a TeamRecord, one JSON document per
// team at <data_folder>/team_record.json.
type recordDocument struct {
	TeamName       string  `json:"team_name"`
	Founder        *int64  `json:"founder"`
	OtherMembers   []int64 `json:"other_members"`
	ReadMessageIDs []int64 `json:"read_message_ids"`
	DMChannel      *int64  `json:"dm_channel"`
	OldMembers     []int64 `json:"old_members"`
	Guild          int64   `json:"guild"`
	DataFolder     string  `json:"data_folder"`
	CreationTime   float64 `json:"creation_time"`
}

// EncodeRecord produces the persisted document for a record.
func EncodeRecord(r *TeamRecord) recordDocument {
	doc := recordDocument{
		TeamName:       r.TeamName,
		OtherMembers:   r.memberIDs(),
		ReadMessageIDs: r.readIDs(),
		OldMembers:     append([]int64(nil), r.OldMemberIDs...),
		Guild:          r.GuildID,
		DataFolder:     r.DataFolder,
		CreationTime:   float64(r.CreationTime.UnixMicro()) / 1e6,
	}
	if r.FounderID != 0 {
		founderID := r.FounderID
		doc.Founder = &founderID
	}
	if r.DMChannelID != 0 {
		channelID := r.DMChannelID
		doc.DMChannel = &channelID
	}
	if doc.OldMembers == nil {
		doc.OldMembers = []int64{}
	}
	return doc
}

// DecodeRecord is the inverse of EncodeRecord. Identities are resolved
// through the injected resolver; an unresolvable founder keeps its id with
// an empty identity slot, and unresolvable members are dropped from the
// live set since the transport can no longer reach them.
func DecodeRecord(doc recordDocument, resolve IdentityResolver, logger Logger) *TeamRecord {
	rec := &TeamRecord{
		TeamName:       doc.TeamName,
		OtherMembers:   map[int64]Identity{},
		ReadMessageIDs: map[int64]struct{}{},
		OldMemberIDs:   append([]int64(nil), doc.OldMembers...),
		GuildID:        doc.Guild,
		DataFolder:     doc.DataFolder,
		CreationTime:   decodeEpoch(doc.CreationTime),
	}
	if doc.DMChannel != nil {
		rec.DMChannelID = *doc.DMChannel
	}
	if doc.Founder != nil {
		rec.FounderID = *doc.Founder
		if ident, ok := resolveIdentity(resolve, *doc.Founder); ok {
			rec.Founder = &ident
		} else if logger != nil {
			logger.Printf("team %q: founder %d is not resolvable", doc.TeamName, *doc.Founder)
		}
	}
	for _, id := range doc.OtherMembers {
		ident, ok := resolveIdentity(resolve, id)
		if !ok {
			if logger != nil {
				logger.Printf("team %q: dropping unresolvable member %d", doc.TeamName, id)
			}
			continue
		}
		rec.OtherMembers[id] = ident
	}
	for _, id := range doc.ReadMessageIDs {
		rec.ReadMessageIDs[id] = struct{}{}
	}
	return rec
}

func resolveIdentity(resolve IdentityResolver, id int64) (Identity, bool) {
	if resolve == nil {
		return Identity{ID: id}, true
	}
	return resolve(id)
}

func decodeEpoch(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(math.Round(seconds * 1e6))).UTC()
}
