package teams

import (
	"testing"
	"time"
)

func testResolver(known map[int64]string) IdentityResolver {
	return func(id int64) (Identity, bool) {
		name, ok := known[id]
		if !ok {
			return Identity{}, false
		}
		return Identity{ID: id, DisplayName: name}, true
	}
}

func TestEncodeDecodeRecordRoundTrip(t *testing.T) {
	created := time.Date(2024, 3, 15, 10, 30, 0, 250000, time.UTC)
	rec := &TeamRecord{
		TeamName:  "alpha",
		FounderID: 11,
		Founder:   &Identity{ID: 11, DisplayName: "ann"},
		OtherMembers: map[int64]Identity{
			22: {ID: 22, DisplayName: "bob"},
			33: {ID: 33, DisplayName: "cat"},
		},
		ReadMessageIDs: map[int64]struct{}{900: {}, 901: {}},
		DMChannelID:    500,
		OldMemberIDs:   []int64{44},
		GuildID:        7,
		DataFolder:     "/tmp/teams/500",
		CreationTime:   created,
	}

	doc := EncodeRecord(rec)
	if doc.Founder == nil || *doc.Founder != 11 {
		t.Fatalf("expected founder 11, got %v", doc.Founder)
	}
	if doc.DMChannel == nil || *doc.DMChannel != 500 {
		t.Fatalf("expected dm_channel 500, got %v", doc.DMChannel)
	}
	if len(doc.OtherMembers) != 2 || doc.OtherMembers[0] != 22 || doc.OtherMembers[1] != 33 {
		t.Fatalf("unexpected other_members: %v", doc.OtherMembers)
	}

	resolve := testResolver(map[int64]string{11: "ann", 22: "bob", 33: "cat"})
	back := DecodeRecord(doc, resolve, nil)
	if back.TeamName != "alpha" {
		t.Fatalf("expected team name alpha, got %q", back.TeamName)
	}
	if back.FounderID != 11 || back.Founder == nil || back.Founder.DisplayName != "ann" {
		t.Fatalf("founder did not round trip: %+v", back.Founder)
	}
	if len(back.OtherMembers) != 2 {
		t.Fatalf("expected 2 members, got %d", len(back.OtherMembers))
	}
	if back.DMChannelID != 500 || back.GuildID != 7 {
		t.Fatalf("channel/guild did not round trip: %d %d", back.DMChannelID, back.GuildID)
	}
	if len(back.ReadMessageIDs) != 2 {
		t.Fatalf("expected 2 read ids, got %d", len(back.ReadMessageIDs))
	}
	if !back.CreationTime.Equal(created.Truncate(time.Microsecond)) {
		t.Fatalf("creation time drifted: want %s, got %s", created, back.CreationTime)
	}
}

func TestDecodeRecordUnresolvedFounderKeepsID(t *testing.T) {
	founder := int64(11)
	channel := int64(500)
	doc := recordDocument{
		TeamName:     "ghost",
		Founder:      &founder,
		OtherMembers: []int64{22},
		DMChannel:    &channel,
		CreationTime: 1700000000.5,
	}
	resolve := testResolver(map[int64]string{22: "bob"})
	rec := DecodeRecord(doc, resolve, nil)
	if rec.FounderID != 11 {
		t.Fatalf("expected founder id retained, got %d", rec.FounderID)
	}
	if rec.Founder != nil {
		t.Fatalf("expected empty founder slot, got %+v", rec.Founder)
	}
	if rec.Key() != 11 {
		t.Fatalf("expected key 11 while founder id is present, got %d", rec.Key())
	}
}

func TestDecodeRecordDropsUnresolvedMembers(t *testing.T) {
	founder := int64(11)
	doc := recordDocument{
		TeamName:     "partial",
		Founder:      &founder,
		OtherMembers: []int64{22, 99},
	}
	resolve := testResolver(map[int64]string{11: "ann", 22: "bob"})
	rec := DecodeRecord(doc, resolve, nil)
	if len(rec.OtherMembers) != 1 {
		t.Fatalf("expected 1 resolvable member, got %d", len(rec.OtherMembers))
	}
	if _, ok := rec.OtherMembers[22]; !ok {
		t.Fatalf("expected member 22 to survive, got %v", rec.OtherMembers)
	}
}

func TestKeyFallsBackToChannel(t *testing.T) {
	rec := &TeamRecord{TeamName: "headless", DMChannelID: 500}
	if rec.Key() != -500 {
		t.Fatalf("expected key -500 for empty founder slot, got %d", rec.Key())
	}
}

func TestFullTeamIDsSorted(t *testing.T) {
	rec := &TeamRecord{
		FounderID:    30,
		OtherMembers: map[int64]Identity{10: {ID: 10}, 20: {ID: 20}},
	}
	ids := rec.FullTeamIDs()
	want := []int64{10, 20, 30}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}
