package teams

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T) (*Registry, *RecordStore) {
	t.Helper()
	store := newTestStore(t)
	return NewRegistry(store), store
}

func addTeam(t *testing.T, registry *Registry, store *RecordStore, name string, founderID, channelID int64, memberIDs ...int64) *TeamRecord {
	t.Helper()
	rec := &TeamRecord{
		TeamName:     name,
		FounderID:    founderID,
		Founder:      &Identity{ID: founderID, DisplayName: name + "-founder"},
		OtherMembers: map[int64]Identity{},
	}
	for _, id := range memberIDs {
		rec.OtherMembers[id] = Identity{ID: id}
	}
	if err := store.Create(rec, channelID); err != nil {
		t.Fatalf("Create %s: %v", name, err)
	}
	if err := registry.AddRecord(rec, true); err != nil {
		t.Fatalf("AddRecord %s: %v", name, err)
	}
	return rec
}

func TestValidateReportsFirstConflict(t *testing.T) {
	registry, store := newTestRegistry(t)
	addTeam(t, registry, store, "alpha", 11, 500, 22, 33)

	cases := []struct {
		name      string
		candidate *TeamRecord
		kind      ConflictKind
	}{
		{
			name:      "founder already registered",
			candidate: &TeamRecord{TeamName: "beta", FounderID: 22},
			kind:      ConflictFounderRegistered,
		},
		{
			name: "member already registered",
			candidate: &TeamRecord{
				TeamName:     "beta",
				FounderID:    44,
				OtherMembers: map[int64]Identity{33: {ID: 33}},
			},
			kind: ConflictMemberRegistered,
		},
		{
			name:      "name taken",
			candidate: &TeamRecord{TeamName: "alpha", FounderID: 44},
			kind:      ConflictNameTaken,
		},
	}
	for _, tc := range cases {
		err := registry.Validate(tc.candidate)
		if err == nil {
			t.Fatalf("%s: expected conflict", tc.name)
		}
		if !errors.Is(err, ErrValidationConflict) {
			t.Fatalf("%s: expected ErrValidationConflict, got %v", tc.name, err)
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("%s: expected ConflictError, got %T", tc.name, err)
		}
		if conflict.Kind != tc.kind {
			t.Fatalf("%s: expected kind %s, got %s", tc.name, tc.kind, conflict.Kind)
		}
		if tc.kind != ConflictNameTaken && conflict.TeamName != "alpha" {
			t.Fatalf("%s: expected conflict to name alpha, got %q", tc.name, conflict.TeamName)
		}
	}
}

func TestAddRecordRevalidatesAtCommit(t *testing.T) {
	registry, store := newTestRegistry(t)

	// Both candidates pass validation against the same empty index.
	first := &TeamRecord{TeamName: "alpha", FounderID: 11, OtherMembers: map[int64]Identity{}}
	second := &TeamRecord{TeamName: "alpha", FounderID: 22, OtherMembers: map[int64]Identity{}}
	if err := registry.Validate(first); err != nil {
		t.Fatalf("Validate first: %v", err)
	}
	if err := registry.Validate(second); err != nil {
		t.Fatalf("Validate second: %v", err)
	}

	if err := store.Create(first, 500); err != nil {
		t.Fatalf("Create first: %v", err)
	}
	if err := registry.AddRecord(first, true); err != nil {
		t.Fatalf("AddRecord first: %v", err)
	}
	if err := store.Create(second, 600); err != nil {
		t.Fatalf("Create second: %v", err)
	}
	err := registry.AddRecord(second, true)
	if !errors.Is(err, ErrValidationConflict) {
		t.Fatalf("expected losing commit to conflict, got %v", err)
	}
}

func TestLocateByMember(t *testing.T) {
	registry, store := newTestRegistry(t)
	addTeam(t, registry, store, "alpha", 11, 500, 22)

	for _, id := range []int64{11, 22} {
		rec, ok := registry.LocateByMember(id)
		if !ok || rec.TeamName != "alpha" {
			t.Fatalf("expected member %d in alpha, got %v %v", id, rec, ok)
		}
	}
	if _, ok := registry.LocateByMember(99); ok {
		t.Fatalf("expected miss for unknown id")
	}
}

func TestLocateByMemberReturnsDetachedCopy(t *testing.T) {
	registry, store := newTestRegistry(t)
	addTeam(t, registry, store, "alpha", 11, 500, 22)

	before, ok := registry.LocateByMember(11)
	if !ok {
		t.Fatalf("expected team for founder")
	}
	if err := registry.RemoveMember(22); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if len(before.MemberIDs) != 1 || before.MemberIDs[0] != 22 {
		t.Fatalf("expected earlier copy untouched, got %v", before.MemberIDs)
	}
	if after, _ := registry.LocateByMember(11); len(after.MemberIDs) != 0 {
		t.Fatalf("expected fresh copy without the member, got %v", after.MemberIDs)
	}
}

func TestRemoveMemberRegular(t *testing.T) {
	registry, store := newTestRegistry(t)
	rec := addTeam(t, registry, store, "alpha", 11, 500, 22)

	if err := registry.RemoveMember(22); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, ok := registry.LocateByMember(22); ok {
		t.Fatalf("expected member 22 unregistered")
	}
	if len(rec.OtherMembers) != 0 {
		t.Fatalf("expected member removed from record, got %v", rec.OtherMembers)
	}
	if len(rec.OldMemberIDs) != 1 || rec.OldMemberIDs[0] != 22 {
		t.Fatalf("expected departure recorded, got %v", rec.OldMemberIDs)
	}

	// The member can found a new team now.
	candidate := &TeamRecord{TeamName: "beta", FounderID: 22}
	if err := registry.Validate(candidate); err != nil {
		t.Fatalf("expected departed member to validate, got %v", err)
	}
}

func TestRemoveMemberFounderBlockedWhileMembersRemain(t *testing.T) {
	registry, store := newTestRegistry(t)
	rec := addTeam(t, registry, store, "alpha", 11, 500, 22)

	err := registry.RemoveMember(11)
	if !errors.Is(err, ErrFounderLeaveBlocked) {
		t.Fatalf("expected ErrFounderLeaveBlocked, got %v", err)
	}
	if _, ok := registry.LocateByMember(11); !ok {
		t.Fatalf("expected founder still registered after blocked leave")
	}
	if len(rec.OtherMembers) != 1 {
		t.Fatalf("expected record unchanged, got %v", rec.OtherMembers)
	}
}

func TestRemoveMemberFounderAloneClosesTeam(t *testing.T) {
	registry, store := newTestRegistry(t)
	rec := addTeam(t, registry, store, "alpha", 11, 500)

	if err := registry.RemoveMember(11); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if _, ok := registry.LocateByMember(11); ok {
		t.Fatalf("expected founder unregistered after closure")
	}
	if !strings.HasPrefix(filepath.Base(rec.DataFolder), ArchivePrefix) {
		t.Fatalf("expected archived folder, got %s", rec.DataFolder)
	}
	if _, err := os.Stat(filepath.Join(rec.DataFolder, SidecarName)); err != nil {
		t.Fatalf("expected sidecar in archive: %v", err)
	}

	// The team name is free again.
	candidate := &TeamRecord{TeamName: "alpha", FounderID: 99}
	if err := registry.Validate(candidate); err != nil {
		t.Fatalf("expected name freed, got %v", err)
	}
}

func TestDeleteTeamFreesEveryIdentity(t *testing.T) {
	registry, store := newTestRegistry(t)
	rec := addTeam(t, registry, store, "alpha", 11, 500, 22, 33)

	if err := registry.DeleteTeam(rec.Key()); err != nil {
		t.Fatalf("DeleteTeam: %v", err)
	}
	for _, id := range []int64{11, 22, 33} {
		if _, ok := registry.LocateByMember(id); ok {
			t.Fatalf("expected id %d freed", id)
		}
	}
	if err := registry.DeleteTeam(rec.Key()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestLoadFromDiskRebuildsIndex(t *testing.T) {
	store := newTestStore(t)
	first := NewRegistry(store)
	addTeam(t, first, store, "alpha", 11, 500, 22)
	addTeam(t, first, store, "beta", 33, 600)

	resolve := testResolver(map[int64]string{11: "ann", 22: "bob", 33: "cat"})
	second := NewRegistry(store)
	loaded, err := second.LoadFromDisk(resolve)
	if err != nil {
		t.Fatalf("LoadFromDisk: %v", err)
	}
	if loaded != 2 {
		t.Fatalf("expected 2 records, got %d", loaded)
	}
	rec, ok := second.LocateByMember(22)
	if !ok || rec.TeamName != "alpha" {
		t.Fatalf("expected member 22 back in alpha, got %v %v", rec, ok)
	}
	if err := second.Validate(&TeamRecord{TeamName: "alpha", FounderID: 99}); !errors.Is(err, ErrValidationConflict) {
		t.Fatalf("expected name conflict after reload, got %v", err)
	}
}

func TestMarkAndCheckMessageRead(t *testing.T) {
	registry, store := newTestRegistry(t)
	rec := addTeam(t, registry, store, "alpha", 11, 500)

	if registry.IsMessageRead(rec.Key(), 900) {
		t.Fatalf("expected message unread")
	}
	registry.MarkMessageRead(rec.Key(), 900)
	if !registry.IsMessageRead(rec.Key(), 900) {
		t.Fatalf("expected message read after marking")
	}
}

func TestFlushAllWritesEverySidecar(t *testing.T) {
	registry, store := newTestRegistry(t)
	alpha := addTeam(t, registry, store, "alpha", 11, 500)
	beta := addTeam(t, registry, store, "beta", 22, 600)

	for _, rec := range []*TeamRecord{alpha, beta} {
		if err := os.Remove(filepath.Join(rec.DataFolder, SidecarName)); err != nil {
			t.Fatalf("remove sidecar: %v", err)
		}
	}
	if err := registry.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	for _, rec := range []*TeamRecord{alpha, beta} {
		if _, err := os.Stat(filepath.Join(rec.DataFolder, SidecarName)); err != nil {
			t.Fatalf("expected sidecar rewritten for %s: %v", rec.TeamName, err)
		}
	}
}

func TestSnapshot(t *testing.T) {
	registry, store := newTestRegistry(t)
	addTeam(t, registry, store, "beta", 22, 600)
	addTeam(t, registry, store, "alpha", 11, 500, 33)

	summaries := registry.Snapshot()
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].TeamName != "alpha" || summaries[1].TeamName != "beta" {
		t.Fatalf("expected sorted summaries, got %v", summaries)
	}
	if summaries[0].FounderID != 11 || len(summaries[0].MemberIDs) != 1 {
		t.Fatalf("unexpected alpha summary: %+v", summaries[0])
	}
	teamCount, identityCount := registry.Stats()
	if teamCount != 2 || identityCount != 3 {
		t.Fatalf("expected 2 teams and 3 identities, got %d %d", teamCount, identityCount)
	}
}
