// Package bot implements the user-facing command and direct-message
// behavior on top of the registry and the ingestion pipeline.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/huntworks/picvault/internal/ingest"
	"github.com/huntworks/picvault/internal/teams"
	"github.com/huntworks/picvault/internal/transport"
)

// ErrDirectMessageBlocked reports that a founder could not be reached via
// DM, so no team was created.
var ErrDirectMessageBlocked = errors.New("could not open a direct message channel")

const welcomeText = "You're all set. Start submitting the pictures for your team here!\n" +
	"Please note that you are currently the ONLY person that can submit pictures for your team."

// Service wires the slash commands and DM routing to the registry, the
// record store and the ingestion pipeline.
type Service struct {
	registry *teams.Registry
	store    *teams.RecordStore
	pipeline *ingest.Pipeline
	tr       transport.Transport
	logger   teams.Logger
}

func NewService(registry *teams.Registry, store *teams.RecordStore, pipeline *ingest.Pipeline, tr transport.Transport, logger teams.Logger) *Service {
	return &Service{
		registry: registry,
		store:    store,
		pipeline: pipeline,
		tr:       tr,
		logger:   logger,
	}
}

// RegisterTeam creates a team for founderID. The candidate is validated
// before the founder is contacted, the DM channel becomes the team folder
// name, and the record is validated again when committed in case another
// registration raced in between.
func (s *Service) RegisterTeam(ctx context.Context, guildID, founderID int64, teamName string, memberIDs []int64) (teams.TeamSummary, error) {
	teamName = strings.TrimSpace(teamName)
	if teamName == "" {
		return teams.TeamSummary{}, fmt.Errorf("%w: team name is empty", teams.ErrInvalidInput)
	}
	founder, ok := s.tr.ResolveIdentity(founderID)
	if !ok {
		return teams.TeamSummary{}, fmt.Errorf("%w: unknown founder %d", teams.ErrInvalidInput, founderID)
	}

	others := map[int64]teams.Identity{}
	for _, id := range memberIDs {
		if id == founderID || id == s.tr.SelfID() {
			continue
		}
		if _, seen := others[id]; seen {
			continue
		}
		ident, ok := s.tr.ResolveIdentity(id)
		if !ok {
			return teams.TeamSummary{}, fmt.Errorf("%w: unknown member %d", teams.ErrInvalidInput, id)
		}
		others[id] = ident
	}

	rec := &teams.TeamRecord{
		TeamName:     teamName,
		FounderID:    founderID,
		Founder:      &founder,
		OtherMembers: others,
		GuildID:      guildID,
	}
	if err := s.registry.Validate(rec); err != nil {
		return teams.TeamSummary{}, err
	}

	channelID, err := s.tr.OpenDirectChannel(ctx, founderID)
	if err != nil {
		return teams.TeamSummary{}, fmt.Errorf("%w: %v", ErrDirectMessageBlocked, err)
	}
	if err := s.tr.SendDirect(ctx, channelID, welcomeText); err != nil {
		return teams.TeamSummary{}, fmt.Errorf("%w: %v", ErrDirectMessageBlocked, err)
	}

	if err := s.store.Create(rec, channelID); err != nil {
		return teams.TeamSummary{}, err
	}
	// Copied before the commit publishes rec to other goroutines.
	summary := teams.Summarize(rec)
	if err := s.registry.AddRecord(rec, true); err != nil {
		// The folder was already created for a team that will not exist.
		if closeErr := s.store.Close(rec); closeErr != nil {
			s.logf("archiving folder after failed registration of %q: %v", teamName, closeErr)
		}
		return teams.TeamSummary{}, err
	}
	s.logf("team %q registered by %s with %d other member(s)", teamName, founder.DisplayName, len(others))
	return summary, nil
}

// LeaveOutcome reports what leaving did: a plain departure or a team
// closure when the founder was the last member.
type LeaveOutcome struct {
	TeamName   string
	TeamClosed bool
}

func (s *Service) Leave(_ context.Context, memberID int64) (LeaveOutcome, error) {
	team, ok := s.registry.LocateByMember(memberID)
	if !ok {
		return LeaveOutcome{}, teams.ErrNotFound
	}
	outcome := LeaveOutcome{
		TeamName:   team.TeamName,
		TeamClosed: memberID == team.FounderID && len(team.MemberIDs) == 0,
	}
	if err := s.registry.RemoveMember(memberID); err != nil {
		return LeaveOutcome{}, err
	}
	return outcome, nil
}

// TeamInfo describes a member's team for the which_team command.
type TeamInfo struct {
	TeamName     string
	FounderName  string
	OtherMembers []string
}

func (s *Service) WhichTeam(memberID int64) (TeamInfo, bool) {
	team, ok := s.registry.LocateByMember(memberID)
	if !ok {
		return TeamInfo{}, false
	}
	info := TeamInfo{TeamName: team.TeamName, FounderName: team.FounderName}
	for _, id := range team.MemberIDs {
		if ident, ok := s.tr.ResolveIdentity(id); ok && ident.DisplayName != "" {
			info.OtherMembers = append(info.OtherMembers, ident.DisplayName)
			continue
		}
		info.OtherMembers = append(info.OtherMembers, strconv.FormatInt(id, 10))
	}
	sort.Strings(info.OtherMembers)
	return info, true
}

// HandleDM routes an incoming direct message. Founders get their
// attachments ingested; everyone else gets guidance.
func (s *Service) HandleDM(ctx context.Context, msg transport.Message) {
	if msg.AuthorID == s.tr.SelfID() || !msg.IsDM() {
		return
	}
	team, ok := s.registry.LocateByMember(msg.AuthorID)
	if ok && team.FounderID == msg.AuthorID {
		if err := s.pipeline.ProcessMessage(ctx, msg); err != nil {
			s.logf("processing message %d: %v", msg.ID, err)
		}
		return
	}
	var text string
	if ok {
		text = fmt.Sprintf("You're in team '%s', by %s. Only the creator can submit pictures.", team.TeamName, team.FounderName)
	} else {
		text = fmt.Sprintf("Please register your team using `/%s`.", transport.RegisterCommandName)
	}
	if err := s.tr.SendDirect(ctx, msg.ChannelID, text); err != nil {
		s.logf("replying to message %d: %v", msg.ID, err)
	}
}

// HandleCommand dispatches one slash command and renders the reply text.
func (s *Service) HandleCommand(ctx context.Context, cmd transport.Command) transport.Reply {
	switch cmd.Name {
	case transport.RegisterCommandName:
		return s.handleRegister(ctx, cmd)
	case transport.LeaveCommandName:
		return s.handleLeave(ctx, cmd)
	case transport.WhichTeamCommandName:
		return s.handleWhichTeam(cmd)
	default:
		return transport.Reply{Text: fmt.Sprintf("Unknown command %q.", cmd.Name), Private: true}
	}
}

func (s *Service) handleRegister(ctx context.Context, cmd transport.Command) transport.Reply {
	_, err := s.RegisterTeam(ctx, cmd.GuildID, cmd.UserID, cmd.TeamName, cmd.MemberIDs)
	if err != nil {
		if errors.Is(err, ErrDirectMessageBlocked) {
			return transport.Reply{
				Text: "Failed to create a DM with you. Please check your privacy settings for this server.\n" +
					"If you don't feel comfortable doing that, consider the team creation by another member.\n" +
					"**No team** was created!",
				Private: true,
			}
		}
		var conflict *teams.ConflictError
		if errors.As(err, &conflict) {
			return transport.Reply{
				Text: fmt.Sprintf("Can't create the team!\nReason: %s. You can leave a team using `/%s`. "+
					"You're NOT able to join an existing team.", conflict.Error(), transport.LeaveCommandName),
				Private: true,
			}
		}
		return transport.Reply{Text: fmt.Sprintf("Can't create the team!\nReason: %v", err), Private: true}
	}
	return transport.Reply{Text: "Your team is registered! Go to your DMs and start submitting images for your team!"}
}

func (s *Service) handleLeave(ctx context.Context, cmd transport.Command) transport.Reply {
	if _, err := s.Leave(ctx, cmd.UserID); err != nil {
		if errors.Is(err, teams.ErrNotFound) {
			return transport.Reply{Text: "You're not part of a team you could leave.", Private: true}
		}
		if errors.Is(err, teams.ErrFounderLeaveBlocked) {
			return transport.Reply{
				Text: "You can't leave! The founder of a team can't leave as long as members are in it.\n" +
					"If you want to leave, every member must leave beforehand.\n" +
					"All progress will be lost when you leave.\n" +
					"It is not possible to (re-)join an existing team!",
				Private: true,
			}
		}
		return transport.Reply{Text: fmt.Sprintf("Leaving failed: %v", err), Private: true}
	}
	return transport.Reply{Text: "You left. You can now found a new team, joining an existing team is NOT possible.", Private: true}
}

func (s *Service) handleWhichTeam(cmd transport.Command) transport.Reply {
	info, ok := s.WhichTeam(cmd.UserID)
	if !ok {
		return transport.Reply{Text: "You're currently not part of a team.", Private: true}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You're part of team '%s'", info.TeamName)
	if info.FounderName != "" {
		fmt.Fprintf(&b, ", created by %s", info.FounderName)
	}
	b.WriteString(".")
	if len(info.OtherMembers) > 0 {
		b.WriteString("\nOther members are:\n")
		b.WriteString(strings.Join(info.OtherMembers, "\n"))
	}
	return transport.Reply{Text: b.String(), Private: true}
}

func (s *Service) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
