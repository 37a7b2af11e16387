package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/huntworks/picvault/internal/teams"
)

const (
	historyPageSize = 100
	ackEmoji        = "✅"
	// Discord caps a slash command at 25 options; one is the team name.
	maxRegisterMembers = 23

	RegisterCommandName  = "register"
	LeaveCommandName     = "leave"
	WhichTeamCommandName = "which_team"
)

type DiscordOptions struct {
	Token      string
	GuildID    int64
	HTTPClient *http.Client
	Logger     teams.Logger
}

// Discord adapts the live gateway to the Transport interface and exposes
// the slash-command front-end. Handlers must be attached before Open.
type Discord struct {
	session    *discordgo.Session
	guildID    int64
	httpClient *http.Client
	logger     teams.Logger
	onMessage  func(ctx context.Context, m Message)
	onCommand  func(ctx context.Context, cmd Command) Reply
}

func NewDiscord(opts DiscordOptions) (*Discord, error) {
	token := strings.TrimSpace(opts.Token)
	if token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	if opts.GuildID == 0 {
		return nil, fmt.Errorf("guild id is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	d := &Discord{
		session:    session,
		guildID:    opts.GuildID,
		httpClient: httpClient,
		logger:     opts.Logger,
	}
	session.AddHandler(d.handleMessageCreate)
	session.AddHandler(d.handleInteraction)
	return d, nil
}

func (d *Discord) OnMessage(fn func(ctx context.Context, m Message)) {
	d.onMessage = fn
}

func (d *Discord) OnCommand(fn func(ctx context.Context, cmd Command) Reply) {
	d.onCommand = fn
}

func (d *Discord) Open(ctx context.Context) error {
	if err := d.session.Open(); err != nil {
		return err
	}
	if err := d.registerCommands(ctx); err != nil {
		_ = d.session.Close()
		return err
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) SelfID() int64 {
	if d.session.State != nil && d.session.State.User != nil {
		return parseSnowflake(d.session.State.User.ID)
	}
	return 0
}

func (d *Discord) ResolveIdentity(id int64) (teams.Identity, bool) {
	guild := strconv.FormatInt(d.guildID, 10)
	user := strconv.FormatInt(id, 10)
	member, err := d.session.State.Member(guild, user)
	if err != nil {
		member, err = d.session.GuildMember(guild, user)
		if err != nil {
			return teams.Identity{}, false
		}
	}
	name := member.Nick
	if name == "" && member.User != nil {
		name = member.User.Username
	}
	return teams.Identity{ID: id, DisplayName: name}, true
}

func (d *Discord) OpenAttachment(ctx context.Context, att Attachment) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("attachment fetch: http %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (d *Discord) Acknowledge(ctx context.Context, channelID, messageID int64) error {
	return d.session.MessageReactionAdd(
		strconv.FormatInt(channelID, 10),
		strconv.FormatInt(messageID, 10),
		ackEmoji,
		discordgo.WithContext(ctx),
	)
}

func (d *Discord) OpenDirectChannel(ctx context.Context, userID int64) (int64, error) {
	channel, err := d.session.UserChannelCreate(strconv.FormatInt(userID, 10), discordgo.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	return parseSnowflake(channel.ID), nil
}

func (d *Discord) SendDirect(ctx context.Context, channelID int64, text string) error {
	_, err := d.session.ChannelMessageSend(strconv.FormatInt(channelID, 10), text, discordgo.WithContext(ctx))
	return err
}

func (d *Discord) History(ctx context.Context, channelID int64, visit func(Message) error) error {
	channel := strconv.FormatInt(channelID, 10)
	before := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := d.session.ChannelMessages(channel, historyPageSize, before, "", "", discordgo.WithContext(ctx))
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, raw := range page {
			if err := visit(convertMessage(raw)); err != nil {
				if errors.Is(err, ErrStopHistory) {
					return nil
				}
				return err
			}
			before = raw.ID
		}
	}
}

func (d *Discord) handleMessageCreate(_ *discordgo.Session, event *discordgo.MessageCreate) {
	if d.onMessage == nil || event.Message == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	d.onMessage(ctx, convertMessage(event.Message))
}

func (d *Discord) handleInteraction(s *discordgo.Session, event *discordgo.InteractionCreate) {
	if d.onCommand == nil || event.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := event.ApplicationCommandData()
	cmd := Command{Name: data.Name, GuildID: parseSnowflake(event.GuildID)}
	switch {
	case event.Member != nil && event.Member.User != nil:
		cmd.UserID = parseSnowflake(event.Member.User.ID)
	case event.User != nil:
		cmd.UserID = parseSnowflake(event.User.ID)
	}
	for _, opt := range data.Options {
		switch {
		case opt.Name == "team_name":
			cmd.TeamName = opt.StringValue()
		case opt.Type == discordgo.ApplicationCommandOptionUser:
			if user := opt.UserValue(nil); user != nil {
				cmd.MemberIDs = append(cmd.MemberIDs, parseSnowflake(user.ID))
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	reply := d.onCommand(ctx, cmd)

	response := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: reply.Text},
	}
	if reply.Private {
		response.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	if err := s.InteractionRespond(event.Interaction, response); err != nil {
		d.logf("interaction response: %v", err)
	}
}

func (d *Discord) registerCommands(ctx context.Context) error {
	options := []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "team_name",
		Description: "Name of the new team",
		Required:    true,
	}}
	for i := 1; i <= maxRegisterMembers; i++ {
		options = append(options, &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionUser,
			Name:        fmt.Sprintf("member%d", i),
			Description: "Team member",
		})
	}
	commands := []*discordgo.ApplicationCommand{
		{Name: RegisterCommandName, Description: "Create a team", Options: options},
		{Name: LeaveCommandName, Description: "Leave your team. Joining an existing team is not possible."},
		{Name: WhichTeamCommandName, Description: "Show which team you are in."},
	}
	appID := d.session.State.User.ID
	guild := strconv.FormatInt(d.guildID, 10)
	for _, cmd := range commands {
		if _, err := d.session.ApplicationCommandCreate(appID, guild, cmd, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("register command %s: %w", cmd.Name, err)
		}
	}
	return nil
}

func convertMessage(m *discordgo.Message) Message {
	msg := Message{
		ID:        parseSnowflake(m.ID),
		ChannelID: parseSnowflake(m.ChannelID),
		GuildID:   parseSnowflake(m.GuildID),
		CreatedAt: m.Timestamp,
	}
	if m.Author != nil {
		msg.AuthorID = parseSnowflake(m.Author.ID)
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:          parseSnowflake(att.ID),
			ContentType: att.ContentType,
			URL:         att.URL,
		})
	}
	return msg
}

func parseSnowflake(raw string) int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func (d *Discord) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
