package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/gullybot/internal/auction"
	"github.com/jensholdgaard/gullybot/internal/event"
	"github.com/jensholdgaard/gullybot/internal/league"
	"github.com/jensholdgaard/gullybot/internal/store"
	"github.com/jensholdgaard/gullybot/internal/telemetry"
	"github.com/jensholdgaard/gullybot/internal/transfer"
)

// Request is a slash command reduced to what the handlers need. The gully
// is the Discord guild the command was issued in.
type Request struct {
	Command  string
	GullyID  string
	UserID   string
	UserName string
	Admin    bool
	Strings  map[string]string
	Ints     map[string]int64
}

// Reply is the text sent back to the caller.
type Reply struct {
	Content string
	// Ephemeral replies are only shown to the caller.
	Ephemeral bool
}

// Handlers process Discord interactions.
type Handlers struct {
	reg           *league.Registry
	defaultBudget int64
	adminRole     string
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewHandlers creates new command handlers. New participants start with
// defaultBudget. adminRole gates admin commands; when empty the Administrator
// permission is required instead.
func NewHandlers(reg *league.Registry, defaultBudget int64, adminRole string, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		reg:           reg,
		defaultBudget: defaultBudget,
		adminRole:     adminRole,
		logger:        logger,
		tracer:        tp.Tracer("github.com/jensholdgaard/gullybot/internal/bot/commands"),
	}
}

var (
	playerOption = &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "player",
		Description: "Player id from the catalog",
		Required:    true,
	}
	listingOption = &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "listing",
		Description: "Listing id (default: the player up for bidding)",
		Required:    false,
	}
	amountOption = &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        "amount",
		Description: "Amount in budget points",
		Required:    true,
		MinValue:    &minAmount,
	}
	minAmount = 1.0
)

// transferLogWindow bounds how far back /transfers looks.
const transferLogWindow = 7 * 24 * time.Hour

// adminCommands require the admin role.
var adminCommands = []string{"enqueue", "auction-cancel", "autofill"}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "join",
			Description: "Join this server's gully",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "name",
					Description: "Team name (default: your username)",
					Required:    false,
				},
			},
		},
		{
			Name:        "enqueue",
			Description: "Queue a player for auction (admin only)",
			Options:     []*discordgo.ApplicationCommandOption{playerOption},
		},
		{
			Name:        "queue",
			Description: "Show the player up for bidding and the queue",
		},
		{
			Name:        "bid",
			Description: "Bid on the player up for auction",
			Options:     []*discordgo.ApplicationCommandOption{amountOption, listingOption},
		},
		{
			Name:        "skip",
			Description: "Pass on the player up for auction",
			Options:     []*discordgo.ApplicationCommandOption{listingOption},
		},
		{
			Name:        "auction-cancel",
			Description: "Cancel a listing (admin only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "listing",
					Description: "Listing id to cancel",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Why the listing is cancelled",
					Required:    true,
				},
			},
		},
		{
			Name:        "budget",
			Description: "Check your remaining budget",
		},
		{
			Name:        "squad",
			Description: "Show your squad and what it still needs",
		},
		{
			Name:        "release",
			Description: "Release a player from your squad during a transfer window",
			Options:     []*discordgo.ApplicationCommandOption{playerOption},
		},
		{
			Name:        "interest",
			Description: "Declare interest in a released player",
			Options:     []*discordgo.ApplicationCommandOption{playerOption, amountOption},
		},
		{
			Name:        "autofill",
			Description: "Fill incomplete squads from the unsold pool (admin only)",
		},
		{
			Name:        "history",
			Description: "Show what happened to a listing",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "listing",
					Description: "Listing id",
					Required:    true,
				},
			},
		},
		{
			Name:        "transfers",
			Description: "Show this week's transfer results",
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if i.Member == nil || i.GuildID == "" {
		respond(s, i, Reply{Content: "Use this command in a server.", Ephemeral: true})
		return
	}
	respond(s, i, h.Handle(context.Background(), h.request(i)))
}

func (h *Handlers) request(i *discordgo.InteractionCreate) Request {
	data := i.ApplicationCommandData()
	req := Request{
		Command:  data.Name,
		GullyID:  i.GuildID,
		UserID:   i.Member.User.ID,
		UserName: i.Member.User.Username,
		Strings:  make(map[string]string),
		Ints:     make(map[string]int64),
	}
	if h.adminRole != "" {
		req.Admin = slices.Contains(i.Member.Roles, h.adminRole)
	} else {
		req.Admin = i.Member.Permissions&discordgo.PermissionAdministrator != 0
	}
	for _, opt := range data.Options {
		switch opt.Type {
		case discordgo.ApplicationCommandOptionString:
			req.Strings[opt.Name] = opt.StringValue()
		case discordgo.ApplicationCommandOptionInteger:
			req.Ints[opt.Name] = opt.IntValue()
		}
	}
	return req
}

// Handle runs one command and renders its reply.
func (h *Handlers) Handle(ctx context.Context, req Request) Reply {
	ctx, span := h.tracer.Start(ctx, "Handle",
		trace.WithAttributes(
			attribute.String("command", req.Command),
			attribute.String("gully.id", req.GullyID),
		),
	)
	defer span.End()

	if slices.Contains(adminCommands, req.Command) && !req.Admin {
		return Reply{Content: "Only gully admins can do that.", Ephemeral: true}
	}

	switch req.Command {
	case "join":
		return h.handleJoin(ctx, req)
	case "enqueue":
		return h.handleEnqueue(ctx, req)
	case "queue":
		return h.handleQueue(ctx, req)
	case "bid":
		return h.handleBid(ctx, req)
	case "skip":
		return h.handleSkip(ctx, req)
	case "auction-cancel":
		return h.handleCancel(ctx, req)
	case "budget":
		return h.handleBudget(ctx, req)
	case "squad":
		return h.handleSquad(ctx, req)
	case "release":
		return h.handleRelease(ctx, req)
	case "interest":
		return h.handleInterest(ctx, req)
	case "autofill":
		return h.handleAutofill(ctx, req)
	case "history":
		return h.handleHistory(ctx, req)
	case "transfers":
		return h.handleTransfers(ctx, req)
	default:
		return Reply{Content: "Unknown command", Ephemeral: true}
	}
}

func (h *Handlers) handleJoin(ctx context.Context, req Request) Reply {
	name := req.Strings["name"]
	if name == "" {
		name = req.UserName
	}
	p, err := h.reg.Join(ctx, req.GullyID, req.UserID, name, h.defaultBudget)
	if errors.Is(err, store.ErrConflict) {
		return Reply{Content: "You have already joined this gully.", Ephemeral: true}
	}
	if err != nil {
		return h.failure(ctx, req, "Failed to join", err)
	}
	return Reply{Content: fmt.Sprintf("**%s** joined the gully with a budget of **%d**", p.Name, p.Budget)}
}

func (h *Handlers) handleEnqueue(ctx context.Context, req Request) Reply {
	g, err := h.reg.Open(ctx, req.GullyID)
	if err != nil {
		return h.failure(ctx, req, "Failed to open gully", err)
	}
	p, err := h.reg.Catalog().Player(ctx, req.Strings["player"])
	if err != nil {
		return Reply{Content: fmt.Sprintf("Unknown player `%s`.", req.Strings["player"]), Ephemeral: true}
	}
	l, err := g.Queue.Enqueue(ctx, p)
	if err != nil {
		return Reply{Content: fmt.Sprintf("Failed to queue **%s**: %s", p.Name, err), Ephemeral: true}
	}
	if _, err := g.Queue.ActivateNext(ctx); err != nil && !errors.Is(err, auction.ErrSessionActive) {
		return h.failure(ctx, req, "Queued but could not start bidding", err)
	}
	return Reply{Content: fmt.Sprintf("Queued **%s** (%s, base %d) as listing `%s`", p.Name, p.Role, p.BasePrice, l.ID)}
}

func (h *Handlers) handleQueue(ctx context.Context, req Request) Reply {
	g, err := h.reg.Open(ctx, req.GullyID)
	if err != nil {
		return h.failure(ctx, req, "Failed to open gully", err)
	}

	var b strings.Builder
	if s := g.Queue.Active(); s != nil {
		l := s.Listing()
		fmt.Fprintf(&b, "**Up for bidding:** %s (`%s`)", l.Player.Name, l.ID)
		if leader, ok := s.Leader(); ok {
			fmt.Fprintf(&b, ", highest bid **%d** by <@%s>", leader.Amount, h.userOf(ctx, req.GullyID, leader.ParticipantID))
		} else {
			fmt.Fprintf(&b, ", floor **%d**", l.Floor)
		}
		fmt.Fprintf(&b, ", closes <t:%d:R>\n", s.Deadline().Unix())
	} else {
		b.WriteString("Nothing is up for bidding.\n")
	}
	pending := g.Queue.Pending()
	if len(pending) == 0 {
		b.WriteString("The queue is empty.")
		return Reply{Content: b.String()}
	}
	b.WriteString("**Queue:**\n")
	for idx, l := range pending {
		fmt.Fprintf(&b, "%d. %s (`%s`)\n", idx+1, l.Player.Name, l.ID)
	}
	return Reply{Content: b.String()}
}

func (h *Handlers) handleBid(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	listingID, reply, ok := activeListing(g, req)
	if !ok {
		return reply
	}
	amount := req.Ints["amount"]
	if _, err := g.Queue.PlaceBid(ctx, listingID, p.ID, amount); err != nil {
		return Reply{Content: fmt.Sprintf("Bid rejected: %s", err), Ephemeral: true}
	}
	return Reply{Content: fmt.Sprintf("<@%s> bids **%d** on listing `%s`", req.UserID, amount, listingID)}
}

func (h *Handlers) handleSkip(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	listingID, reply, ok := activeListing(g, req)
	if !ok {
		return reply
	}
	closed, err := g.Queue.Skip(ctx, listingID, p.ID)
	if err != nil {
		return Reply{Content: fmt.Sprintf("Skip failed: %s", err), Ephemeral: true}
	}
	if closed {
		return Reply{Content: fmt.Sprintf("Everyone passed on listing `%s`.", listingID)}
	}
	return Reply{Content: "You passed on this player.", Ephemeral: true}
}

func (h *Handlers) handleCancel(ctx context.Context, req Request) Reply {
	g, err := h.reg.Open(ctx, req.GullyID)
	if err != nil {
		return h.failure(ctx, req, "Failed to open gully", err)
	}
	listingID := req.Strings["listing"]
	if err := g.Queue.Cancel(ctx, listingID, req.Strings["reason"]); err != nil {
		return Reply{Content: fmt.Sprintf("Failed to cancel listing `%s`: %s", listingID, err), Ephemeral: true}
	}
	if _, err := g.Queue.ActivateNext(ctx); err != nil &&
		!errors.Is(err, auction.ErrSessionActive) && !errors.Is(err, auction.ErrQueueEmpty) {
		h.logger.WarnContext(ctx, "failed to start next listing", slog.Any("error", err))
	}
	return Reply{Content: fmt.Sprintf("Listing `%s` cancelled.", listingID)}
}

func (h *Handlers) handleBudget(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	balance, err := g.Budgets.Balance(p.ID)
	if err != nil {
		return h.failure(ctx, req, "Failed to read budget", err)
	}
	return Reply{
		Content:   fmt.Sprintf("**%s**: budget **%d**, transfers left **%d**", p.Name, balance, g.Squads.TransfersLeft(p.ID)),
		Ephemeral: true,
	}
}

func (h *Handlers) handleSquad(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	rep, err := g.Squads.ValidateFinal(p.ID)
	if err != nil {
		return h.failure(ctx, req, "Failed to read squad", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%d players)\n", p.Name, rep.Size)
	for _, pl := range g.Squads.Holdings(p.ID) {
		fmt.Fprintf(&b, "- %s (%s, `%s`)\n", pl.Name, pl.Role, pl.ID)
	}
	if rep.Valid {
		b.WriteString("Squad is complete.")
		return Reply{Content: b.String(), Ephemeral: true}
	}
	var needs []string
	if rep.MissingSlots > 0 {
		needs = append(needs, fmt.Sprintf("%d more players", rep.MissingSlots))
	}
	for role, n := range rep.MissingRoles {
		needs = append(needs, fmt.Sprintf("%d %s", n, role))
	}
	sort.Strings(needs)
	fmt.Fprintf(&b, "Still needs: %s", strings.Join(needs, ", "))
	return Reply{Content: b.String(), Ephemeral: true}
}

func (h *Handlers) handleRelease(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	r, err := g.Market.Release(ctx, p.ID, req.Strings["player"])
	if err != nil {
		return Reply{Content: fmt.Sprintf("Release failed: %s", err), Ephemeral: true}
	}
	return Reply{Content: fmt.Sprintf("**%s** is on the transfer market until <t:%d:t>. Use `/interest` to bid.",
		r.Player.Name, r.Deadline.Unix())}
}

func (h *Handlers) handleInterest(ctx context.Context, req Request) Reply {
	g, p, reply, ok := h.member(ctx, req)
	if !ok {
		return reply
	}
	playerID := req.Strings["player"]
	amount := req.Ints["amount"]
	if err := g.Market.DeclareInterest(ctx, playerID, p.ID, amount); err != nil {
		return Reply{Content: fmt.Sprintf("Interest rejected: %s", err), Ephemeral: true}
	}
	return Reply{Content: fmt.Sprintf("Interest of **%d** in `%s` recorded.", amount, playerID), Ephemeral: true}
}

func (h *Handlers) handleAutofill(ctx context.Context, req Request) Reply {
	g, err := h.reg.Open(ctx, req.GullyID)
	if err != nil {
		return h.failure(ctx, req, "Failed to open gully", err)
	}
	start := time.Now()
	assigned, err := g.Assigner.Run(ctx)
	if err != nil {
		return h.failure(ctx, req, "Auto-assignment failed", err)
	}
	h.logger.InfoContext(ctx, "autofill finished",
		slog.String("gully_id", req.GullyID),
		slog.Int("assigned", len(assigned)),
		slog.Duration("took", time.Since(start)),
	)
	return Reply{Content: fmt.Sprintf("Auto-assigned **%d** players.", len(assigned))}
}

func (h *Handlers) handleHistory(ctx context.Context, req Request) Reply {
	listingID := req.Strings["listing"]
	evs, err := h.reg.History(ctx, listingID)
	if err != nil {
		return h.failure(ctx, req, "Failed to load history", err)
	}
	if len(evs) == 0 {
		return Reply{Content: fmt.Sprintf("No history for listing `%s`.", listingID), Ephemeral: true}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**Listing `%s`:**\n", listingID)
	for _, e := range evs {
		fmt.Fprintf(&b, "<t:%d:t> %s\n", e.CreatedAt.Unix(), h.describeEvent(ctx, req.GullyID, e))
	}
	return Reply{Content: b.String(), Ephemeral: true}
}

func (h *Handlers) describeEvent(ctx context.Context, gullyID string, e event.Event) string {
	switch e.Type {
	case event.ListingQueued:
		var d event.ListingQueuedData
		if e.Decode(&d) == nil {
			return fmt.Sprintf("queued `%s` at floor %d", d.PlayerID, d.Floor)
		}
	case event.SessionStarted:
		var d event.SessionStartedData
		if e.Decode(&d) == nil {
			return fmt.Sprintf("bidding opened at %d for %s", d.Floor, d.Duration)
		}
	case event.BidAccepted:
		var d event.BidAcceptedData
		if e.Decode(&d) == nil {
			return fmt.Sprintf("<@%s> bid %d", h.userOf(ctx, gullyID, d.ParticipantID), d.Amount)
		}
	case event.ListingSold:
		var d event.ListingSoldData
		if e.Decode(&d) == nil {
			return fmt.Sprintf("sold to <@%s> for %d", h.userOf(ctx, gullyID, d.ParticipantID), d.Amount)
		}
	case event.ListingPassed:
		var d event.ListingPassedData
		if e.Decode(&d) == nil {
			if d.Unsold {
				return "went unsold"
			}
			return fmt.Sprintf("passed (round %d)", d.Passes)
		}
	case event.ListingCancelled:
		var d event.ListingCancelledData
		if e.Decode(&d) == nil {
			return fmt.Sprintf("cancelled: %s", d.Reason)
		}
	}
	return string(e.Type)
}

func (h *Handlers) handleTransfers(ctx context.Context, req Request) Reply {
	log, err := h.reg.TransferLog(ctx, req.GullyID, h.reg.Now().Add(-transferLogWindow))
	if err != nil {
		return h.failure(ctx, req, "Failed to load transfers", err)
	}
	if len(log) == 0 {
		return Reply{Content: "No transfers this week."}
	}

	var b strings.Builder
	b.WriteString("**Transfers this week:**\n")
	for _, d := range log {
		seller := h.userOf(ctx, req.GullyID, d.SellerID)
		switch d.Outcome {
		case transfer.OutcomeDirectSale:
			fmt.Fprintf(&b, "- `%s`: <@%s> to <@%s> for %d\n", d.PlayerID, seller, h.userOf(ctx, req.GullyID, d.BuyerID), d.Price)
		case transfer.OutcomeAuction:
			fmt.Fprintf(&b, "- `%s`: released by <@%s>, sent to auction as `%s`\n", d.PlayerID, seller, d.ListingID)
		default:
			fmt.Fprintf(&b, "- `%s`: released by <@%s>, no takers\n", d.PlayerID, seller)
		}
	}
	return Reply{Content: b.String()}
}

// member resolves the caller's gully and membership.
func (h *Handlers) member(ctx context.Context, req Request) (*league.Gully, store.Participant, Reply, bool) {
	g, err := h.reg.Open(ctx, req.GullyID)
	if err != nil {
		return nil, store.Participant{}, h.failure(ctx, req, "Failed to open gully", err), false
	}
	p, err := h.reg.Participant(ctx, req.GullyID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.Participant{}, Reply{Content: "You have not joined this gully. Use `/join` first.", Ephemeral: true}, false
	}
	if err != nil {
		return nil, store.Participant{}, h.failure(ctx, req, "Failed to look you up", err), false
	}
	return g, p, Reply{}, true
}

// userOf maps a participant id back to a Discord user id for mentions.
func (h *Handlers) userOf(ctx context.Context, gullyID, participantID string) string {
	rows, err := h.reg.Participants(ctx, gullyID)
	if err != nil {
		return participantID
	}
	for _, p := range rows {
		if p.ID == participantID {
			return p.UserID
		}
	}
	return participantID
}

func (h *Handlers) failure(ctx context.Context, req Request, msg string, err error) Reply {
	telemetry.LogWithTrace(ctx, h.logger).ErrorContext(ctx, "command failed",
		slog.String("command", req.Command),
		slog.String("gully_id", req.GullyID),
		slog.Any("error", err),
	)
	return Reply{Content: fmt.Sprintf("%s: %s", msg, err), Ephemeral: true}
}

func activeListing(g *league.Gully, req Request) (string, Reply, bool) {
	if id := req.Strings["listing"]; id != "" {
		return id, Reply{}, true
	}
	s := g.Queue.Active()
	if s == nil {
		return "", Reply{Content: "No player is up for bidding.", Ephemeral: true}, false
	}
	return s.ID(), Reply{}, true
}

func respond(s *discordgo.Session, i *discordgo.InteractionCreate, r Reply) {
	data := &discordgo.InteractionResponseData{Content: r.Content}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
}
