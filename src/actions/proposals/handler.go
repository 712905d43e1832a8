package proposals

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/stake-plus/member-proposals/src/discord"
	"github.com/stake-plus/member-proposals/src/lifecycle"
	"github.com/stake-plus/member-proposals/src/logging"
)

// Engine is the part of the lifecycle engine the command handler drives.
type Engine interface {
	Create(ctx context.Context, name string, requestedBy lifecycle.UserID) (lifecycle.Proposal, error)
	Veto(ctx context.Context, id string, requestedBy lifecycle.UserID, when lifecycle.VetoTiming) error
	Delete(ctx context.Context, id string, requestedBy lifecycle.UserID) error
	Subscribe(ctx context.Context, id string, user lifecycle.UserID) (lifecycle.SubscribeResult, error)
	SubscribeGlobal(ctx context.Context, user lifecycle.UserID) (bool, error)
	UnsubscribeGlobal(ctx context.Context, user lifecycle.UserID) (bool, error)
	ListActive() []lifecycle.Proposal
	VotingWindow() time.Duration
}

// Request is a platform independent command invocation.
type Request struct {
	Command string
	UserID  lifecycle.UserID
	Options map[string]string
	// Admin is set by the adapter when the caller may delete proposals.
	Admin bool
}

// Handler turns commands into engine calls and user-facing replies.
type Handler struct {
	Engine  Engine
	Limiter *RateLimiter

	policy *bluemonday.Policy
	log    zerolog.Logger
}

func NewHandler(engine Engine, limiter *RateLimiter) *Handler {
	return &Handler{
		Engine:  engine,
		Limiter: limiter,
		policy:  bluemonday.StrictPolicy(),
		log:     logging.For("proposals"),
	}
}

// Handle executes req and returns the reply for the caller.
func (h *Handler) Handle(ctx context.Context, req Request) string {
	switch req.Command {
	case discord.CommandNew:
		return h.create(ctx, req)
	case discord.CommandVeto:
		return h.veto(ctx, req)
	case discord.CommandSubscribe:
		return h.subscribe(ctx, req)
	case discord.CommandSubscribeAll:
		return h.subscribeAll(ctx, req)
	case discord.CommandUnsubscribeAll:
		return h.unsubscribeAll(ctx, req)
	case discord.CommandList:
		return h.list()
	case discord.CommandDelete:
		return h.delete(ctx, req)
	case discord.CommandHelp:
		return helpText(h.Engine.VotingWindow())
	}
	return "Unknown command."
}

// SanitizeName strips markup from a proposed member name and collapses whitespace.
func (h *Handler) SanitizeName(raw string) string {
	clean := html.UnescapeString(h.policy.Sanitize(raw))
	return strings.Join(strings.Fields(clean), " ")
}

func (h *Handler) create(ctx context.Context, req Request) string {
	name := h.SanitizeName(req.Options[discord.OptionName])
	if name == "" {
		return h.describeError(lifecycle.ErrInvalidName, req)
	}

	uid := req.UserID.String()
	if h.Limiter != nil && !h.Limiter.CanUse(uid) {
		wait := h.Limiter.TimeUntilNext(uid).Round(time.Second)
		return fmt.Sprintf("Please wait %s before proposing another member.", wait)
	}

	p, err := h.Engine.Create(ctx, name, req.UserID)
	if err != nil {
		if h.Limiter != nil {
			h.Limiter.Release(uid)
		}
		return h.describeError(err, req)
	}
	return fmt.Sprintf("Member proposal for %s created, id: %s", p.Name, p.ID)
}

func (h *Handler) veto(ctx context.Context, req Request) string {
	id := strings.TrimSpace(req.Options[discord.OptionProposalID])
	when := lifecycle.VetoImmediate
	if req.Options[discord.OptionTime] == discord.VetoTimeDeadline {
		when = lifecycle.VetoAtDeadline
	}

	if err := h.Engine.Veto(ctx, id, req.UserID, when); err != nil {
		return h.describeError(err, req)
	}
	if when == lifecycle.VetoAtDeadline {
		return fmt.Sprintf("Veto for proposal %s recorded, it takes effect at the deadline.", lifecycle.NormalizeName(id))
	}
	return fmt.Sprintf("Veto for proposal %s recorded.", lifecycle.NormalizeName(id))
}

func (h *Handler) delete(ctx context.Context, req Request) string {
	if !req.Admin {
		return h.describeError(lifecycle.ErrUnauthorized, req)
	}
	id := strings.TrimSpace(req.Options[discord.OptionProposalID])
	if err := h.Engine.Delete(ctx, id, req.UserID); err != nil {
		return h.describeError(err, req)
	}
	return fmt.Sprintf("Proposal %s deleted.", lifecycle.NormalizeName(id))
}

func (h *Handler) subscribe(ctx context.Context, req Request) string {
	id := strings.TrimSpace(req.Options[discord.OptionProposalID])
	res, err := h.Engine.Subscribe(ctx, id, req.UserID)
	if err != nil {
		return h.describeError(err, req)
	}
	if res.AlreadySubscribed {
		return fmt.Sprintf("You are already subscribed to the proposal for %s.", res.Proposal.Name)
	}
	return fmt.Sprintf("Subscribed to the proposal for %s. You will get a direct message when its status changes.", res.Proposal.Name)
}

func (h *Handler) subscribeAll(ctx context.Context, req Request) string {
	changed, err := h.Engine.SubscribeGlobal(ctx, req.UserID)
	if err != nil {
		return h.describeError(err, req)
	}
	if !changed {
		return "You are already subscribed to all new proposals."
	}
	return "You will get a direct message for every new proposal."
}

func (h *Handler) unsubscribeAll(ctx context.Context, req Request) string {
	changed, err := h.Engine.UnsubscribeGlobal(ctx, req.UserID)
	if err != nil {
		return h.describeError(err, req)
	}
	if !changed {
		return "You were not subscribed to new proposals."
	}
	return "You will no longer get messages for new proposals."
}

func (h *Handler) list() string {
	active := h.Engine.ListActive()
	if len(active) == 0 {
		return "There are no active proposals."
	}

	var b strings.Builder
	b.WriteString("Active proposals:\n")
	for _, p := range active {
		fmt.Fprintf(&b, "- %s (id: %s), voting closes %s UTC", p.Name, p.ID, p.Deadline.UTC().Format("2006-01-02 15:04"))
		if p.VetoAtDeadline {
			b.WriteString(", veto pending")
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) describeError(err error, req Request) string {
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyExists):
		return "A proposal for that member is already active."
	case errors.Is(err, lifecycle.ErrNotFound):
		return "Invalid proposal ID."
	case errors.Is(err, lifecycle.ErrUnauthorized):
		return "You don't have permission to use this command."
	case errors.Is(err, lifecycle.ErrInvalidName):
		return "Please provide the name of the proposed member."
	case errors.Is(err, lifecycle.ErrStoreUnavailable):
		h.log.Error().Err(err).Str("command", req.Command).Str("user_id", req.UserID.String()).Msg("store unavailable")
		return "The proposal store is unavailable, please try again later."
	}
	h.log.Error().Err(err).Str("command", req.Command).Str("user_id", req.UserID.String()).Msg("command failed")
	return "Something went wrong, please try again later."
}

func helpText(window time.Duration) string {
	return fmt.Sprintf(`Member proposals pass automatically %s after they are created unless someone vetoes them.

/new name - propose a new member
/veto proposal_id [time] - veto now, or at the deadline
/subscribe proposal_id - get a direct message when the proposal passes or is vetoed
/subscribe-all - get a direct message for every new proposal
/unsubscribe-all - stop messages for new proposals
/list - show active proposals
/delete proposal_id - remove a proposal (admins only)

If the bot was offline when a deadline passed, the proposal gets half of its original window again so members can still veto.`, humanDuration(window))
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}
