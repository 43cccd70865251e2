package bot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sourcegraph/conc"

	"github.com/jensholdgaard/gullybot/internal/notify"
	"github.com/jensholdgaard/gullybot/internal/store"
)

// MessageSender posts a message to a channel. *discordgo.Session satisfies it.
type MessageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts auction notices to a Discord channel. Dispatch never
// blocks the auction: notices are queued and sent by one background
// goroutine, and dropped when the queue is full.
type Notifier struct {
	sender       MessageSender
	channelID    string
	participants store.ParticipantRepository
	logger       *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan queued
	wg     conc.WaitGroup
}

type queued struct {
	ctx context.Context
	n   notify.Notice
}

// NewNotifier starts a notifier posting to channelID.
func NewNotifier(sender MessageSender, channelID string, participants store.ParticipantRepository, logger *slog.Logger) *Notifier {
	n := &Notifier{
		sender:       sender,
		channelID:    channelID,
		participants: participants,
		logger:       logger,
		queue:        make(chan queued, 256),
	}
	n.wg.Go(n.loop)
	return n
}

// Dispatch implements notify.Dispatcher.
func (n *Notifier) Dispatch(ctx context.Context, notice notify.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- queued{ctx: context.WithoutCancel(ctx), n: notice}:
	default:
		n.logger.WarnContext(ctx, "notice queue full, dropping notice",
			slog.String("gully_id", notice.Gully()),
			slog.String("text", notify.Describe(notice)),
		)
	}
}

// Close stops accepting notices and waits for the queued ones to be sent.
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) loop() {
	for q := range n.queue {
		text := notify.Render(q.n, n.mentions(q.ctx, q.n.Gully()))
		if _, err := n.sender.ChannelMessageSend(n.channelID, text); err != nil {
			n.logger.ErrorContext(q.ctx, "failed to post notice",
				slog.String("channel_id", n.channelID),
				slog.Any("error", err),
			)
		}
	}
}

// mentions maps participant ids to Discord user mentions.
func (n *Notifier) mentions(ctx context.Context, gullyID string) func(string) string {
	users := make(map[string]string)
	rows, err := n.participants.ListByGully(ctx, gullyID)
	if err != nil {
		n.logger.WarnContext(ctx, "failed to resolve participants for notice", slog.Any("error", err))
	}
	for _, p := range rows {
		users[p.ID] = p.UserID
	}
	return func(participantID string) string {
		if uid, ok := users[participantID]; ok {
			return "<@" + uid + ">"
		}
		return participantID
	}
}
