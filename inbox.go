package afterdark

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConversationSource lists conversations for a messaging identity.
type ConversationSource interface {
	List(ctx context.Context, messagingID string) ([]RemoteConversation, error)
	MarkRead(ctx context.Context, conversationID, messagingID string) error
}

// Inbox builds the conversation list of one messaging identity.
type Inbox struct {
	source      ConversationSource
	profiles    *ProfileDirectory
	bridge      *Bridge
	logger      *zap.Logger
	concurrency int
}

// NewInbox creates an inbox. bridge may be nil.
func NewInbox(source ConversationSource, profiles *ProfileDirectory, bridge *Bridge, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		source:      source,
		profiles:    profiles,
		bridge:      bridge,
		logger:      logger.Named("inbox"),
		concurrency: 8,
	}
}

// OtherParticipant returns the participant of c that is not self. ok is
// false when self is not a participant.
func OtherParticipant(c RemoteConversation, self string) (string, bool) {
	member := false
	other := ""
	for _, p := range c.Participants {
		if p == self {
			member = true
			continue
		}
		if other == "" {
			other = p
		}
	}
	if !member {
		return "", false
	}
	if other == "" {
		// Conversation with oneself.
		other = self
	}
	return other, true
}

// List returns the conversations visible to messagingID, newest first, and
// the aggregate unread count, which is also published as
// SignalUnreadMessages. An empty messagingID yields no conversations and a
// zero count without touching the network.
func (in *Inbox) List(ctx context.Context, messagingID string) ([]Conversation, int, error) {
	if messagingID == "" {
		in.publish(0)
		return nil, 0, nil
	}

	remote, err := in.source.List(ctx, messagingID)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]Conversation, 0, len(remote))
	for _, rc := range remote {
		other, ok := OtherParticipant(rc, messagingID)
		if !ok {
			in.logger.Debug("skipping conversation without caller", zap.String("conversation_id", rc.ID))
			continue
		}
		out = append(out, Conversation{
			ID:               rc.ID,
			OtherParticipant: other,
			Peer:             Profile{MessagingID: other, Name: other, Status: rc.ParticipantStatus[other]},
			LastMessage:      rc.LastMessageContent,
			LastMessageAt:    rc.LastMessageTime,
			UnreadCount:      rc.UnreadCount,
		})
	}

	// Each item settles on its own: Resolve never fails, so one bad profile
	// cannot drop or fail the list.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i := range out {
		i := i
		g.Go(func() error {
			if in.profiles != nil {
				out[i].Peer = in.profiles.Resolve(gctx, out[i].OtherParticipant, out[i].Peer.Status)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})

	total := 0
	for _, c := range out {
		total += c.UnreadCount
	}
	in.publish(total)
	return out, total, nil
}

func (in *Inbox) publish(total int) {
	if in.bridge != nil {
		in.bridge.Publish(SignalUnreadMessages, total)
	}
}
