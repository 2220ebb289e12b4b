package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	afterdark "github.com/afterdark-app/afterdark-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// inbox
	inboxJSON   bool
	inboxUnread bool

	// messages
	messagesLimit int
	messagesPages int
	messagesJSON  bool

	// send
	sendReplyTo string
	sendPost    string
	sendJSON    bool

	// listen
	listenConversations []string
)

func init() {
	inboxCmd.Flags().BoolVar(&inboxJSON, "json", false, "Output raw JSON")
	inboxCmd.Flags().BoolVar(&inboxUnread, "unread", false, "Show only unread conversations")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", afterdark.DefaultPageSize, "Page size")
	messagesCmd.Flags().IntVar(&messagesPages, "pages", 1, "Number of pages to load, newest first")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")

	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message id to reply to")
	sendCmd.Flags().StringVar(&sendPost, "post", "", "Share a post by id")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")

	listenCmd.Flags().StringSliceVarP(&listenConversations, "conversation", "c", nil, "Conversation ids to open while listening")

	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)
}

// session bundles what the messaging commands need.
type session struct {
	client   *afterdark.Client
	store    *afterdark.IdentityStore
	storage  *afterdark.FileStorage
	resolver *afterdark.Resolver
	logger   *zap.Logger
}

func openSession() (*session, error) {
	client, _, err := getClient()
	if err != nil {
		return nil, err
	}
	logger := newLogger()
	store, fs, err := openStore(logger)
	if err != nil {
		return nil, err
	}
	if _, err := requireSession(store); err != nil {
		return nil, err
	}
	return &session{
		client:   client,
		store:    store,
		storage:  fs,
		resolver: afterdark.NewResolver(store, client.Account, logger),
		logger:   logger,
	}, nil
}

func (s *session) thread(conversationID string, pageSize int) *afterdark.Thread {
	return afterdark.NewThread(conversationID, s.client.Messages, s.client.Conversations, senderFunc(s.store, s.resolver), &afterdark.ThreadOptions{
		PageSize: pageSize,
		Posts:    afterdark.NewPostEmbeds(s.client.Posts, s.logger),
		Logger:   s.logger,
	})
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations of the active entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.logger.Sync() //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		id := s.resolver.MessagingID(ctx)
		if id == "" {
			fmt.Fprintln(os.Stderr, "Active entity has no messaging id; inbox is empty.")
		}
		profiles := afterdark.NewProfileDirectory(afterdark.NewProfileCache(s.store.Get()), s.client.Profiles, nil, s.logger)
		inbox := afterdark.NewInbox(s.client.Conversations, profiles, s.store.Bridge(), s.logger)
		convs, unread, err := inbox.List(ctx, id)
		if err != nil {
			return err
		}

		if inboxUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}
		if inboxJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}

		fmt.Printf("Conversations (%d unread):\n", unread)
		for _, c := range convs {
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("  %s: %s%s\n", c.ID, c.Peer.Name, badge)
			if c.LastMessage != "" {
				fmt.Printf("      %s  %s\n", c.LastMessageAt.Local().Format(time.Kitchen), c.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show the history of a conversation and mark it read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.logger.Sync() //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		t := s.thread(args[0], messagesLimit)
		defer t.Close()
		if err := t.LoadInitial(ctx); err != nil {
			return err
		}
		for i := 1; i < messagesPages && !t.Exhausted(); i++ {
			if _, err := t.LoadOlder(ctx); err != nil {
				return err
			}
		}

		msgs := t.Messages()
		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(ctx, t, m)
		}
		return nil
	},
}

func printMessage(ctx context.Context, t *afterdark.Thread, m afterdark.Message) {
	if rp, ok := t.ReplyPreview(m); ok {
		fmt.Printf("    ↳ %s\n", rp.Content)
	}
	content := m.Content
	switch m.Type {
	case afterdark.MessageSharedPost:
		post, err := t.SharedPost(ctx, m)
		switch {
		case err != nil:
			content = "[post]"
		case post == nil || post.Unavailable:
			content = "[post unavailable]"
		default:
			content = fmt.Sprintf("[post by %s] %s", post.AuthorName, post.Content)
		}
	case afterdark.MessageImage, afterdark.MessageFile:
		content = fmt.Sprintf("[%s] %s", m.Type, m.Content)
	}
	fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Local().Format(time.RFC3339), m.SenderID, content, m.Status)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message as the active entity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.logger.Sync() //nolint:errcheck

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		t := s.thread(args[0], afterdark.DefaultPageSize)
		defer t.Close()
		if err := t.LoadInitial(ctx); err != nil {
			s.logger.Debug("history load failed before send", zap.Error(err))
		}

		msg, err := t.Send(ctx, strings.Join(args[1:], " "), &afterdark.SendOptions{
			ReplyToID:    sendReplyTo,
			SharedPostID: sendPost,
		})
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent (id: %s, status: %s)\n", valueOrDefault(msg.ID, "-"), msg.Status)
		return nil
	},
}

// ============================================================================
// listen
// ============================================================================

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Stay connected and print inbox and message activity",
	Long:  "Connect to the realtime service as the active entity and print unread counts and new messages until interrupted.\nEntity switches made by other afterdark processes are picked up live.",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.logger.Sync() //nolint:errcheck

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := afterdark.WatchSessionFile(ctx, s.storage, 200*time.Millisecond, func() { s.store.Reload() }); err != nil {
			s.logger.Warn("session file watch unavailable", zap.Error(err))
		}

		bridge := s.store.Bridge()
		defer bridge.Subscribe(afterdark.SignalUnreadMessages, "cli-listen", func(ev afterdark.Event) {
			fmt.Printf("Unread: %v\n", ev.Payload)
		})()
		defer bridge.Subscribe(afterdark.SignalSessionChanged, "cli-listen", func(ev afterdark.Event) {
			if sess := s.store.Get(); sess != nil && sess.Active != nil {
				fmt.Printf("Active entity: %s\n", sess.Active.Ref())
			}
		})()

		m := afterdark.NewMessenger(s.client, s.store,
			afterdark.WithLogger(s.logger),
			afterdark.WithTypingListener(func(conversationID string, typers []string) {
				if len(typers) > 0 {
					fmt.Printf("[%s] %s typing...\n", conversationID, strings.Join(typers, ", "))
				}
			}),
		)
		if err := m.Start(ctx); err != nil {
			return err
		}
		defer m.Stop() //nolint:errcheck

		for _, id := range listenConversations {
			id := id
			var mu sync.Mutex
			seen := map[string]bool{}
			onChange := func(msgs []afterdark.Message) {
				mu.Lock()
				defer mu.Unlock()
				for _, msg := range msgs {
					key := msg.ID
					if key == "" || seen[key] {
						continue
					}
					seen[key] = true
					fmt.Printf("[%s] %s: %s\n", id, msg.SenderID, msg.Content)
				}
			}
			if _, err := m.OpenConversation(ctx, id, onChange); err != nil {
				fmt.Fprintf(os.Stderr, "open %s: %v\n", id, err)
			}
		}

		fmt.Println("Listening, press Ctrl-C to stop.")
		<-ctx.Done()
		return nil
	},
}
