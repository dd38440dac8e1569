// Package matrix connects the assistant to Matrix rooms using mautrix-go.
// Each text message from an allowed user runs one assistant turn; the
// reply is posted back to the same room.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/concierge/pkg/channel"
)

const (
	// maxMessageLen is the longest body sent in one event.
	maxMessageLen = 4000
	typingTimeout = 60 * time.Second
	resyncDelay   = 15 * time.Second
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "concierge"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64
	credFile  string

	// rooms serializes turns per room so history stays ordered.
	roomsMu sync.Mutex
	rooms   map[id.RoomID]*sync.Mutex
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a Matrix channel.
func New(cfg Config) *Channel {
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		rooms:    make(map[id.RoomID]*sync.Mutex),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// FullUserID returns the bot's Matrix user id.
func (c *Channel) FullUserID() string {
	return fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
}

// Start logs in and syncs until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("matrix data dir: %w", err)
	}

	fullUserID := c.FullUserID()
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client
	// in-memory sync store; a restart resyncs from now
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		go c.onMessage(ctx, evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", fullUserID)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting", "error", err, "delay", resyncDelay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(resyncDelay):
			}
		}
	}
}

// loginWithRetry reuses saved credentials, else logs in with the password
// under exponential backoff.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	const maxBackoff = 2 * time.Minute
	const maxAttempts = 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}
		if nonRetryable(err) {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("matrix login: exhausted retries")
}

func nonRetryable(err error) bool {
	s := err.Error()
	for _, code := range []string{"M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM"} {
		if strings.Contains(s, code) {
			return true
		}
	}
	return false
}

// Send posts a message, split into numbered parts when it is too long.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.client == nil {
		return fmt.Errorf("matrix channel not started")
	}
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Stop stops syncing.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if !c.accepts(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgEmote {
		return
	}

	lock := c.roomLock(evt.RoomID)
	lock.Lock()
	defer lock.Unlock()

	slog.Info("matrix message received", "sender", evt.Sender, "room", evt.RoomID, "content", truncate(content.Body, 100))
	msg := channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}

	c.typing(ctx, evt.RoomID, true)
	reply, err := c.handler(ctx, msg)
	c.typing(ctx, evt.RoomID, false)

	if err != nil {
		slog.Error("message handler error", "room", evt.RoomID, "error", err)
		reply = fmt.Sprintf("*(Error: %s)*", err)
	}
	if reply == "" {
		return
	}
	if err := c.Send(ctx, channel.Response{RoomID: string(evt.RoomID), Content: reply}); err != nil {
		slog.Warn("failed to deliver reply", "room", evt.RoomID, "error", err)
	}
}

// accepts filters our own echoes, backlog from before start and senders
// outside the allowlist.
func (c *Channel) accepts(evt *event.Event) bool {
	if evt.Sender == c.client.UserID {
		return false
	}
	if evt.Timestamp < c.startTime {
		return false
	}
	return isAllowed(c.config.AllowedUsers, evt.Sender)
}

func (c *Channel) typing(ctx context.Context, roomID id.RoomID, on bool) {
	if _, err := c.client.UserTyping(ctx, roomID, on, typingTimeout); err != nil {
		slog.Debug("typing notification failed", "room", roomID, "error", err)
	}
}

func (c *Channel) roomLock(roomID id.RoomID) *sync.Mutex {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	l, ok := c.rooms[roomID]
	if !ok {
		l = &sync.Mutex{}
		c.rooms[roomID] = l
	}
	return l
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !isAllowed(c.config.AllowedUsers, evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return fmt.Errorf("saved credentials have no access token")
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save Matrix credentials", "error", err)
	}
}

// isAllowed reports whether sender may talk to the bot. An empty allowlist
// admits everyone.
func isAllowed(allowed []string, sender id.UserID) bool {
	open := true
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		open = false
		if a == string(sender) {
			return true
		}
	}
	return open
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring
// paragraph, line and word boundaries and never splitting a rune.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := boundary(s, maxLen)
		chunk := strings.TrimRight(s[:cut], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		s = strings.TrimLeft(s[cut:], " \n")
	}
	if s = strings.TrimRight(s, " \n"); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func boundary(s string, maxLen int) int {
	window := s[:maxLen]
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > maxLen/2 {
			return i + len(sep)
		}
	}
	cut := maxLen
	// back up to a rune start
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	if cut == 0 {
		return maxLen
	}
	return cut
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
