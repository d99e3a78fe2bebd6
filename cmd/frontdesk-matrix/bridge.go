// ABOUTME: Matrix bridge core for frontdesk-matrix
// ABOUTME: Logs into Matrix, routes inbound room messages to the backend and runs the event loop

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/client"
	"github.com/2389/frontdesk/internal/dedupe"
	"github.com/2389/frontdesk/internal/store"
	"github.com/2389/frontdesk/internal/texts"
)

// channel is the channel name this adapter identifies people on.
const channel = "matrix"

// roomMetadataKey is the identification metadata field holding the
// customer's DM room.
const roomMetadataKey = "room"

// inbound is one message received from a Matrix room.
type inbound struct {
	EventID    string
	Room       string
	Sender     string
	Body       string
	Attachment *api.Attachment
}

// outbound delivers bridge output to rooms.
type outbound interface {
	Send(ctx context.Context, room string, text texts.Text) error
	SendAttachment(ctx context.Context, room string, att api.Attachment) error
	Typing(ctx context.Context, room string, typing bool)
}

// Bridge connects Matrix rooms to the frontdesk backend.
type Bridge struct {
	config *Config
	matrix *mautrix.Client
	api    *client.Client
	out    outbound
	seen   *dedupe.Cache
	logger *slog.Logger

	textsMu sync.RWMutex
	texts   texts.Provider

	// customer ID -> DM room
	customerRooms sync.Map
	// workplace ID -> room, "" for workplaces on other channels
	workplaceRooms sync.Map
	// agent ID + room -> workplace ID
	workplaceIDs sync.Map

	botID   string
	started time.Time
}

// NewBridge creates a Matrix bridge. Call Login before Run.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	mc, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	b := newBridge(cfg, client.New(cfg.Backend.URL, cfg.Backend.Token), nil, logger)
	b.matrix = mc
	b.out = &matrixOutbound{client: mc, logger: b.logger}
	return b, nil
}

func newBridge(cfg *Config, apiClient *client.Client, out outbound, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	provider, _ := texts.Lookup("")
	return &Bridge{
		config:  cfg,
		api:     apiClient,
		out:     out,
		seen:    dedupe.New(dedupe.Options{TTL: cfg.Bridge.dedupeTTL}),
		logger:  logger.With("component", "matrix-bridge"),
		texts:   provider,
		started: time.Now(),
	}
}

func (b *Bridge) text() texts.Provider {
	b.textsMu.RLock()
	defer b.textsMu.RUnlock()
	return b.texts
}

// Login authenticates with the homeserver using the configured password.
// The device ID is kept in dataDir so restarts reuse one device and keep
// their encryption sessions.
func (b *Bridge) Login(ctx context.Context, dataDir string) error {
	devicePath := filepath.Join(dataDir, "device_id")
	var deviceID id.DeviceID
	if raw, err := os.ReadFile(devicePath); err == nil {
		deviceID = id.DeviceID(strings.TrimSpace(string(raw)))
	}

	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: "frontdesk-matrix",
		StoreCredentials:         true,
	})
	if err != nil {
		return err
	}
	b.botID = resp.UserID.String()
	if err := os.WriteFile(devicePath, []byte(resp.DeviceID), 0600); err != nil {
		b.logger.Warn("failed to save device id", "error", err)
	}
	b.logger.Info("logged in", "user_id", b.botID, "device_id", resp.DeviceID)
	return nil
}

// Run syncs with Matrix and consumes backend events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	info, err := b.api.Info(ctx)
	if err != nil {
		return fmt.Errorf("reaching backend: %w", err)
	}
	if provider, err := texts.Lookup(info.Language); err == nil {
		b.textsMu.Lock()
		b.texts = provider
		b.textsMu.Unlock()
	}
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"backend", b.config.Backend.URL,
		"language", info.Language,
	)
	defer b.seen.Close()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)
	if b.config.Bridge.AutoJoin {
		syncer.OnEventType(event.StateMember, b.handleMemberEvent)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := b.matrix.SyncWithContext(egCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("matrix sync failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return b.runEvents(egCtx)
	})

	b.logger.Info("matrix bridge running")
	err = eg.Wait()
	b.logger.Info("matrix bridge stopped")
	return err
}

// handleMemberEvent joins rooms the bot is invited to.
func (b *Bridge) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != b.botID {
		return
	}
	if _, err := b.matrix.JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.logger.Warn("failed to join room", "room", evt.RoomID.String(), "error", err)
		return
	}
	b.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// handleMessageEvent converts a Matrix message into an inbound message.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender.String() == b.botID {
		return
	}
	// The first sync replays recent history.
	if time.UnixMilli(evt.Timestamp).Before(b.started) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	in := inbound{
		EventID: evt.ID.String(),
		Room:    evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		Body:    strings.TrimSpace(content.Body),
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		att := &api.Attachment{URL: string(content.URL), Name: content.Body}
		if content.Info != nil {
			att.MimeType = content.Info.MimeType
		}
		in.Attachment = att
		in.Body = ""
	default:
		return
	}
	if in.Body == "" && in.Attachment == nil {
		return
	}

	b.logger.Info("received message",
		"room", in.Room,
		"sender", in.Sender,
		"content", truncate(in.Body, 50),
	)

	// Handled inline: sync delivers in room order and so does the backend.
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	b.handleInbound(ctx, in)
}

// requestTimeout bounds the backend calls made for one inbound message.
const requestTimeout = 30 * time.Second

// handleInbound routes a message to the agent or customer path.
func (b *Bridge) handleInbound(ctx context.Context, in inbound) {
	if b.seen.CheckAndMark(dedupe.Key(channel, in.EventID)) {
		b.logger.Debug("dropping redelivered message", "event_id", in.EventID)
		return
	}

	if b.config.Bridge.TypingIndicator {
		b.out.Typing(ctx, in.Room, true)
		defer b.out.Typing(ctx, in.Room, false)
	}

	agent, err := b.api.FindAgent(ctx, channel, in.Sender)
	switch {
	case err == nil && !agent.Deactivated:
		b.handleAgent(ctx, agent, in)
		return
	case err == nil, client.IsNotFound(err):
		// customers, and deactivated agents writing as customers
	default:
		b.logger.Error("agent lookup failed", "sender", in.Sender, "error", err)
		b.seen.Forget(dedupe.Key(channel, in.EventID))
		return
	}

	if err := b.handleCustomer(ctx, in); err != nil {
		b.logger.Error("customer message failed", "room", in.Room, "sender", in.Sender, "error", err)
		// Let a redelivery try again.
		b.seen.Forget(dedupe.Key(channel, in.EventID))
	}
}

func messageKind(in inbound) string {
	if in.Attachment != nil {
		return store.MessageKindAttachment
	}
	return store.MessageKindText
}

// handleCustomer appends a customer message to their open conversation,
// starting one if needed. A bare 1-5 after a resolution rates it instead.
func (b *Bridge) handleCustomer(ctx context.Context, in inbound) error {
	cust, err := b.api.IdentifyCustomer(ctx, api.Identification{
		Channel:  channel,
		Key:      in.Sender,
		Metadata: map[string]string{roomMetadataKey: in.Room},
	})
	if err != nil {
		return fmt.Errorf("identifying customer: %w", err)
	}
	b.customerRooms.Store(cust.ID, in.Room)

	if rating, ok := parseRating(in.Body); ok && in.Attachment == nil {
		rated, err := b.rateLastConversation(ctx, cust.ID, rating)
		if err != nil {
			return err
		}
		if rated {
			return nil
		}
	}

	conv, err := b.api.StartConversation(ctx, cust.ID)
	if err != nil {
		return fmt.Errorf("starting conversation: %w", err)
	}
	res, err := b.api.AddMessage(ctx, conv.ID, api.Message{
		Author:     string(store.AuthorCustomer),
		AuthorID:   cust.ID,
		Kind:       messageKind(in),
		Text:       in.Body,
		Attachment: in.Attachment,
	}, client.Idempotent(channel, in.EventID))
	if err != nil {
		return fmt.Errorf("adding message: %w", err)
	}
	if res.Duplicate {
		b.logger.Debug("backend already had message", "event_id", in.EventID)
	}
	return nil
}

// rateLastConversation rates the customer's most recently resolved,
// unrated conversation. It reports false when there is nothing to rate or
// the customer is mid-conversation.
func (b *Bridge) rateLastConversation(ctx context.Context, customerID string, rating int) (bool, error) {
	if _, err := b.api.OpenConversation(ctx, customerID); err == nil {
		return false, nil
	} else if !client.IsNotFound(err) {
		return false, fmt.Errorf("checking open conversation: %w", err)
	}

	convs, err := b.api.CustomerConversations(ctx, customerID)
	if err != nil {
		return false, fmt.Errorf("listing conversations: %w", err)
	}
	var last *api.Conversation
	for i := range convs {
		c := &convs[i]
		if c.State != string(store.StateResolved) {
			continue
		}
		if last == nil || api.ParseTime(c.ResolvedAt).After(api.ParseTime(last.ResolvedAt)) {
			last = c
		}
	}
	if last == nil || last.CustomerRating != 0 {
		return false, nil
	}
	if _, err := b.api.Rate(ctx, last.ID, rating); err != nil {
		return false, fmt.Errorf("rating conversation: %w", err)
	}
	return true, nil
}

// parseRating accepts a single digit from 1 to 5.
func parseRating(s string) (int, bool) {
	if len(s) != 1 || s[0] < '1' || s[0] > '5' {
		return 0, false
	}
	return int(s[0] - '0'), true
}

// handleAgent runs a command, or relays text into the conversation
// assigned to this room.
func (b *Bridge) handleAgent(ctx context.Context, agent *api.Agent, in inbound) {
	if prefix := b.config.Bridge.CommandPrefix; in.Attachment == nil && strings.HasPrefix(in.Body, prefix) {
		b.handleCommand(ctx, agent, in.Room, strings.TrimSpace(strings.TrimPrefix(in.Body, prefix)))
		return
	}

	conv, err := b.activeConversation(ctx, agent.ID, in.Room)
	if err != nil {
		b.replyError(ctx, in.Room, err)
		return
	}
	if conv == nil {
		b.reply(ctx, in.Room, b.text().WorkplaceNotAssigned())
		return
	}
	if _, err := b.api.AddMessage(ctx, conv.ID, api.Message{
		Author:     string(store.AuthorAgent),
		AuthorID:   agent.ID,
		Kind:       messageKind(in),
		Text:       in.Body,
		Attachment: in.Attachment,
	}, client.Idempotent(channel, in.EventID)); err != nil {
		b.replyError(ctx, in.Room, err)
	}
}

// workplaceID registers (or finds) the agent's workplace for a room.
func (b *Bridge) workplaceID(ctx context.Context, agentID, room string) (string, error) {
	key := agentID + "|" + room
	if v, ok := b.workplaceIDs.Load(key); ok {
		return v.(string), nil
	}
	wp, err := b.api.RegisterWorkplace(ctx, agentID, channel, room)
	if err != nil {
		return "", fmt.Errorf("registering workplace: %w", err)
	}
	b.workplaceIDs.Store(key, wp.ID)
	b.workplaceRooms.Store(wp.ID, room)
	return wp.ID, nil
}

// activeConversation returns the conversation assigned to the agent's
// workplace in room, or nil when it is free.
func (b *Bridge) activeConversation(ctx context.Context, agentID, room string) (*api.Conversation, error) {
	wpID, err := b.workplaceID(ctx, agentID, room)
	if err != nil {
		return nil, err
	}
	conv, err := b.api.WorkplaceConversation(ctx, wpID)
	if client.IsNotFound(err) {
		return nil, nil
	}
	return conv, err
}

func (b *Bridge) reply(ctx context.Context, room, text string) {
	b.send(ctx, room, texts.Text{Body: text, Format: texts.FormatPlain})
}

func (b *Bridge) send(ctx context.Context, room string, text texts.Text) {
	if room == "" {
		return
	}
	if err := b.out.Send(ctx, room, text); err != nil {
		b.logger.Error("failed to send message", "room", room, "error", err)
	}
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// typingTimeout is how long a typing notification lasts unless cleared.
const typingTimeout = 30 * time.Second

// matrixOutbound sends through the Matrix client API.
type matrixOutbound struct {
	client *mautrix.Client
	logger *slog.Logger
}

func (m *matrixOutbound) Send(ctx context.Context, room string, text texts.Text) error {
	ctx, cancel := context.WithTimeout(ctx, 3*networkTimeout)
	defer cancel()
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text.Body}
	if text.Format == texts.FormatMarkdown {
		content.Format = event.FormatHTML
		content.FormattedBody = text.HTML()
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content)
	return err
}

func (m *matrixOutbound) SendAttachment(ctx context.Context, room string, att api.Attachment) error {
	// Only Matrix media can be re-posted as media; anything else is a link.
	if !strings.HasPrefix(att.URL, "mxc://") {
		name := att.Name
		if name == "" {
			name = att.URL
		}
		return m.Send(ctx, room, texts.Text{Body: fmt.Sprintf("[%s](%s)", name, att.URL), Format: texts.FormatMarkdown})
	}
	ctx, cancel := context.WithTimeout(ctx, 3*networkTimeout)
	defer cancel()
	content := &event.MessageEventContent{
		MsgType: mediaType(att.MimeType),
		Body:    att.Name,
		URL:     id.ContentURIString(att.URL),
		Info:    &event.FileInfo{MimeType: att.MimeType},
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(room), event.EventMessage, content)
	return err
}

func (m *matrixOutbound) Typing(ctx context.Context, room string, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := m.client.UserTyping(ctx, id.RoomID(room), typing, timeout); err != nil {
		m.logger.Debug("failed to set typing indicator", "room", room, "error", err)
	}
}

// mediaType picks the Matrix msgtype for a MIME type.
func mediaType(mime string) event.MessageType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mime, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mime, "audio/"):
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}
