// ABOUTME: Agent commands typed into Matrix workplace rooms
// ABOUTME: Queue browsing, taking, postponing, resolving, tagging and customer profiles

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/client"
	"github.com/2389/frontdesk/internal/errs"
	"github.com/2389/frontdesk/internal/texts"
)

// queuePreview bounds the !queue listing.
const queuePreview = 10

// handleCommand runs one agent command. line has the prefix stripped.
func (b *Bridge) handleCommand(ctx context.Context, agent *api.Agent, room, line string) {
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)
	t := b.text()

	switch name {
	case "start", "help", "":
		b.send(ctx, room, texts.Text{Body: t.AgentStart() + "\n\n" + b.helpText(), Format: texts.FormatMarkdown})

	case "queue":
		b.cmdQueue(ctx, room)

	case "take":
		b.cmdTake(ctx, agent, room, arg)

	case "postpone":
		b.withConversation(ctx, agent, room, func(conv *api.Conversation) error {
			_, err := b.api.Postpone(ctx, conv.ID)
			return err
		})

	case "resolve":
		b.withConversation(ctx, agent, room, func(conv *api.Conversation) error {
			_, err := b.api.Resolve(ctx, conv.ID)
			return err
		})

	case "tag", "untag":
		if arg == "" {
			b.reply(ctx, room, t.TagUsage())
			return
		}
		b.withConversation(ctx, agent, room, func(conv *api.Conversation) error {
			var err error
			if name == "tag" {
				conv, err = b.api.AddTag(ctx, conv.ID, arg)
			} else {
				conv, err = b.api.RemoveTag(ctx, conv.ID, arg)
			}
			if err != nil {
				return err
			}
			b.reply(ctx, room, strings.Join(conv.Tags, ", "))
			return nil
		})

	case "tags":
		b.cmdTags(ctx, agent, room)

	case "newtag":
		b.cmdNewTag(ctx, agent, room, arg)

	case "profile":
		b.withConversation(ctx, agent, room, func(conv *api.Conversation) error {
			cust, err := b.api.GetCustomer(ctx, conv.CustomerID)
			if err != nil {
				return err
			}
			b.send(ctx, room, t.CustomerProfile(cust.ToCustomer()))
			return nil
		})

	default:
		b.send(ctx, room, texts.Text{Body: b.helpText(), Format: texts.FormatMarkdown})
	}
}

func (b *Bridge) helpText() string {
	p := b.config.Bridge.CommandPrefix
	lines := []string{
		"`" + p + "queue` waiting conversations",
		"`" + p + "take [id]` take a conversation into this room",
		"`" + p + "postpone` return it to the queue",
		"`" + p + "resolve` close it",
		"`" + p + "tags`, `" + p + "tag <name>`, `" + p + "untag <name>`, `" + p + "newtag <name>`",
		"`" + p + "profile` customer details",
	}
	return "- " + strings.Join(lines, "\n- ")
}

// withConversation runs fn on the conversation assigned to this room.
func (b *Bridge) withConversation(ctx context.Context, agent *api.Agent, room string, fn func(*api.Conversation) error) {
	conv, err := b.activeConversation(ctx, agent.ID, room)
	if err != nil {
		b.replyError(ctx, room, err)
		return
	}
	if conv == nil {
		b.reply(ctx, room, b.text().WorkplaceNotAssigned())
		return
	}
	if err := fn(conv); err != nil {
		b.replyError(ctx, room, err)
	}
}

func (b *Bridge) cmdQueue(ctx context.Context, room string) {
	queue, err := b.api.Queue(ctx, queuePreview)
	if err != nil {
		b.replyError(ctx, room, err)
		return
	}
	if len(queue) == 0 {
		b.reply(ctx, room, "The queue is empty.")
		return
	}
	var sb strings.Builder
	for _, conv := range queue {
		who := conv.CustomerID
		if cust, err := b.api.GetCustomer(ctx, conv.CustomerID); err == nil {
			who = customerLabel(cust)
		}
		fmt.Fprintf(&sb, "- %s, waiting since %s: `%stake %s`\n",
			who, api.ParseTime(conv.CreatedAt).Local().Format("Jan 02 15:04"), b.config.Bridge.CommandPrefix, conv.ID)
	}
	b.send(ctx, room, texts.Text{Body: sb.String(), Format: texts.FormatMarkdown})
}

// cmdTake assigns a conversation, or the oldest waiting one, to this room.
func (b *Bridge) cmdTake(ctx context.Context, agent *api.Agent, room, convID string) {
	wpID, err := b.workplaceID(ctx, agent.ID, room)
	if err != nil {
		b.replyError(ctx, room, err)
		return
	}
	if convID == "" {
		queue, err := b.api.Queue(ctx, 1)
		if err != nil {
			b.replyError(ctx, room, err)
			return
		}
		if len(queue) == 0 {
			b.reply(ctx, room, "The queue is empty.")
			return
		}
		convID = queue[0].ID
	}
	// The assigned event brings the conversation history into the room.
	if _, err := b.api.Assign(ctx, convID, client.AssignByWorkplace(wpID)); err != nil {
		b.replyError(ctx, room, err)
	}
}

// cmdTags lists every tag, marking those on the current conversation.
func (b *Bridge) cmdTags(ctx context.Context, agent *api.Agent, room string) {
	b.withConversation(ctx, agent, room, func(conv *api.Conversation) error {
		all, err := b.api.ListTags(ctx)
		if err != nil {
			return err
		}
		if len(all) == 0 {
			b.reply(ctx, room, b.text().TagUsage())
			return nil
		}
		t := b.text()
		lines := make([]string, 0, len(all))
		for _, tag := range all {
			if slices.Contains(conv.Tags, tag.Name) {
				lines = append(lines, t.RemoveTagButton(tag.Name))
			} else {
				lines = append(lines, t.AddTagButton(tag.Name))
			}
		}
		b.reply(ctx, room, strings.Join(lines, "\n"))
		return nil
	})
}

func (b *Bridge) cmdNewTag(ctx context.Context, agent *api.Agent, room, name string) {
	t := b.text()
	if name == "" {
		b.reply(ctx, room, t.TagUsage())
		return
	}
	_, err := b.api.CreateTag(ctx, name, agent.ID)
	switch {
	case err == nil:
		b.reply(ctx, room, t.TagCreated(name))
	case errors.Is(err, errs.ErrPermissionDenied):
		b.reply(ctx, room, t.TagPermissionDenied())
	case errors.Is(err, errs.ErrConflict):
		b.reply(ctx, room, t.TagAlreadyExists(name))
	default:
		b.replyError(ctx, room, err)
	}
}

// replyError tells the agent what went wrong in their terms.
func (b *Bridge) replyError(ctx context.Context, room string, err error) {
	b.logger.Warn("agent command failed", "room", room, "error", err)
	switch {
	case errors.Is(err, errs.ErrPermissionDenied):
		b.reply(ctx, room, b.text().AgentPermissionDenied())
	case errors.Is(err, errs.ErrNotFound):
		b.reply(ctx, room, "Not found.")
	default:
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			b.reply(ctx, room, "Error: "+apiErr.Message)
			return
		}
		b.reply(ctx, room, "Error: backend unavailable, try again.")
	}
}

// customerLabel is a short human name for a customer.
func customerLabel(c *api.Customer) string {
	switch {
	case c.Name != "" && c.Username != "":
		return c.Name + " (@" + c.Username + ")"
	case c.Name != "":
		return c.Name
	case c.Username != "":
		return "@" + c.Username
	}
	for _, ident := range c.Identifications {
		if ident.Channel == channel {
			return ident.Key
		}
	}
	return c.ID
}
