package signalservice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gwillem/signal-courier/internal/proto"
	"github.com/gwillem/signal-courier/internal/store"
)

// Summaries carried in the CustomMessage of group info messages.
const (
	GroupBecameMember = "GROUP_BECAME_MEMBER"
	GroupTitleChanged = "GROUP_TITLE_CHANGED"
	GroupUpdated      = "GROUP_UPDATED"
	GroupMemberJoined = "GROUP_MEMBER_JOINED"
	GroupMemberLeft   = "GROUP_MEMBER_LEFT"
)

// handleGroupMessage applies a data message carrying a group context.
func (c *Coordinator) handleGroupMessage(ctx context.Context, env *proto.Envelope, dm *proto.DataMessage) *store.Message {
	groupID := groupIDString(dm.Group.ID)
	log := c.log.With().Str("group", groupID).Str("source", env.Source).Stringer("group_type", dm.Group.Type).Logger()

	switch dm.Group.Type {
	case proto.GroupUpdate:
		return c.handleGroupUpdate(groupID, env, dm.Group)
	case proto.GroupQuit:
		return c.handleGroupQuit(groupID, env)
	case proto.GroupDeliver:
		chat := c.s.store.Chat(groupID)
		if chat == nil {
			c.requestUnknownGroup(ctx, groupID, env.Source)
			return nil
		}
		return c.deliverIncoming(ctx, chat, env, dm)
	case proto.GroupRequestInfo:
		c.answerGroupInfoRequest(ctx, groupID, env.Source)
		return nil
	default:
		log.Info().Msg("ignoring group message")
		return nil
	}
}

func (c *Coordinator) handleGroupUpdate(groupID string, env *proto.Envelope, g *proto.GroupContext) *store.Message {
	var summary, info string
	_, err := c.s.store.UpsertChat(groupID, func(chat *store.Chat, existed bool) error {
		var prior *store.Chat
		var oldMembers []string
		if existed {
			prior, oldMembers = chat, chat.RecipientIdentifiers
		}
		members := unionMembers(oldMembers, g.Members)
		summary, info = updateSummary(prior, oldMembers, members, g.Name)
		chat.RecipientIdentifiers = members
		if g.Name != "" {
			chat.Name = g.Name
		}
		return nil
	})
	if err != nil {
		c.log.Error().Err(err).Str("group", groupID).Msg("failed to persist group update")
		return nil
	}

	msg := store.NewInfoMessage(groupID, env.Source, store.InfoGroupUpdate, summary, info)
	if err := c.s.store.SaveMessage(msg); err != nil {
		c.log.Error().Err(err).Str("group", groupID).Msg("failed to persist group update info")
		return nil
	}
	return msg
}

// updateSummary describes a membership or title change. It returns the
// summary code and a detail string: the chat name, the new title, or the
// joiners and leavers separated by ", ".
func updateSummary(prior *store.Chat, oldMembers, newMembers []string, name string) (string, string) {
	if prior == nil || len(oldMembers) == 0 {
		title := name
		if title == "" && prior != nil {
			title = prior.Name
		}
		return GroupBecameMember, title
	}
	// A provisional chat is still named after its id; its first real name
	// is not a rename.
	if name != "" && name != prior.Name && prior.Name != prior.UniqueID {
		return GroupTitleChanged, name
	}

	var joined, left []string
	for _, m := range newMembers {
		if !slices.Contains(oldMembers, m) {
			joined = append(joined, m)
		}
	}
	for _, m := range oldMembers {
		if !slices.Contains(newMembers, m) {
			left = append(left, m)
		}
	}
	var parts, details []string
	if len(joined) > 0 {
		parts = append(parts, GroupMemberJoined)
		details = append(details, joined...)
	}
	if len(left) > 0 {
		parts = append(parts, GroupMemberLeft)
		details = append(details, left...)
	}
	summary := GroupUpdated
	if len(parts) > 0 {
		summary += " " + strings.Join(parts, " ")
	}
	return summary, strings.Join(details, ", ")
}

func unionMembers(a, b []string) []string {
	out := slices.Clone(a)
	for _, m := range b {
		if m != "" && !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

func (c *Coordinator) handleGroupQuit(groupID string, env *proto.Envelope) *store.Message {
	_, err := c.s.store.UpdateChat(groupID, func(chat *store.Chat) error {
		chat.RecipientIdentifiers = slices.DeleteFunc(chat.RecipientIdentifiers, func(m string) bool { return m == env.Source })
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		c.log.Debug().Str("group", groupID).Msg("quit for unknown group")
		return nil
	}
	if err != nil {
		c.log.Error().Err(err).Str("group", groupID).Msg("failed to persist group quit")
		return nil
	}
	msg := store.NewInfoMessage(groupID, env.Source, store.InfoGroupQuit, GroupMemberLeft, env.Source)
	if err := c.s.store.SaveMessage(msg); err != nil {
		c.log.Error().Err(err).Str("group", groupID).Msg("failed to persist group quit info")
		return nil
	}
	return msg
}

// requestUnknownGroup creates a provisional chat with the sender and the
// local account as members and asks the sender for the group's details.
// The delivered message itself is dropped.
func (c *Coordinator) requestUnknownGroup(ctx context.Context, groupID, source string) {
	members := []string{source}
	if self := c.s.LocalIdentity(); self != "" && self != source {
		members = append(members, self)
	}
	if _, err := c.s.store.FetchOrCreateGroupChat(groupID, members); err != nil {
		c.log.Error().Err(err).Str("group", groupID).Msg("failed to create provisional group")
		return
	}
	if err := c.SendGroupInfoRequest(ctx, groupID, source); err != nil {
		c.log.Warn().Err(err).Str("group", groupID).Str("to", source).Msg("group info request failed")
	}
}

// SendGroupInfoRequest asks to for the name and membership of a group.
// The request is not persisted.
func (c *Coordinator) SendGroupInfoRequest(ctx context.Context, groupID, to string) error {
	if c.s.store.Chat(groupID) == nil {
		return fmt.Errorf("group %s: unknown chat", groupID)
	}
	msg := store.NewOutgoingMessage(groupID, to, "")
	msg.GroupMetaType = store.GroupMetaRequestInfo
	return c.send(ctx, msg, []string{to}, nil, false)
}

// answerGroupInfoRequest replies to requester with the group's current name
// and membership. Nothing is sent unless the group is known and both the
// requester and the local account are members.
func (c *Coordinator) answerGroupInfoRequest(ctx context.Context, groupID, requester string) {
	log := c.log.With().Str("group", groupID).Str("requester", requester).Logger()
	chat := c.s.store.Chat(groupID)
	if chat == nil {
		log.Debug().Msg("info request for unknown group")
		return
	}
	self := c.s.LocalIdentity()
	if !chat.HasMember(requester) || !chat.HasMember(self) {
		log.Info().Msg("ignoring info request from non-member")
		return
	}
	msg := store.NewOutgoingMessage(groupID, requester, "")
	msg.GroupMetaType = store.GroupMetaUpdate
	if err := c.send(ctx, msg, []string{requester}, nil, false); err != nil {
		log.Warn().Err(err).Msg("group info reply failed")
	}
}
