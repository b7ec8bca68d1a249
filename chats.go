package worlds

import (
	"context"
	"sort"
)

// NewChat creates a chat, makes it current, and persists world and chat.
func NewChat(ctx context.Context, st Storage, w *World, name string) (*Chat, error) {
	if name == "" {
		name = "New Chat"
	}
	now := NowUnix()
	c := &Chat{
		ID:        NewID(),
		WorldID:   w.ID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.SaveChat(ctx, w.ID, c); err != nil {
		return nil, err
	}
	w.Chats[c.ID] = c
	w.CurrentChatID = c.ID
	w.LastUpdated = now
	if err := st.SaveWorld(ctx, w); err != nil {
		return nil, err
	}
	return c, nil
}

// RestoreChat validates the chat exists and makes it current.
func RestoreChat(ctx context.Context, st Storage, w *World, chatID string) (*World, error) {
	if _, ok := w.Chats[chatID]; !ok {
		return nil, &NotFoundError{Kind: "chat", ID: chatID}
	}
	w.CurrentChatID = chatID
	w.LastUpdated = NowUnix()
	if err := st.SaveWorld(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// DeleteChat removes the chat and cascades: every agent drops memory
// entries attributed to it, journaled events are deleted when the backend
// keeps them, and the current-chat pointer is cleared if it pointed here.
func DeleteChat(ctx context.Context, st Storage, w *World, chatID string) error {
	if _, ok := w.Chats[chatID]; !ok {
		return &NotFoundError{Kind: "chat", ID: chatID}
	}
	if err := st.DeleteChat(ctx, w.ID, chatID); err != nil {
		return err
	}
	for _, a := range w.Agents {
		kept := a.Memory[:0:0]
		removed := false
		for _, m := range a.Memory {
			if m.ChatID == chatID {
				removed = true
				continue
			}
			kept = append(kept, m)
		}
		if !removed {
			continue
		}
		a.Memory = kept
		if err := st.SaveAgentMemory(ctx, w.ID, a.ID, kept); err != nil {
			return &StorageError{Op: StorageCascade, Err: err}
		}
	}
	if es, ok := st.(EventStorage); ok {
		if err := es.DeleteEventsByWorldAndChat(ctx, w.ID, chatID); err != nil {
			return &StorageError{Op: StorageCascade, Err: err}
		}
	}
	delete(w.Chats, chatID)
	if w.CurrentChatID == chatID {
		w.CurrentChatID = ""
	}
	w.LastUpdated = NowUnix()
	return st.SaveWorld(ctx, w)
}

// BranchResult reports the outcome of a branch operation.
type BranchResult struct {
	NewChatID          string `json:"newChatId"`
	CopiedMessageCount int    `json:"copiedMessageCount"`
}

// BranchChatFromMessage creates a new chat seeded with the source chat's
// history up to and including the assistant message identified by
// messageID. A non-assistant target resolves forward to the next assistant
// message within the source chat. Copied entries keep their messageId and
// get the new chat attribution. The current chat pointer is not changed.
func BranchChatFromMessage(ctx context.Context, st Storage, w *World, sourceChatID, messageID string) (BranchResult, error) {
	source, ok := w.Chats[sourceChatID]
	if !ok {
		return BranchResult{}, &NotFoundError{Kind: "chat", ID: sourceChatID}
	}

	now := NowUnix()
	branch := &Chat{
		ID:        NewID(),
		WorldID:   w.ID,
		Name:      "Branch of " + source.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	copied := 0
	found := false
	type agentCopy struct {
		agent  *Agent
		copies []AgentMessage
	}
	var plans []agentCopy

	for _, a := range w.Agents {
		sourceMsgs := make([]AgentMessage, 0, len(a.Memory))
		for _, m := range a.Memory {
			if m.ChatID == sourceChatID {
				sourceMsgs = append(sourceMsgs, m)
			}
		}
		cutoff := -1
		for i, m := range sourceMsgs {
			if m.MessageID != messageID {
				continue
			}
			found = true
			if m.Role == "assistant" {
				cutoff = i
				break
			}
			// Walk forward to the next assistant message in this chat.
			for j := i; j < len(sourceMsgs); j++ {
				if sourceMsgs[j].Role == "assistant" {
					cutoff = j
					break
				}
			}
			break
		}
		if cutoff < 0 {
			continue
		}
		copies := make([]AgentMessage, 0, cutoff+1)
		for _, m := range sourceMsgs[:cutoff+1] {
			c := m
			c.ChatID = branch.ID
			copies = append(copies, c)
		}
		plans = append(plans, agentCopy{agent: a, copies: copies})
		copied += len(copies)
	}

	if !found {
		return BranchResult{}, &NotFoundError{Kind: "message", ID: messageID}
	}

	branch.MessageCount = copied
	if err := st.SaveChat(ctx, w.ID, branch); err != nil {
		return BranchResult{}, err
	}
	for _, p := range plans {
		p.agent.Memory = append(p.agent.Memory, p.copies...)
		if err := st.SaveAgentMemory(ctx, w.ID, p.agent.ID, p.agent.Memory); err != nil {
			return BranchResult{}, err
		}
	}
	w.Chats[branch.ID] = branch
	w.LastUpdated = now
	if err := st.SaveWorld(ctx, w); err != nil {
		return BranchResult{}, err
	}
	return BranchResult{NewChatID: branch.ID, CopiedMessageCount: copied}, nil
}

// ListChats returns the world's chats sorted by updatedAt descending.
func ListChats(ctx context.Context, st Storage, worldID string) ([]*Chat, error) {
	chats, err := st.ListChats(ctx, worldID)
	if err != nil {
		return nil, err
	}
	sort.Slice(chats, func(i, j int) bool {
		return chats[i].UpdatedAt > chats[j].UpdatedAt
	})
	return chats, nil
}
