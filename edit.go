package worlds

import "context"

// AgentFailure records a per-agent cascade failure.
type AgentFailure struct {
	AgentID string `json:"agentId"`
	Error   string `json:"error"`
}

// RemovalResult reports a removal cascade across all agents of a world.
type RemovalResult struct {
	TotalAgents          int            `json:"totalAgents"`
	ProcessedAgents      int            `json:"processedAgents"`
	FailedAgents         []AgentFailure `json:"failedAgents,omitempty"`
	MessagesRemovedTotal int            `json:"messagesRemovedTotal"`
	Success              bool           `json:"success"`
}

// EditResult extends RemovalResult with the resubmission outcome.
type EditResult struct {
	RemovalResult
	// MessageID is the id of the resubmitted user message, when one was
	// published.
	MessageID          string `json:"messageId,omitempty"`
	ResubmissionStatus string `json:"resubmissionStatus"` // success, failed, skipped
	ResubmissionError  string `json:"resubmissionError,omitempty"`
}

// RemoveMessagesFrom drops, for every agent, all memory entries attributed
// to chatID from the target message onward. Entries strictly after the
// target's createdAt always drop; entries sharing its timestamp drop only
// from the target's position on, so a same-millisecond predecessor
// survives. Per-agent failures do not stop the cascade; they are collected
// and the overall Success flag cleared.
func RemoveMessagesFrom(ctx context.Context, st Storage, w *World, messageID, chatID string) (RemovalResult, error) {
	var targetAt int64
	found := false
	for _, a := range w.Agents {
		for _, m := range a.Memory {
			if m.MessageID == messageID && m.ChatID == chatID {
				targetAt = m.CreatedAt
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	if !found {
		return RemovalResult{}, &NotFoundError{Kind: "message", ID: messageID}
	}

	res := RemovalResult{TotalAgents: len(w.Agents), Success: true}
	for _, a := range w.Agents {
		targetIdx := -1
		for i, m := range a.Memory {
			if m.MessageID == messageID && m.ChatID == chatID {
				targetIdx = i
				break
			}
		}
		kept := a.Memory[:0:0]
		removed := 0
		for i, m := range a.Memory {
			drop := false
			if m.ChatID == chatID {
				switch {
				case m.CreatedAt > targetAt:
					drop = true
				case m.CreatedAt == targetAt:
					// Position breaks timestamp ties when this agent holds
					// the target; without it the timestamp is all we have.
					drop = targetIdx < 0 || i >= targetIdx
				}
			}
			if drop {
				removed++
				continue
			}
			kept = append(kept, m)
		}
		if removed == 0 {
			res.ProcessedAgents++
			continue
		}
		if err := st.SaveAgentMemory(ctx, w.ID, a.ID, kept); err != nil {
			res.FailedAgents = append(res.FailedAgents, AgentFailure{AgentID: a.ID, Error: err.Error()})
			res.Success = false
			continue
		}
		a.Memory = kept
		res.ProcessedAgents++
		res.MessagesRemovedTotal += removed
	}
	return res, nil
}

// EditUserMessage replaces a user message and its downstream history, then
// resubmits the new content when session mode targets the edited chat.
// publish is the facade's message publication hook; it returns the new
// message id.
func EditUserMessage(ctx context.Context, st Storage, w *World, messageID, newContent, chatID string,
	publish func(content, sender, chatID string) (string, error)) (EditResult, error) {

	if w.IsProcessing {
		return EditResult{}, &ConflictError{
			CodeStr: "PROCESSING_IN_PROGRESS",
			Message: "cannot edit while message processing is in progress",
		}
	}

	if _, ok := findUserMessage(w, messageID, chatID); !ok {
		return EditResult{}, &NotFoundError{Kind: "message", ID: messageID}
	}

	removal, err := RemoveMessagesFrom(ctx, st, w, messageID, chatID)
	if err != nil {
		return EditResult{}, err
	}

	res := EditResult{RemovalResult: removal}
	switch {
	case w.CurrentChatID == "":
		res.ResubmissionStatus = "skipped"
		res.ResubmissionError = "Session mode is OFF"
	case w.CurrentChatID != chatID:
		res.ResubmissionStatus = "skipped"
		res.ResubmissionError = "Cannot resubmit: chatId does not match current chat"
	default:
		newID, err := publish(newContent, "human", chatID)
		if err != nil {
			res.ResubmissionStatus = "failed"
			res.ResubmissionError = err.Error()
		} else {
			res.ResubmissionStatus = "success"
			res.MessageID = newID
		}
	}
	return res, nil
}

// findUserMessage locates a user-role message owned by the chat.
func findUserMessage(w *World, messageID, chatID string) (AgentMessage, bool) {
	for _, a := range w.Agents {
		for _, m := range a.Memory {
			if m.MessageID == messageID && m.ChatID == chatID && m.Role == "user" {
				return m, true
			}
		}
	}
	return AgentMessage{}, false
}

// MigrateMessageIDs assigns a fresh unique id to every memory entry
// lacking one, preserving existing ids. Returns the number newly assigned;
// a second call returns 0.
func MigrateMessageIDs(ctx context.Context, st Storage, w *World) (int, error) {
	assigned := 0
	for _, a := range w.Agents {
		changed := false
		for i := range a.Memory {
			if a.Memory[i].MessageID == "" {
				a.Memory[i].MessageID = NewID()
				assigned++
				changed = true
			}
		}
		if !changed {
			continue
		}
		if err := st.SaveAgentMemory(ctx, w.ID, a.ID, a.Memory); err != nil {
			return assigned, err
		}
	}
	return assigned, nil
}
