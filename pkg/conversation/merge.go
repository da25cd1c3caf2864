package conversation

import (
	"sort"

	"github.com/mahaj/presence-sync/pkg/model"
)

// mergeCandidates widens real conversations with placeholder entries for
// users the current user has not talked to yet. A real entry always wins
// over a placeholder for the same user.
func mergeCandidates(real []model.Conversation, candidates []model.User, currentUserID string) []model.Conversation {
	out := make([]model.Conversation, 0, len(real)+len(candidates))
	seen := make(map[string]int, len(real)+len(candidates))

	for _, c := range real {
		if i, dup := seen[c.UserID]; dup {
			if c.LastMessageTime.After(out[i].LastMessageTime) {
				out[i] = c
			}
			continue
		}
		seen[c.UserID] = len(out)
		out = append(out, c)
	}

	for _, u := range candidates {
		if u.ID == "" || u.ID == currentUserID {
			continue
		}
		if _, ok := seen[u.ID]; ok {
			continue
		}
		seen[u.ID] = len(out)
		out = append(out, model.Conversation{UserID: u.ID, UserName: u.Name})
	}

	sortConversations(out)
	return out
}

// reconcile applies a freshly fetched list over the local one. Local unread
// counters survive, and entries that local pushes moved past the fetched
// state keep their newer last message.
func reconcile(local, fetched []model.Conversation) []model.Conversation {
	out := append(make([]model.Conversation, 0, len(fetched)+len(local)), fetched...)
	idx := make(map[string]int, len(out))
	for i, c := range out {
		idx[c.UserID] = i
	}

	for _, c := range local {
		i, ok := idx[c.UserID]
		if !ok {
			if !c.LastMessageTime.IsZero() {
				idx[c.UserID] = len(out)
				out = append(out, c)
			}
			continue
		}
		out[i].Unread = c.Unread
		if c.LastMessageTime.After(out[i].LastMessageTime) {
			out[i].LastMessage = c.LastMessage
			out[i].LastMessageTime = c.LastMessageTime
		}
		if out[i].UserName == "" {
			out[i].UserName = c.UserName
		}
	}

	sortConversations(out)
	return out
}

// sortConversations orders by LastMessageTime, newest first. Entries that
// never had a message sink to the bottom in their existing order.
func sortConversations(convs []model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageTime.After(convs[j].LastMessageTime)
	})
}

// idSet remembers the most recent message ids, evicting the oldest once it
// holds limit entries.
type idSet struct {
	ids   map[string]struct{}
	order []string
	next  int
	limit int
}

func newIDSet(limit int) *idSet {
	return &idSet{ids: make(map[string]struct{}, limit), order: make([]string, 0, limit), limit: limit}
}

func (s *idSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *idSet) add(id string) {
	if s.has(id) {
		return
	}
	if len(s.order) < s.limit {
		s.order = append(s.order, id)
	} else {
		delete(s.ids, s.order[s.next])
		s.order[s.next] = id
		s.next = (s.next + 1) % s.limit
	}
	s.ids[id] = struct{}{}
}
