package stories

// Store is the persistence abstraction for story groups.
// The Repository uses Store for all reads and writes and serializes access;
// Store implementations need not be safe for concurrent use.
type Store interface {
	GetGroup(id UserID) (*Group, bool)
	// SetGroup stores g. A group not yet present is appended to the feed order.
	SetGroup(g *Group)
	// DeleteGroup removes the group and its slot in the feed order.
	DeleteGroup(id UserID)
	// ListUserIDs returns the group owners in feed order.
	ListUserIDs() []UserID
	// Reset drops every group.
	Reset()
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	groups map[UserID]*Group
	order  []UserID
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		groups: make(map[UserID]*Group),
	}
}

// GetGroup implements Store.GetGroup.
func (s *InMemoryStore) GetGroup(id UserID) (*Group, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// SetGroup implements Store.SetGroup.
func (s *InMemoryStore) SetGroup(g *Group) {
	if _, exists := s.groups[g.UserID]; !exists {
		s.order = append(s.order, g.UserID)
	}
	s.groups[g.UserID] = g
}

// DeleteGroup implements Store.DeleteGroup.
func (s *InMemoryStore) DeleteGroup(id UserID) {
	if _, exists := s.groups[id]; !exists {
		return
	}
	delete(s.groups, id)
	for i, uid := range s.order {
		if uid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ListUserIDs implements Store.ListUserIDs.
func (s *InMemoryStore) ListUserIDs() []UserID {
	ids := make([]UserID, len(s.order))
	copy(ids, s.order)
	return ids
}

// Reset implements Store.Reset.
func (s *InMemoryStore) Reset() {
	s.groups = make(map[UserID]*Group)
	s.order = nil
}
