package stories

import (
	"errors"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for reading and mutating
// the in-memory story collections. Every mutation is keyed by item or owner
// identity, never by position.
type Repository interface {
	// ReplaceFeed drops the current collections and loads groups in order.
	// Duplicate items are collapsed by ID and groups without items are skipped.
	ReplaceFeed(groups []Group)

	// UpsertItem inserts item into the owner's group, creating the group at the
	// end of the feed when needed. An item already present with the same ID, or
	// an optimistic item matching item.TempID, is replaced in place.
	// The created return is true when a new entry was appended.
	UpsertItem(owner Owner, item Item) (created bool)

	// RemoveItem deletes the item with the given ID. A group left without items
	// is destroyed. ok is false if no such item exists.
	RemoveItem(id StoryID) (owner UserID, ok bool)

	// UpdateItem applies fn to the stored item and returns the updated copy.
	UpdateItem(id StoryID, fn func(*Item)) (Item, error)

	// FindItem returns a copy of the item and its owner.
	FindItem(id StoryID) (UserID, Item, bool)

	// Snapshot returns a deep copy of the user's group. Callers filter expired
	// items with Group.Playable.
	Snapshot(userID UserID) (Group, bool)

	// UserIDs returns the group owners in feed order.
	UserIDs() []UserID

	// UnseenGroupCount returns the number of groups with at least one unviewed item.
	// Used for metrics.
	UnseenGroupCount() int
}

var (
	// ErrStoryNotFound is returned when an item ID is not in any group.
	ErrStoryNotFound = errors.New("story not found")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// ReplaceFeed implements Repository.ReplaceFeed.
func (r *InMemoryRepository) ReplaceFeed(groups []Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.Reset()
	for _, g := range groups {
		for _, it := range g.Items {
			r.upsertLocked(g.Owner, it)
		}
	}
}

// UpsertItem implements Repository.UpsertItem.
func (r *InMemoryRepository) UpsertItem(owner Owner, item Item) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upsertLocked(owner, item)
}

// RemoveItem implements Repository.RemoveItem.
func (r *InMemoryRepository) RemoveItem(id StoryID) (UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, idx, ok := r.locateLocked(id)
	if !ok {
		return "", false
	}

	group.Items = append(group.Items[:idx], group.Items[idx+1:]...)
	if len(group.Items) == 0 {
		r.store.DeleteGroup(group.UserID)
	}
	return group.UserID, true
}

// UpdateItem implements Repository.UpdateItem.
func (r *InMemoryRepository) UpdateItem(id StoryID, fn func(*Item)) (Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, idx, ok := r.locateLocked(id)
	if !ok {
		return Item{}, ErrStoryNotFound
	}

	it := copyItem(group.Items[idx])
	fn(&it)
	it.ID = id
	it.Likes = DedupeLikers(it.Likes)
	group.Items[idx] = it
	return copyItem(it), nil
}

// FindItem implements Repository.FindItem.
func (r *InMemoryRepository) FindItem(id StoryID) (UserID, Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, idx, ok := r.locateLocked(id)
	if !ok {
		return "", Item{}, false
	}
	return group.UserID, copyItem(group.Items[idx]), true
}

// Snapshot implements Repository.Snapshot.
func (r *InMemoryRepository) Snapshot(userID UserID) (Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.store.GetGroup(userID)
	if !ok {
		return Group{}, false
	}

	out := Group{Owner: g.Owner, Items: make([]Item, len(g.Items))}
	for i, it := range g.Items {
		out.Items[i] = copyItem(it)
	}
	return out, true
}

// UserIDs implements Repository.UserIDs.
func (r *InMemoryRepository) UserIDs() []UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.store.ListUserIDs()
}

// UnseenGroupCount implements Repository.UnseenGroupCount.
func (r *InMemoryRepository) UnseenGroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.ListUserIDs() {
		if g, ok := r.store.GetGroup(id); ok && g.HasUnseen() {
			n++
		}
	}
	return n
}

// upsertLocked inserts or replaces item in the owner's group.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) upsertLocked(owner Owner, item Item) bool {
	group := r.getOrCreateGroupLocked(owner)
	item = copyItem(item)
	item.Likes = DedupeLikers(item.Likes)

	for i, existing := range group.Items {
		if existing.ID == item.ID || (item.TempID != "" && (existing.TempID == item.TempID || string(existing.ID) == item.TempID)) {
			// Viewing is monotonic on this device; a late server copy must not
			// resurrect an item as unseen.
			item.Viewed = item.Viewed || existing.Viewed
			if item.TempID == "" {
				item.TempID = existing.TempID
			}
			group.Items[i] = item
			return false
		}
	}

	group.Items = append(group.Items, item)
	return true
}

// locateLocked finds the group and index holding id.
// Caller must hold r.mu.
func (r *InMemoryRepository) locateLocked(id StoryID) (*Group, int, bool) {
	for _, uid := range r.store.ListUserIDs() {
		g, ok := r.store.GetGroup(uid)
		if !ok {
			continue
		}
		if idx := IndexOf(g.Items, id); idx >= 0 {
			return g, idx, true
		}
	}
	return nil, 0, false
}

// getOrCreateGroupLocked returns an existing group or creates a new one.
// Caller must hold r.mu in write mode.
func (r *InMemoryRepository) getOrCreateGroupLocked(owner Owner) *Group {
	if g, ok := r.store.GetGroup(owner.UserID); ok {
		if owner.Username != "" {
			g.Username = owner.Username
		}
		if owner.AvatarRef != "" {
			g.AvatarRef = owner.AvatarRef
		}
		return g
	}

	g := &Group{Owner: owner}
	r.store.SetGroup(g)
	return g
}

func copyItem(it Item) Item {
	if it.Likes != nil {
		likes := make([]Liker, len(it.Likes))
		copy(likes, it.Likes)
		it.Likes = likes
	}
	return it
}

// ensure the in-memory implementation satisfies the contract.
var _ Repository = (*InMemoryRepository)(nil)

// PlayableAt is a convenience wrapper returning the user's unexpired items.
func PlayableAt(repo Repository, userID UserID, now time.Time) ([]Item, bool) {
	g, ok := repo.Snapshot(userID)
	if !ok {
		return nil, false
	}
	return g.Playable(now), true
}
