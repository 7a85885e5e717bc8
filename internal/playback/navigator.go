package playback

import (
	"errors"
	"fmt"
	"time"

	"story-playback/internal/stories"
)

var (
	// ErrNotIdle is returned when opening a session that already started.
	ErrNotIdle = errors.New("viewer session already opened")
	// ErrInvalidTransition is returned for a state change the session does not allow.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrGroupNotFound is returned when opening a user without a story group.
	ErrGroupNotFound = errors.New("story group not found")
)

// Navigator owns the session state and the cursor. It resolves items by
// identity against the repository on every read, so merges never leave it
// pointing at a stale position.
type Navigator struct {
	repo   stories.Repository
	state  State
	cursor Cursor

	// groupPos is the feed position of the current group, kept so the scan for
	// the next group still works after the current group is destroyed.
	groupPos int
}

// NewNavigator returns an idle navigator.
func NewNavigator(repo stories.Repository) *Navigator {
	return &Navigator{repo: repo}
}

// State returns the session state.
func (n *Navigator) State() State { return n.state }

// Cursor returns a copy of the cursor.
func (n *Navigator) Cursor() Cursor { return n.cursor }

func (n *Navigator) transition(to State) error {
	if !canTransition(n.state, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, n.state, to)
	}
	n.state = to
	n.cursor.Paused = to == StatePaused
	return nil
}

// Items returns the playable items of the current group.
func (n *Navigator) Items(now time.Time) []stories.Item {
	items, _ := stories.PlayableAt(n.repo, n.cursor.GroupID, now)
	return items
}

// Current returns the active item.
func (n *Navigator) Current(now time.Time) (stories.Item, bool) {
	if n.cursor.ItemID == "" {
		return stories.Item{}, false
	}
	items := n.Items(now)
	if i := stories.Resolve(items, n.cursor.ItemID); i >= 0 {
		return items[i], true
	}
	return stories.Item{}, false
}

// Open starts the session at userID's group, or at the next group with
// playable items. It returns false if no group has any.
func (n *Navigator) Open(userID stories.UserID, now time.Time) (bool, error) {
	if n.state != StateIdle {
		return false, ErrNotIdle
	}

	ids := n.repo.UserIDs()
	start := indexOfUser(ids, userID)
	if start < 0 {
		return false, ErrGroupNotFound
	}
	for _, id := range ids[start:] {
		if n.enterGroup(id, now) {
			n.groupPos = indexOfUser(ids, id)
			return true, n.transition(StateLoading)
		}
	}
	return false, nil
}

// enterGroup moves the cursor to the group's first unseen playable item.
func (n *Navigator) enterGroup(userID stories.UserID, now time.Time) bool {
	items, ok := stories.PlayableAt(n.repo, userID, now)
	if !ok || len(items) == 0 {
		return false
	}
	n.setItem(userID, stories.FirstUnseen(items), items)
	return true
}

func (n *Navigator) setItem(userID stories.UserID, index int, items []stories.Item) {
	n.cursor = Cursor{
		GroupID:   userID,
		ItemIndex: index,
		ItemID:    items[index].ID,
	}
}

// target is a candidate next item.
type target struct {
	groupID stories.UserID
	index   int
	item    stories.Item
	items   []stories.Item
}

// peekNext finds the item after the cursor: the next item of the group, else
// the first unseen item of the next group in feed order with playable items.
// from is the position in the current group's playable items to continue at.
func (n *Navigator) peekNext(now time.Time, from int) (target, bool) {
	items := n.Items(now)
	if from >= 0 && from < len(items) {
		return target{groupID: n.cursor.GroupID, index: from, item: items[from], items: items}, true
	}

	ids := n.repo.UserIDs()
	start := indexOfUser(ids, n.cursor.GroupID) + 1
	if start == 0 {
		// The current group is gone; its successors shifted into its slot.
		start = n.groupPos
	}
	for i := start; i < len(ids); i++ {
		next, ok := stories.PlayableAt(n.repo, ids[i], now)
		if !ok || len(next) == 0 {
			continue
		}
		idx := stories.FirstUnseen(next)
		return target{groupID: ids[i], index: idx, item: next[idx], items: next}, true
	}
	return target{}, false
}

// PeekNext returns the item a forward step would land on, for preloading.
func (n *Navigator) PeekNext(now time.Time) (stories.Item, bool) {
	t, ok := n.peekNext(now, n.successor(now))
	return t.item, ok
}

// successor returns the position in the group's playable items where a
// forward step continues. An item that expired while active is still in the
// raw group, so its successor is the first unexpired item after it. A removed
// item leaves its successor at the old index.
func (n *Navigator) successor(now time.Time) int {
	if i := stories.Resolve(n.Items(now), n.cursor.ItemID); i >= 0 {
		return i + 1
	}
	if g, ok := n.repo.Snapshot(n.cursor.GroupID); ok {
		if raw := stories.Resolve(g.Items, n.cursor.ItemID); raw >= 0 {
			return len(stories.Group{Items: g.Items[:raw]}.Playable(now))
		}
	}
	return n.cursor.ItemIndex
}

// Next moves forward one item. It returns false and closes the session when
// the feed is exhausted.
func (n *Navigator) Next(now time.Time) (bool, error) {
	return n.step(now, n.successor(now))
}

// Skip continues after the current item disappeared, by removal or expiry.
// It lands where Next would.
func (n *Navigator) Skip(now time.Time) (bool, error) {
	return n.step(now, n.successor(now))
}

func (n *Navigator) step(now time.Time, from int) (bool, error) {
	if err := n.transition(StateTransitioning); err != nil {
		return false, err
	}

	t, ok := n.peekNext(now, from)
	if !ok {
		return false, n.transition(StateClosed)
	}
	if t.groupID != n.cursor.GroupID {
		n.groupPos = indexOfUser(n.repo.UserIDs(), t.groupID)
	}
	n.setItem(t.groupID, t.index, t.items)
	return true, n.transition(StateLoading)
}

// Previous moves back one item within the group. At the first item it is a
// no-op and returns false.
func (n *Navigator) Previous(now time.Time) (bool, error) {
	items := n.Items(now)
	idx := stories.Resolve(items, n.cursor.ItemID)
	if idx <= 0 {
		return false, nil
	}
	if err := n.transition(StateTransitioning); err != nil {
		return false, err
	}
	n.setItem(n.cursor.GroupID, idx-1, items)
	return true, n.transition(StateLoading)
}

// Resolve re-reads the cursor after a merge. It updates the index, and the
// item ID when an optimistic item was finalized. It returns false if the
// current item no longer exists.
func (n *Navigator) Resolve(now time.Time) bool {
	if pos := indexOfUser(n.repo.UserIDs(), n.cursor.GroupID); pos >= 0 {
		n.groupPos = pos
	}
	items := n.Items(now)
	idx := stories.Resolve(items, n.cursor.ItemID)
	if idx < 0 {
		return false
	}
	n.cursor.ItemIndex = idx
	n.cursor.ItemID = items[idx].ID
	return true
}

// Close ends the session. It returns false if it was already closed.
func (n *Navigator) Close() bool {
	if n.state == StateClosed {
		return false
	}
	n.state = StateClosed
	n.cursor.Paused = false
	return true
}

func (n *Navigator) setProgress(p float64) { n.cursor.Progress = p }

func (n *Navigator) setBuffering(b bool) { n.cursor.Buffering = b }

func (n *Navigator) addPaused(d time.Duration) { n.cursor.AccumulatedPaused += d }

func indexOfUser(ids []stories.UserID, id stories.UserID) int {
	for i, uid := range ids {
		if uid == id {
			return i
		}
	}
	return -1
}
