package stories

import (
	"errors"
	"fmt"
)

// MergeResult describes what applying an event changed.
type MergeResult struct {
	Type    EventType
	Owner   UserID
	StoryID StoryID
	// Created is true when story_created appended a new item.
	Created bool
	// Removed is true when story_deleted removed an item.
	Removed bool
}

// Merger folds push events into a Repository by identity.
type Merger struct {
	repo Repository
	self UserID
}

// NewMerger returns a Merger for the viewer identified by self.
func NewMerger(repo Repository, self UserID) *Merger {
	return &Merger{repo: repo, self: self}
}

// Apply validates ev and applies it. Applying the same event twice leaves the
// collections as applying it once. A story_deleted for an unknown item is a
// no-op, since local deletes remove the item before the push echo arrives.
func (m *Merger) Apply(ev Event) (MergeResult, error) {
	if err := ev.Validate(); err != nil {
		return MergeResult{}, err
	}

	res := MergeResult{Type: ev.Type, Owner: ev.UserID, StoryID: ev.StoryID}

	switch ev.Type {
	case EventStoryCreated:
		item := *ev.Item
		if item.TempID == "" {
			item.TempID = ev.TempID
		}
		res.StoryID = item.ID
		res.Created = m.repo.UpsertItem(ev.Owner(), item)

	case EventStoryLiked:
		updated, err := m.repo.UpdateItem(ev.StoryID, func(it *Item) {
			m.applyLike(it, ev)
		})
		if err != nil {
			return res, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		res.StoryID = updated.ID
		res.Owner = m.ownerOf(updated.ID, ev.UserID)

	case EventStoryViewedAck:
		if _, err := m.repo.UpdateItem(ev.StoryID, func(it *Item) { it.Viewed = true }); err != nil {
			return res, fmt.Errorf("apply %s: %w", ev.Type, err)
		}
		res.Owner = m.ownerOf(ev.StoryID, ev.UserID)

	case EventStoryDeleted:
		owner, ok := m.repo.RemoveItem(ev.StoryID)
		res.Removed = ok
		if ok {
			res.Owner = owner
		}
	}

	return res, nil
}

// SetLikes overwrites an item's likes with an authoritative set, such as a
// like-toggle response.
func (m *Merger) SetLikes(id StoryID, likes []Liker, liked bool) (Item, error) {
	return m.repo.UpdateItem(id, func(it *Item) {
		it.Likes = DedupeLikers(likes)
		it.Liked = liked
	})
}

func (m *Merger) applyLike(it *Item, ev Event) {
	if ev.Likes != nil {
		it.Likes = DedupeLikers(ev.Likes)
		it.Liked = it.HasLiker(m.self)
		return
	}

	if ev.Liked {
		it.Likes = AddLiker(it.Likes, *ev.Liker)
	} else {
		it.Likes = RemoveLiker(it.Likes, ev.Liker.UserID)
	}
	if ev.Liker.UserID == m.self {
		it.Liked = ev.Liked
	}
}

func (m *Merger) ownerOf(id StoryID, fallback UserID) UserID {
	owner, _, ok := m.repo.FindItem(id)
	if !ok {
		return fallback
	}
	return owner
}

// IsNotFound reports whether err means the event referenced an unknown item.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrStoryNotFound)
}
