package stories

import (
	"errors"
	"fmt"
)

// EventType identifies a push event delivered by the live channel.
type EventType string

const (
	// EventStoryCreated announces a new item, possibly the owner's first of the window.
	EventStoryCreated EventType = "story_created"
	// EventStoryLiked announces a like or unlike on an item.
	EventStoryLiked EventType = "story_liked"
	// EventStoryViewedAck acknowledges a view receipt sent by this viewer.
	EventStoryViewedAck EventType = "story_viewed_ack"
	// EventStoryDeleted announces that an item was removed.
	EventStoryDeleted EventType = "story_deleted"
)

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one push-delivered change to the story collections.
type Event struct {
	Type      EventType `json:"type"`
	UserID    UserID    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
	StoryID   StoryID   `json:"story_id"`

	// Item is the created item for story_created.
	Item *Item `json:"item,omitempty"`
	// TempID matches an optimistic upload for story_created.
	TempID string `json:"temp_id,omitempty"`

	// Liker and Liked describe a story_liked change: Liked false means unlike.
	Liker *Liker `json:"liker,omitempty"`
	Liked bool   `json:"liked"`
	// Likes, when present on story_liked, is the authoritative likes set.
	Likes []Liker `json:"likes,omitempty"`
}

// Owner returns the group identity carried by the event.
func (e Event) Owner() Owner {
	return Owner{UserID: e.UserID, Username: e.Username, AvatarRef: e.AvatarRef}
}

// Validate checks that the event has the fields its type requires.
func (e Event) Validate() error {
	switch e.Type {
	case EventStoryCreated:
		if e.UserID == "" {
			return fmt.Errorf("%w: user_id is required", ErrInvalidEvent)
		}
		if e.Item == nil || e.Item.ID == "" {
			return fmt.Errorf("%w: item with id is required", ErrInvalidEvent)
		}
	case EventStoryLiked:
		if e.StoryID == "" {
			return fmt.Errorf("%w: story_id is required", ErrInvalidEvent)
		}
		if e.Liker == nil && e.Likes == nil {
			return fmt.Errorf("%w: liker or likes is required", ErrInvalidEvent)
		}
	case EventStoryViewedAck, EventStoryDeleted:
		if e.StoryID == "" {
			return fmt.Errorf("%w: story_id is required", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}
