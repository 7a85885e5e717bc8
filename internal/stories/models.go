package stories

import "time"

// UserID identifies the owner of a story group.
type UserID string

// StoryID uniquely identifies a story item.
type StoryID string

// Kind is the media kind of a story item.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Privacy is the audience of a story item.
type Privacy string

const (
	PrivacyPublic  Privacy = "public"
	PrivacyFriends Privacy = "friends"
)

// Liker is one entry of an item's likes set. Entries are unique by UserID.
type Liker struct {
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	AvatarRef string `json:"avatar_ref"`
}

// Item is a single ephemeral story.
type Item struct {
	ID        StoryID   `json:"id"`
	MediaRef  string    `json:"media_ref"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Viewed    bool      `json:"viewed"`
	Liked     bool      `json:"liked"`
	Likes     []Liker   `json:"likes"`
	Privacy   Privacy   `json:"privacy"`
	IsHDR     bool      `json:"is_hdr,omitempty"`

	// TempID is the client-generated id of an optimistic upload. It stays set
	// on the finalized item so a late story_created push can be matched.
	TempID string `json:"temp_id,omitempty"`
}

// Expired reports whether the item is past its expiry at now.
// A zero ExpiresAt means no expiry is known.
func (i Item) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !i.ExpiresAt.After(now)
}

// HasLiker reports whether userID is in the likes set.
func (i Item) HasLiker(userID UserID) bool {
	for _, l := range i.Likes {
		if l.UserID == userID {
			return true
		}
	}
	return false
}

// Owner is the identity of a group without its items.
type Owner struct {
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	AvatarRef string `json:"avatar_ref"`
}

// Group holds one user's stories in chronological (insertion) order.
type Group struct {
	Owner
	Items []Item `json:"items"`
}

// HasUnseen is true iff at least one item has not been viewed.
func (g Group) HasUnseen() bool {
	for _, it := range g.Items {
		if !it.Viewed {
			return true
		}
	}
	return false
}

// Playable returns the unexpired items at now, in order. The group itself is
// never mutated; expiry is applied at read time.
func (g Group) Playable(now time.Time) []Item {
	out := make([]Item, 0, len(g.Items))
	for _, it := range g.Items {
		if !it.Expired(now) {
			out = append(out, it)
		}
	}
	return out
}

// IndexOf returns the position of id in items, or -1.
func IndexOf(items []Item, id StoryID) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// FirstUnseen returns the index of the first unviewed item, or 0 when all
// items are viewed.
func FirstUnseen(items []Item) int {
	for i, it := range items {
		if !it.Viewed {
			return i
		}
	}
	return 0
}

// AddLiker returns likes with l added. An entry with the same UserID is
// replaced in place.
func AddLiker(likes []Liker, l Liker) []Liker {
	out := make([]Liker, 0, len(likes)+1)
	replaced := false
	for _, existing := range likes {
		if existing.UserID == l.UserID {
			out = append(out, l)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, l)
	}
	return out
}

// RemoveLiker returns likes without userID.
func RemoveLiker(likes []Liker, userID UserID) []Liker {
	out := make([]Liker, 0, len(likes))
	for _, existing := range likes {
		if existing.UserID != userID {
			out = append(out, existing)
		}
	}
	return out
}

// DedupeLikers keeps the last entry for every UserID, preserving first-seen order.
func DedupeLikers(likes []Liker) []Liker {
	pos := make(map[UserID]int, len(likes))
	out := make([]Liker, 0, len(likes))
	for _, l := range likes {
		if i, ok := pos[l.UserID]; ok {
			out[i] = l
			continue
		}
		pos[l.UserID] = len(out)
		out = append(out, l)
	}
	return out
}

// Resolve returns the position of the item known locally as id. It matches
// the item ID, or the temporary id an optimistic item carried before the
// server assigned a final one.
func Resolve(items []Item, id StoryID) int {
	if i := IndexOf(items, id); i >= 0 {
		return i
	}
	for i, it := range items {
		if it.TempID != "" && it.TempID == string(id) {
			return i
		}
	}
	return -1
}

// LikeResult is the authoritative likes state returned by a like toggle.
type LikeResult struct {
	Likes []Liker `json:"likes"`
	Liked bool    `json:"liked"`
}

// Draft is locally captured media waiting to be uploaded as a new item.
type Draft struct {
	Kind        Kind
	Privacy     Privacy
	IsHDR       bool
	Filename    string
	ContentType string
	Data        []byte
	// PreviewRef is shown on the optimistic item until the upload finishes.
	PreviewRef string
}
