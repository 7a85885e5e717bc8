package stories

import (
	"errors"
	"testing"
	"time"
)

func testFeed() []Group {
	return []Group{
		{
			Owner: Owner{UserID: "u1", Username: "ana"},
			Items: []Item{
				{ID: "a1", Kind: KindImage},
				{ID: "a2", Kind: KindVideo},
			},
		},
		{
			Owner: Owner{UserID: "u2", Username: "bo"},
			Items: []Item{{ID: "b1", Kind: KindImage}},
		},
	}
}

func TestInMemoryRepository_ReplaceFeed(t *testing.T) {
	repo := NewInMemoryRepository()

	t.Run("keeps_feed_order", func(t *testing.T) {
		repo.ReplaceFeed(testFeed())
		ids := repo.UserIDs()
		if len(ids) != 2 || ids[0] != "u1" || ids[1] != "u2" {
			t.Errorf("unexpected order %v", ids)
		}
	})

	t.Run("collapses_duplicate_items", func(t *testing.T) {
		feed := testFeed()
		feed[0].Items = append(feed[0].Items, Item{ID: "a1", Kind: KindImage, MediaRef: "/dup.jpg"})
		repo.ReplaceFeed(feed)

		g, ok := repo.Snapshot("u1")
		if !ok || len(g.Items) != 2 {
			t.Fatalf("expected 2 items, got ok=%v len=%d", ok, len(g.Items))
		}
		if g.Items[0].ID != "a1" || g.Items[0].MediaRef != "/dup.jpg" {
			t.Errorf("duplicate should replace in place: %+v", g.Items[0])
		}
	})

	t.Run("skips_empty_groups", func(t *testing.T) {
		feed := append(testFeed(), Group{Owner: Owner{UserID: "u3"}})
		repo.ReplaceFeed(feed)
		if _, ok := repo.Snapshot("u3"); ok {
			t.Error("group without items must not be created")
		}
	})

	t.Run("replaces_previous_feed", func(t *testing.T) {
		repo.ReplaceFeed([]Group{{Owner: Owner{UserID: "u9"}, Items: []Item{{ID: "z"}}}})
		ids := repo.UserIDs()
		if len(ids) != 1 || ids[0] != "u9" {
			t.Errorf("expected only u9, got %v", ids)
		}
	})
}

func TestInMemoryRepository_UpsertItem(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.ReplaceFeed(testFeed())

	t.Run("appends_to_existing_group", func(t *testing.T) {
		created := repo.UpsertItem(Owner{UserID: "u2"}, Item{ID: "b2"})
		if !created {
			t.Error("expected created")
		}
		g, _ := repo.Snapshot("u2")
		if len(g.Items) != 2 || g.Items[1].ID != "b2" {
			t.Errorf("expected b2 appended, got %+v", g.Items)
		}
	})

	t.Run("duplicate_id_idempotent", func(t *testing.T) {
		created := repo.UpsertItem(Owner{UserID: "u2"}, Item{ID: "b2"})
		if created {
			t.Error("duplicate should not be reported as created")
		}
		g, _ := repo.Snapshot("u2")
		if len(g.Items) != 2 {
			t.Errorf("duplicate should not add item, got len %d", len(g.Items))
		}
	})

	t.Run("creates_group_at_end", func(t *testing.T) {
		repo.UpsertItem(Owner{UserID: "u3", Username: "cy"}, Item{ID: "c1"})
		ids := repo.UserIDs()
		if ids[len(ids)-1] != "u3" {
			t.Errorf("new group should be last, got %v", ids)
		}
	})

	t.Run("reconciles_temp_id", func(t *testing.T) {
		repo.UpsertItem(Owner{UserID: "me"}, Item{ID: "tmp-1", TempID: "tmp-1", Viewed: true})
		created := repo.UpsertItem(Owner{UserID: "me"}, Item{ID: "s-final", TempID: "tmp-1"})
		if created {
			t.Error("reconcile should replace, not append")
		}
		g, _ := repo.Snapshot("me")
		if len(g.Items) != 1 || g.Items[0].ID != "s-final" {
			t.Fatalf("expected single reconciled item, got %+v", g.Items)
		}
		if !g.Items[0].Viewed {
			t.Error("viewed must not regress on reconcile")
		}
	})
}

func TestInMemoryRepository_RemoveItem(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.ReplaceFeed(testFeed())

	owner, ok := repo.RemoveItem("a1")
	if !ok || owner != "u1" {
		t.Fatalf("RemoveItem: owner=%q ok=%v", owner, ok)
	}
	g, _ := repo.Snapshot("u1")
	if len(g.Items) != 1 || g.Items[0].ID != "a2" {
		t.Errorf("expected [a2], got %+v", g.Items)
	}

	t.Run("last_item_destroys_group", func(t *testing.T) {
		if _, ok := repo.RemoveItem("b1"); !ok {
			t.Fatal("RemoveItem b1 failed")
		}
		if _, ok := repo.Snapshot("u2"); ok {
			t.Error("empty group should be destroyed")
		}
	})

	t.Run("unknown_item", func(t *testing.T) {
		if _, ok := repo.RemoveItem("missing"); ok {
			t.Error("expected ok false")
		}
	})
}

func TestInMemoryRepository_UpdateItem(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.ReplaceFeed(testFeed())

	it, err := repo.UpdateItem("a2", func(it *Item) {
		it.Viewed = true
		it.Likes = []Liker{{UserID: "x"}, {UserID: "x", Username: "again"}}
	})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if !it.Viewed || len(it.Likes) != 1 || it.Likes[0].Username != "again" {
		t.Errorf("unexpected item %+v", it)
	}

	_, err = repo.UpdateItem("missing", func(*Item) {})
	if !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("expected ErrStoryNotFound, got %v", err)
	}
}

func TestInMemoryRepository_Snapshot_is_copy(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.ReplaceFeed([]Group{{
		Owner: Owner{UserID: "u1"},
		Items: []Item{{ID: "a1", Likes: []Liker{{UserID: "x"}}}},
	}})

	g, _ := repo.Snapshot("u1")
	g.Items[0].Viewed = true
	g.Items[0].Likes[0].UserID = "mutated"

	again, _ := repo.Snapshot("u1")
	if again.Items[0].Viewed || again.Items[0].Likes[0].UserID != "x" {
		t.Errorf("snapshot leaked internal state: %+v", again.Items[0])
	}
}

func TestInMemoryRepository_UnseenGroupCount(t *testing.T) {
	repo := NewInMemoryRepository()
	repo.ReplaceFeed(testFeed())

	if n := repo.UnseenGroupCount(); n != 2 {
		t.Errorf("expected 2 unseen groups, got %d", n)
	}
	_, _ = repo.UpdateItem("b1", func(it *Item) { it.Viewed = true })
	if n := repo.UnseenGroupCount(); n != 1 {
		t.Errorf("expected 1 unseen group, got %d", n)
	}
}

func TestPlayableAt_filters_expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := NewInMemoryRepository()
	repo.ReplaceFeed([]Group{{
		Owner: Owner{UserID: "u1"},
		Items: []Item{
			{ID: "A", ExpiresAt: now.Add(-time.Minute)},
			{ID: "B", ExpiresAt: now.Add(time.Hour)},
			{ID: "C", ExpiresAt: now},
		},
	}})

	items, ok := PlayableAt(repo, "u1", now)
	if !ok || len(items) != 1 || items[0].ID != "B" {
		t.Errorf("expected only B playable, got %+v", items)
	}

	g, _ := repo.Snapshot("u1")
	if len(g.Items) != 3 {
		t.Error("expiry filtering must not mutate the collection")
	}
}
