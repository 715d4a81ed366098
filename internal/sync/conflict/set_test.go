package conflict

import (
	"context"
	"errors"
	"testing"

	"github.com/kimhsiao/offlinesync/internal/db"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

func testConflict(id, entity string, seq int64) *models.SyncConflict {
	return &models.SyncConflict{
		ID:              id,
		MutationID:      "m-" + id,
		MutationSeq:     seq,
		EntityKey:       entity,
		EntityType:      "category",
		Operation:       models.OpUpdate,
		LocalData:       models.Payload{"name": "local"},
		LocalTimestamp:  1,
		ServerData:      models.Payload{"name": "server"},
		ServerTimestamp: 2,
	}
}

func openRepo(t *testing.T) *db.Repository {
	t.Helper()
	d, err := db.OpenAndMigrate(context.Background(), db.MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	repo := db.NewRepository(d.DB)
	t.Cleanup(func() {
		repo.Close()
		d.Close()
	})
	return repo
}

// TestSet_orderingPerEntity verifies Oldest and List follow mutation order.
func TestSet_orderingPerEntity(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)

	for _, c := range []*models.SyncConflict{
		testConflict("c3", "category/a", 30),
		testConflict("c1", "category/a", 10),
		testConflict("c2", "category/b", 20),
	} {
		if added, err := s.Add(ctx, c); err != nil || !added {
			t.Fatalf("Add(%s) = %v, %v", c.ID, added, err)
		}
	}

	if got := s.Oldest("category/a"); got == nil || got.ID != "c1" {
		t.Errorf("Oldest(a) = %v, want c1", got)
	}
	if s.Oldest("category/zzz") != nil {
		t.Error("Oldest of unknown entity should be nil")
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("List() len = %d", len(list))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if list[i].ID != want {
			t.Errorf("List()[%d] = %s, want %s", i, list[i].ID, want)
		}
	}

	if !s.Blocked("category/a") || !s.Blocked("category/b") || s.Blocked("category/c") {
		t.Error("Blocked() does not match pending entities")
	}
	if !s.HasMutation("m-c2") || s.HasMutation("m-none") {
		t.Error("HasMutation() mismatch")
	}
}

// TestSet_addDuplicate verifies a conflict id is only recorded once.
func TestSet_addDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)

	if added, _ := s.Add(ctx, testConflict("c1", "category/a", 1)); !added {
		t.Fatal("first Add should report added")
	}
	if added, _ := s.Add(ctx, testConflict("c1", "category/a", 1)); added {
		t.Error("second Add should report not added")
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

// TestSet_removeUnblocks verifies removal advances the entity to its next conflict.
func TestSet_removeUnblocks(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)
	s.Add(ctx, testConflict("c1", "category/a", 1))
	s.Add(ctx, testConflict("c2", "category/a", 2))

	if err := s.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := s.Oldest("category/a"); got == nil || got.ID != "c2" {
		t.Errorf("Oldest after remove = %v, want c2", got)
	}
	if err := s.Remove(ctx, "c2"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if s.Blocked("category/a") {
		t.Error("entity still blocked after all conflicts removed")
	}

	err := s.Remove(ctx, "c2")
	if !apperrors.Is(err, apperrors.ErrConflictNotFound) {
		t.Errorf("Remove missing = %v, want ErrConflictNotFound", err)
	}
}

// TestSet_getReturnsCopy verifies callers cannot mutate pending state.
func TestSet_getReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)
	s.Add(ctx, testConflict("c1", "category/a", 1))

	got, err := s.Get("c1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.ServerData["name"] = "mutated"
	got.Viewing = true

	again, _ := s.Get("c1")
	if again.ServerData["name"] != "server" || again.Viewing {
		t.Error("Get returned shared state")
	}

	if _, err := s.Get("missing"); !apperrors.Is(err, apperrors.ErrConflictNotFound) {
		t.Errorf("Get missing = %v", err)
	}
}

// TestSet_setViewing verifies the UI flag leaves membership alone.
func TestSet_setViewing(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)
	s.Add(ctx, testConflict("c1", "category/a", 1))

	c, err := s.SetViewing("c1", true)
	if err != nil || !c.Viewing {
		t.Fatalf("SetViewing = %v, %v", c, err)
	}
	if s.Len() != 1 || !s.Blocked("category/a") {
		t.Error("SetViewing changed membership")
	}
	if _, err := s.SetViewing("missing", true); err == nil {
		t.Error("SetViewing missing should fail")
	}
}

// TestSet_persistence verifies conflicts survive a reload from the store.
func TestSet_persistence(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)

	s := NewSet(repo)
	s.Add(ctx, testConflict("c1", "category/a", 1))
	s.Add(ctx, testConflict("c2", "category/a", 2))
	s.Add(ctx, testConflict("c3", "category/b", 3))
	if err := s.Remove(ctx, "c3"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	reloaded := NewSet(repo)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("Len after reload = %d, want 2", reloaded.Len())
	}
	if got := reloaded.Oldest("category/a"); got == nil || got.ID != "c1" {
		t.Errorf("Oldest after reload = %v", got)
	}
	if got, _ := reloaded.Get("c1"); got.ServerData["name"] != "server" {
		t.Errorf("ServerData after reload = %v", got.ServerData)
	}

	if err := reloaded.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	empty := NewSet(repo)
	empty.Load(ctx)
	if empty.Len() != 0 {
		t.Errorf("Len after Clear = %d", empty.Len())
	}
}

// TestSet_prune verifies orphaned conflicts are dropped.
func TestSet_prune(t *testing.T) {
	ctx := context.Background()
	s := NewSet(nil)
	s.Add(ctx, testConflict("c1", "category/a", 1))
	s.Add(ctx, testConflict("c2", "category/b", 2))

	n, err := s.Prune(ctx, func(id string) bool { return id == "m-c1" })
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 || s.Len() != 1 || s.Blocked("category/b") {
		t.Errorf("Prune removed %d, Len = %d", n, s.Len())
	}
}

type failingConflictStore struct{ *db.Repository }

func (failingConflictStore) SaveConflict(context.Context, *models.SyncConflict) error {
	return errors.New("disk full")
}

// TestSet_addStoreFailure verifies a persist failure keeps the set unchanged.
func TestSet_addStoreFailure(t *testing.T) {
	s := NewSet(failingConflictStore{openRepo(t)})

	added, err := s.Add(context.Background(), testConflict("c1", "category/a", 1))
	if added || !apperrors.Is(err, apperrors.ErrDatabase) {
		t.Errorf("Add = %v, %v; want ErrDatabase", added, err)
	}
	if s.Len() != 0 {
		t.Error("failed Add left the conflict in memory")
	}
}
