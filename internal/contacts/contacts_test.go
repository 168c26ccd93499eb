package contacts

import "testing"

func TestAddGetList(t *testing.T) {
	b, err := NewBook(t.TempDir())
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	if _, err := b.Add("aa", "Alice", "ali"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c, err := b.Get("aa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.DisplayName != "Alice" || c.Alias != "ali" {
		t.Fatalf("unexpected contact: %+v", c)
	}
	if len(b.List()) != 1 {
		t.Fatalf("expected 1 contact, got %d", len(b.List()))
	}
}

func TestRemoveAndPersistTombstone(t *testing.T) {
	dir := t.TempDir()
	b, err := NewBook(dir)
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	if _, err := b.Add("aa", "Alice", ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	removed, err := b.Remove("aa")
	if err != nil || !removed {
		t.Fatalf("Remove: removed=%v err=%v", removed, err)
	}
	if _, err := b.Get("aa"); err == nil {
		t.Fatal("expected removed contact to be gone")
	}

	b2, err := NewBook(dir)
	if err != nil {
		t.Fatalf("NewBook reload: %v", err)
	}
	if _, err := b2.Get("aa"); err == nil {
		t.Fatal("expected tombstone to survive reload")
	}
}

func TestRemoveUnknownReturnsFalse(t *testing.T) {
	b, err := NewBook(t.TempDir())
	if err != nil {
		t.Fatalf("NewBook: %v", err)
	}
	removed, err := b.Remove("ghost")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed {
		t.Fatal("expected false for removing an unknown contact")
	}
}
