package main

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestNavigateListsDirectory(t *testing.T) {
	transport := newFakeTransport()
	transport.putFile("notes.txt", "hello")
	transport.putDir("projects")
	cache := NewDirCache(zap.NewNop())

	listing, err := cache.Navigate(transport, ".")
	if err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	if listing.Path != "/home/user" {
		t.Fatalf("listing path = %q, want /home/user", listing.Path)
	}
	if len(listing.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(listing.Entries))
	}
	if !listing.Contains("notes.txt") || !listing.Contains("projects") {
		t.Fatalf("listing is missing entries: %+v", listing.Entries)
	}

	current, err := cache.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if current.Version != listing.Version {
		t.Fatal("Current returned a different listing than Navigate")
	}
}

func TestNavigateIntoFileFails(t *testing.T) {
	transport := newFakeTransport()
	transport.putFile("notes.txt", "hello")
	cache := NewDirCache(zap.NewNop())

	if _, err := cache.Navigate(transport, "notes.txt"); !errors.Is(err, ErrNotADirectory) {
		t.Fatalf("navigate into file = %v, want ErrNotADirectory", err)
	}
}

func TestNavigateMissingPathFails(t *testing.T) {
	transport := newFakeTransport()
	cache := NewDirCache(zap.NewNop())

	if _, err := cache.Navigate(transport, "/no/such/dir"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("navigate to missing path = %v, want ErrNotFound", err)
	}

	// A failed navigation must not clobber the previous listing.
	if _, err := cache.Navigate(transport, "."); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	before, _ := cache.Current()
	if _, err := cache.Navigate(transport, "/no/such/dir"); err == nil {
		t.Fatal("expected navigation failure")
	}
	after, err := cache.Current()
	if err != nil {
		t.Fatalf("Current after failed navigate: %v", err)
	}
	if after.Version != before.Version || after.Path != before.Path {
		t.Fatal("failed navigation replaced the current listing")
	}
}

func TestVersionIncreasesMonotonically(t *testing.T) {
	transport := newFakeTransport()
	transport.putDir("projects")
	cache := NewDirCache(zap.NewNop())

	first, err := cache.Navigate(transport, ".")
	if err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	second, err := cache.Navigate(transport, "projects")
	if err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	third, err := cache.Navigate(transport, "/home/user")
	if err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}

	if !(first.Version < second.Version && second.Version < third.Version) {
		t.Fatalf("versions not monotonic: %d %d %d", first.Version, second.Version, third.Version)
	}
}

func TestInvalidateForcesRefresh(t *testing.T) {
	transport := newFakeTransport()
	transport.putFile("a.txt", "a")
	cache := NewDirCache(zap.NewNop())

	if _, err := cache.Navigate(transport, "."); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}

	cache.Invalidate()
	if _, err := cache.Current(); !errors.Is(err, ErrStale) {
		t.Fatalf("Current after invalidate = %v, want ErrStale", err)
	}
	// The path survives staleness so a refresh knows where to go.
	if cache.Path() != "/home/user" {
		t.Fatalf("Path after invalidate = %q", cache.Path())
	}

	if _, err := cache.Navigate(transport, cache.Path()); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := cache.Current(); err != nil {
		t.Fatalf("Current after refresh = %v", err)
	}
}

func TestResetDropsState(t *testing.T) {
	transport := newFakeTransport()
	cache := NewDirCache(zap.NewNop())

	if _, err := cache.Navigate(transport, "."); err != nil {
		t.Fatalf("Navigate failed: %v", err)
	}
	cache.Reset()

	if cache.Path() != "" {
		t.Fatalf("Path after reset = %q, want empty", cache.Path())
	}
	if _, err := cache.Current(); !errors.Is(err, ErrStale) {
		t.Fatalf("Current after reset = %v, want ErrStale", err)
	}
}
