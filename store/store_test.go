package store

import (
	"testing"
)

func TestMemStore(t *testing.T) {
	testStore(t, NewMemStore())
}

func TestLevelStore(t *testing.T) {
	accounts, err := NewLevelStore(t.TempDir())
	if err != nil {
		t.Fatalf("Could not open store: %v", err)
	}
	defer accounts.Close()

	testStore(t, accounts)
}

func testStore(t *testing.T, accounts Store) {
	if _, err := accounts.Get("alice:account"); err != ErrNotFound {
		t.Errorf("Expected not found; got %v", err)
	}

	if err := accounts.Put("alice:account", "some-value"); err != nil {
		t.Fatalf("Could not put: %v", err)
	}

	value, err := accounts.Get("alice:account")
	if err != nil {
		t.Fatalf("Could not get: %v", err)
	}

	if value != "some-value" {
		t.Errorf("Expected some-value; got %v", value)
	}

	if err := accounts.Delete("alice:account"); err != nil {
		t.Fatalf("Could not delete: %v", err)
	}

	if _, err := accounts.Get("alice:account"); err != ErrNotFound {
		t.Errorf("Expected not found after delete; got %v", err)
	}
}

func TestLevelStoreKeys(t *testing.T) {
	accounts, err := NewLevelStore(t.TempDir())
	if err != nil {
		t.Fatalf("Could not open store: %v", err)
	}
	defer accounts.Close()

	if err := accounts.Put("alice:account", "a"); err != nil {
		t.Fatalf("Could not put: %v", err)
	}

	if err := accounts.Put("bob:account", "b"); err != nil {
		t.Fatalf("Could not put: %v", err)
	}

	keys, err := accounts.Keys()
	if err != nil {
		t.Fatalf("Could not list keys: %v", err)
	}

	if len(keys) != 2 {
		t.Errorf("Expected 2 keys; got %v", keys)
	}
}
