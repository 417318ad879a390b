package staging

import (
	"testing"

	"github.com/nainya/pagetree/pkg/node"
)

func key(n int) node.Key {
	var k node.Key
	k[node.KeySize-1] = byte(n)
	return k
}

func TestApplyLastWriteWins(t *testing.T) {
	c := New()
	c.Apply(key(1), []byte("v1"), false)
	c.Apply(key(1), []byte("v2"), false)
	c.Apply(key(1), nil, true)

	e, ok := c.Get(key(1))
	if !ok || !e.Deleted {
		t.Fatalf("Get(1) = (%+v, %v), want a tombstone", e, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	c := New()
	if _, ok := c.Get(key(1)); ok {
		t.Fatalf("Get on empty change set should report not found")
	}
}

func TestSortedOrdersAscending(t *testing.T) {
	c := New()
	c.Apply(key(30), []byte("c"), false)
	c.Apply(key(10), []byte("a"), false)
	c.Apply(key(20), []byte("b"), false)

	sorted := c.Sorted()
	if len(sorted) != 3 {
		t.Fatalf("Sorted() returned %d entries, want 3", len(sorted))
	}
	for i := 1; i < len(sorted); i++ {
		if !node.Less(sorted[i-1].Key, sorted[i].Key) {
			t.Fatalf("Sorted() not strictly ascending at %d", i)
		}
	}
}
