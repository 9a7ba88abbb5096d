package ext2

import "testing"

func TestDentryInsertLookup(t *testing.T) {
	c := newDentryCache(RootInode)
	for i, name := range []string{"a", "b", "c"} {
		c.insert(c.root, name, uint32(i+2), typeDirectory)
	}
	for i, name := range []string{"a", "b", "c"} {
		node, ok := c.lookup(c.root, name)
		if !ok {
			t.Fatalf("lookup(%q) missed", name)
		}
		if node.inode != uint32(i+2) {
			t.Fatalf("lookup(%q) = inode %d, want %d", name, node.inode, i+2)
		}
	}
	if _, ok := c.lookup(c.root, "nope"); ok {
		t.Fatalf("lookup of absent name hit")
	}
}

// TestDentryMoveToFront checks a hit rotates the sibling ring so the
// found node is at the cursor.
func TestDentryMoveToFront(t *testing.T) {
	c := newDentryCache(RootInode)
	c.insert(c.root, "cold", 2, typeRegular)
	c.insert(c.root, "hot", 3, typeRegular)
	c.insert(c.root, "newest", 4, typeRegular)

	if c.root.children.name != "newest" {
		t.Fatalf("cursor = %q after inserts, want newest", c.root.children.name)
	}
	if _, ok := c.lookup(c.root, "hot"); !ok {
		t.Fatalf("lookup(hot) missed")
	}
	if c.root.children.name != "hot" {
		t.Fatalf("cursor = %q after hit, want hot", c.root.children.name)
	}
}

// TestDentryInsertRefreshesExisting checks inserting an existing name
// updates it in place rather than growing the ring.
func TestDentryInsertRefreshesExisting(t *testing.T) {
	c := newDentryCache(RootInode)
	c.insert(c.root, "x", 2, typeRegular)
	c.insert(c.root, "x", 9, typeDirectory)

	node, ok := c.lookup(c.root, "x")
	if !ok || node.inode != 9 || node.ft != typeDirectory {
		t.Fatalf("refresh produced node %+v", node)
	}
	count := 0
	head := c.root.children
	cur := head
	for {
		count++
		cur = cur.next
		if cur == head {
			break
		}
	}
	if count != 1 {
		t.Fatalf("ring holds %d nodes after duplicate insert, want 1", count)
	}
}

// TestDentryRemoveUnlinksSubtree checks removal drops the node and
// everything cached beneath it, while siblings stay reachable.
func TestDentryRemoveUnlinksSubtree(t *testing.T) {
	c := newDentryCache(RootInode)
	dir := c.insert(c.root, "dir", 2, typeDirectory)
	c.insert(dir, "child", 3, typeRegular)
	c.insert(c.root, "sibling", 4, typeRegular)

	c.remove(c.root, "dir")

	if _, ok := c.lookup(c.root, "dir"); ok {
		t.Fatalf("removed node still reachable")
	}
	if _, ok := c.lookup(c.root, "sibling"); !ok {
		t.Fatalf("sibling lost while removing dir")
	}
}

func TestDentryRemoveOnlyChild(t *testing.T) {
	c := newDentryCache(RootInode)
	c.insert(c.root, "only", 2, typeRegular)
	c.remove(c.root, "only")
	if c.root.children != nil {
		t.Fatalf("ring not empty after removing the only child")
	}
	// Removing from an empty ring is a no-op, not a crash.
	c.remove(c.root, "only")
}
