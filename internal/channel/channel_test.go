package channel

import "testing"

func TestAllowList_IsAllowed(t *testing.T) {
	list := NewAllowList([]string{"u1"})
	if !list.IsAllowed("u1") {
		t.Fatalf("expected u1 allowed")
	}
	if list.IsAllowed("u2") {
		t.Fatalf("expected u2 denied")
	}
}

func TestAllowList_CompoundSenderAndUsername(t *testing.T) {
	list := NewAllowList([]string{"123456", "@alice", "  "})
	if !list.IsAllowed("123456|bob") {
		t.Fatal("expected id part to match")
	}
	if !list.IsAllowed("999|alice") {
		t.Fatal("expected username part to match with @ stripped")
	}
	if list.IsAllowed("999|bob") {
		t.Fatal("expected unknown compound sender denied")
	}
	if len(list) != 2 {
		t.Fatalf("expected blank entries dropped, got %v", list)
	}
}

func TestAllowList_EmptyAllowsEveryone(t *testing.T) {
	if !NewAllowList(nil).IsAllowed("anyone") {
		t.Fatal("expected empty allow list to allow all")
	}
}
