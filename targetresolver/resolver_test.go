package targetresolver

import (
	"reflect"
	"testing"

	"github.com/sentinelcp/control-plane/store"
)

func testNodes() []*store.Node {
	return []*store.Node{
		{NodeID: "n3", Labels: map[string]string{"region": "us-east", "channel": "canary"}, GroupIDs: []string{"canary-group"}},
		{NodeID: "n1", Labels: map[string]string{"region": "us-east"}, GroupIDs: []string{"east-group"}},
		{NodeID: "n2", Labels: map[string]string{"region": "us-west"}, GroupIDs: []string{"west-group"}},
	}
}

func TestResolveAll(t *testing.T) {
	ids, err := Resolve(store.Selector{Type: "all"}, testNodes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"n1", "n2", "n3"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestResolveLabelsExactMatch(t *testing.T) {
	ids, err := Resolve(store.Selector{Type: "labels", Labels: map[string]string{"channel": "canary"}}, testNodes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"n3"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestResolveLabelsRequiresAllKeys(t *testing.T) {
	ids, err := Resolve(store.Selector{Type: "labels", Labels: map[string]string{"region": "us-east", "channel": "canary"}}, testNodes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"n3"}) {
		t.Fatalf("expected only n3 to match both labels, got %v", ids)
	}
}

func TestResolveIDsDropsUnknown(t *testing.T) {
	ids, err := Resolve(store.Selector{Type: "node_ids", NodeIDs: []string{"n1", "n99"}}, testNodes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"n1"}) {
		t.Fatalf("got %v", ids)
	}
}

func TestResolveGroupsUnion(t *testing.T) {
	ids, err := Resolve(store.Selector{Type: "groups", GroupIDs: []string{"east-group", "west-group"}}, testNodes())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"n1", "n2"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
}

func TestResolveUnknownType(t *testing.T) {
	if _, err := Resolve(store.Selector{Type: "bogus"}, testNodes()); err == nil {
		t.Fatal("expected error for unknown selector type")
	}
}
