package router

import (
	"sync"
	"testing"
)

func TestGetRouteUnknownModel(t *testing.T) {
	r := New()
	if _, ok := r.GetRoute("ghost"); ok {
		t.Fatal("expected no route for an unregistered model")
	}
}

func TestFirstRegisteredWins(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"shared", "only-a"}, "")
	r.OnRegistered("conn-b", []string{"shared", "only-b"}, "")

	route, ok := r.GetRoute("shared")
	if !ok || route.ConnectorID != "conn-a" {
		t.Fatalf("want conn-a to win shared model, got %+v ok=%v", route, ok)
	}
	if route, ok := r.GetRoute("only-a"); !ok || route.ConnectorID != "conn-a" {
		t.Fatalf("want conn-a route for only-a, got %+v ok=%v", route, ok)
	}
	if route, ok := r.GetRoute("only-b"); !ok || route.ConnectorID != "conn-b" {
		t.Fatalf("want conn-b route for only-b, got %+v ok=%v", route, ok)
	}
}

func TestFailoverOnDisconnect(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"shared"}, "key-a")
	r.OnRegistered("conn-b", []string{"shared"}, "key-b")

	r.OnDisconnected("conn-a")

	route, ok := r.GetRoute("shared")
	if !ok || route.ConnectorID != "conn-b" {
		t.Fatalf("want conn-b to take over after conn-a disconnects, got %+v ok=%v", route, ok)
	}
}

func TestReregistrationReplacesModelsWithoutChangingPriority(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"m1"}, "")
	r.OnRegistered("conn-b", []string{"m2"}, "")

	// conn-a drops m1 and picks up m2; since conn-a registered first it
	// should still win m2 over conn-b despite the update happening later.
	r.OnRegistered("conn-a", []string{"m2"}, "")

	route, ok := r.GetRoute("m2")
	if !ok || route.ConnectorID != "conn-a" {
		t.Fatalf("want conn-a (earlier registrant) to win m2 after re-registration, got %+v ok=%v", route, ok)
	}
	if _, ok := r.GetRoute("m1"); ok {
		t.Fatal("m1 should no longer route anywhere after conn-a stopped advertising it")
	}
}

func TestRepeatedReadsStableAcrossNoMembershipChange(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"m1"}, "upstream-key")

	first, ok1 := r.GetRoute("m1")
	second, ok2 := r.GetRoute("m1")
	if !ok1 || !ok2 || first != second {
		t.Fatalf("expected stable route across reads, got %+v/%v and %+v/%v", first, ok1, second, ok2)
	}
}

func TestDisconnectUnknownConnectorIsNoop(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"m1"}, "")
	r.OnDisconnected("conn-does-not-exist")

	if route, ok := r.GetRoute("m1"); !ok || route.ConnectorID != "conn-a" {
		t.Fatalf("disconnecting an unknown connector must not disturb existing routes, got %+v ok=%v", route, ok)
	}
}

func TestListModelsSortedAndDeduped(t *testing.T) {
	r := New()
	r.OnRegistered("conn-a", []string{"zeta", "alpha"}, "")
	r.OnRegistered("conn-b", []string{"alpha", "beta"}, "")

	got := r.ListModels()
	want := []string{"alpha", "beta", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestListConnectorsOrderedByRegistration(t *testing.T) {
	r := New()
	r.OnRegistered("conn-b", []string{"m2"}, "")
	r.OnRegistered("conn-a", []string{"m1"}, "")

	got := r.ListConnectors()
	if len(got) != 2 || got[0].ConnectorID != "conn-b" || got[1].ConnectorID != "conn-a" {
		t.Fatalf("want registration order [conn-b, conn-a], got %+v", got)
	}
}

// TestConcurrentRegistrationAndListing exercises the router the way the
// live broker does: one goroutine driving membership changes while
// admin-CLI style readers call ListConnectors and GetRoute concurrently.
// Run with -race to catch any unsynchronized access to the connectors map.
func TestConcurrentRegistrationAndListing(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.OnRegistered("conn-a", []string{"m1"}, "")
			r.OnDisconnected("conn-a")
		}
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.ListConnectors()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.GetRoute("m1")
			r.ListModels()
		}
	}()

	wg.Wait()
}
