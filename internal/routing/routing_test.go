package routing

import (
	"testing"

	"github.com/bankotij/Heliox-Proxy/internal/model"
)

func methods(ms ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		out[m] = struct{}{}
	}
	return out
}

func TestMatch_MostSpecificWinsOverWildcard(t *testing.T) {
	table := Build([]model.Route{
		{ID: "wild", Name: "wild", PathPattern: "/v1/items/*", Methods: methods("GET"), IsActive: true, CreatedOrder: 0},
		{ID: "specific", Name: "specific", PathPattern: "/v1/items/{id}", Methods: methods("GET"), IsActive: true, CreatedOrder: 1},
	})

	route, params, ok := table.Match("GET", "/v1/items/42")
	if !ok {
		t.Fatalf("expected a match")
	}
	if route.ID != "specific" {
		t.Fatalf("expected the specific route to win, got %q", route.ID)
	}
	if params["id"] != "42" {
		t.Fatalf("expected id=42, got %q", params["id"])
	}
}

func TestMatch_HigherPriorityWinsOverSpecificity(t *testing.T) {
	table := Build([]model.Route{
		{ID: "specific", Name: "specific", PathPattern: "/v1/items/{id}", Methods: methods("GET"), Priority: 0, IsActive: true, CreatedOrder: 0},
		{ID: "wild", Name: "wild", PathPattern: "/v1/items/*", Methods: methods("GET"), Priority: 10, IsActive: true, CreatedOrder: 1},
	})

	route, _, ok := table.Match("GET", "/v1/items/42")
	if !ok {
		t.Fatalf("expected a match")
	}
	if route.ID != "wild" {
		t.Fatalf("expected the higher-priority route to win, got %q", route.ID)
	}
}

func TestMatch_TieBreaksByCreationOrder(t *testing.T) {
	table := Build([]model.Route{
		{ID: "second", Name: "second", PathPattern: "/v1/items/{id}", Methods: methods("GET"), IsActive: true, CreatedOrder: 1},
		{ID: "first", Name: "first", PathPattern: "/v1/items/{thing}", Methods: methods("GET"), IsActive: true, CreatedOrder: 0},
	})

	route, _, ok := table.Match("GET", "/v1/items/42")
	if !ok {
		t.Fatalf("expected a match")
	}
	if route.ID != "first" {
		t.Fatalf("expected the earlier-created route to win a tie, got %q", route.ID)
	}
}

func TestMatch_MethodMismatchFalls(t *testing.T) {
	table := Build([]model.Route{
		{ID: "getonly", Name: "getonly", PathPattern: "/v1/items/{id}", Methods: methods("GET"), IsActive: true},
	})

	_, _, ok := table.Match("POST", "/v1/items/42")
	if ok {
		t.Fatalf("expected no match for a method not in the route's method set")
	}
}

func TestMatch_InactiveRouteExcluded(t *testing.T) {
	table := Build([]model.Route{
		{ID: "off", Name: "off", PathPattern: "/v1/items/{id}", Methods: methods("GET"), IsActive: false},
	})

	_, _, ok := table.Match("GET", "/v1/items/42")
	if ok {
		t.Fatalf("expected inactive routes to never match")
	}
}
