package cachekey

import "testing"

func headerLookup(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestBuild_QueryOrderInvariant(t *testing.T) {
	h := headerLookup(nil)
	a := Build("get", "t1", "demo", "/items/", "b=2&a=1", h, nil)
	b := Build("GET", "t1", "demo", "/items", "a=1&b=2", h, nil)
	if a != b {
		t.Fatalf("expected equal keys, got %q vs %q", a, b)
	}
}

func TestBuild_HeaderCaseInvariant(t *testing.T) {
	a := Build("GET", "t1", "demo", "/items", "", headerLookup(map[string]string{"Accept-Language": "EN-US"}), []string{"Accept-Language"})
	b := Build("GET", "t1", "demo", "/items", "", headerLookup(map[string]string{"Accept-Language": "en-us"}), []string{"Accept-Language"})
	if a != b {
		t.Fatalf("expected header case to be normalized, got %q vs %q", a, b)
	}
}

func TestBuild_VaryValueChangesKey(t *testing.T) {
	a := Build("GET", "t1", "demo", "/items", "", headerLookup(map[string]string{"X-Region": "us"}), []string{"X-Region"})
	b := Build("GET", "t1", "demo", "/items", "", headerLookup(map[string]string{"X-Region": "eu"}), []string{"X-Region"})
	if a == b {
		t.Fatalf("expected differing vary header values to change the key")
	}
}

func TestBuild_TenantChangesKey(t *testing.T) {
	h := headerLookup(nil)
	a := Build("GET", "t1", "demo", "/items", "", h, nil)
	b := Build("GET", "t2", "demo", "/items", "", h, nil)
	if a == b {
		t.Fatalf("expected differing tenant to change the key")
	}
}
