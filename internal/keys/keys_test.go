package keys

import (
	"strings"
	"testing"
)

func newRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestDeriveLayout(t *testing.T) {
	r := newRouter(t, Config{Salt: "app_"})
	r.AddGlobal("users")

	rt := r.Derive("42", "posts")
	if rt.Key != "app_1:posts:42" || rt.DB != 1 || rt.Class != Default {
		t.Fatalf("tenant route: %+v", rt)
	}
	rt = r.Derive("42", "users")
	if rt.Key != "app_global:users:42" || rt.DB != 0 || rt.Class != Global {
		t.Fatalf("global route: %+v", rt)
	}
	if rt := r.Derive("k", ""); rt.Group != DefaultGroup || rt.Key != "app_1:default:k" {
		t.Fatalf("empty group route: %+v", rt)
	}
}

func TestDeriveIsIdempotent(t *testing.T) {
	r := newRouter(t, Config{})
	a := r.Derive("some:key", "grp")
	b := r.Derive("some:key", "grp")
	if a != b {
		t.Fatalf("derive not idempotent: %+v vs %+v", a, b)
	}
}

func TestSanitizedKeysDoNotCollide(t *testing.T) {
	r := newRouter(t, Config{})
	pairs := [][2]string{
		{"a:b", "a-b"},
		{"a:b", "a%3Ab"},
		{"Key", "key"},
	}
	for _, p := range pairs {
		if x, y := r.Derive(p[0], "g").Key, r.Derive(p[1], "g").Key; x == y {
			t.Fatalf("%q and %q collide on %q", p[0], p[1], x)
		}
	}
	if x, y := r.Derive("k", "a:b").Key, r.Derive("b:k", "a").Key; x == y {
		t.Fatalf("group/key boundary collision: %q", x)
	}
	if got := strings.Count(r.Derive("x:y:z", "g:h").Key, ":"); got != 2 {
		t.Fatalf("derived key must keep exactly two delimiters, got %d", got)
	}
}

func TestClassificationLastSetWins(t *testing.T) {
	r := newRouter(t, Config{})
	r.AddGlobal("a", "b", "c")
	r.AddIgnored("b", "c")
	r.AddUnflushable("c")

	want := map[string]Class{"a": Global, "b": Ignored, "c": Unflushable, "d": Default}
	for g, c := range want {
		if got := r.Classify(g); got != c {
			t.Fatalf("Classify(%q) = %s, want %s", g, got, c)
		}
	}
	// adding later to an earlier set does not override a later set
	r.AddGlobal("c")
	if got := r.Classify("c"); got != Unflushable {
		t.Fatalf("Classify(c) after re-adding global = %s", got)
	}
}

func TestPrefixFollowsClassificationChanges(t *testing.T) {
	r := newRouter(t, Config{})
	before := r.Derive("k", "late")
	r.AddGlobal("late")
	after := r.Derive("k", "late")
	if before.Key == after.Key || after.DB != 0 {
		t.Fatalf("route did not follow reclassification: %+v -> %+v", before, after)
	}
}

func TestDegradedGlobalReadsIgnoredButKeepsKey(t *testing.T) {
	r := newRouter(t, Config{})
	r.AddGlobal("site")
	k := r.Derive("k", "site").Key

	r.SetDegraded(true)
	rt := r.Derive("k", "site")
	if rt.Class != Ignored || rt.Key != k {
		t.Fatalf("degraded route: %+v", rt)
	}
	r.SetDegraded(false)
	if r.Classify("site") != Global {
		t.Fatalf("global class not restored")
	}
}

func TestSwitchTenant(t *testing.T) {
	r := newRouter(t, Config{DatabasePerTenant: true})
	r.SwitchTenant(5)
	rt := r.Derive("k", "posts")
	if rt.Key != "5:posts:k" || rt.DB != 5 {
		t.Fatalf("tenant 5 route: %+v", rt)
	}
	if dbs := r.Databases(); len(dbs) != 2 || dbs[1] != 5 {
		t.Fatalf("Databases() = %v", dbs)
	}
}

func TestGroupPatternEscapesGlob(t *testing.T) {
	r := newRouter(t, Config{Salt: "s*"})
	got := r.GroupPattern("a[b]")
	want := `s\*1:a\[b\]:*`
	if got != want {
		t.Fatalf("GroupPattern = %q, want %q", got, want)
	}
	if seg := GroupSegment("a:b"); seg != ":a%3Ab:" {
		t.Fatalf("GroupSegment = %q", seg)
	}
}
