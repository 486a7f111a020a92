package memory

import "testing"

type widgetA struct {
	Name string `json:"name"`
}

type widgetB struct {
	Count int `json:"count"`
}

func TestStoreGetRoundTrip(t *testing.T) {
	m := New()
	if err := m.Store(Preprocess, "widget", widgetA{Name: "gizmo"}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	var out widgetA
	ok, err := m.Get(Preprocess, "widget", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("expected hit")
	}
	if out.Name != "gizmo" {
		t.Fatalf("got %+v", out)
	}
}

func TestScopeIsolation(t *testing.T) {
	m := New()
	_ = m.Store(Preprocess, "k", widgetA{Name: "x"})

	var out widgetA
	ok, err := m.Get(Research, "k", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("expected absent across scopes, got hit")
	}
}

func TestTypeProjectionMismatchIsAbsentNotError(t *testing.T) {
	m := New()
	_ = m.Store(Research, "k", widgetA{Name: "shape-a"})

	var out widgetB
	ok, err := m.Get(Research, "k", &out)
	if err != nil {
		t.Fatalf("expected no error on shape mismatch, got %v", err)
	}
	if ok {
		t.Fatalf("expected absent on incompatible shape")
	}
}

func TestHasDoesNotDeserialize(t *testing.T) {
	m := New()
	if m.Has(Research, "missing") {
		t.Fatalf("expected false for missing key")
	}
	_ = m.Store(Research, "present", widgetA{Name: "y"})
	if !m.Has(Research, "present") {
		t.Fatalf("expected true for present key")
	}
}

func TestAccessCountIncrements(t *testing.T) {
	m := New()
	_ = m.Store(Documentation, "doc", widgetA{Name: "z"})

	var out widgetA
	for i := 0; i < 3; i++ {
		if _, err := m.Get(Documentation, "doc", &out); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if got := m.AccessCount(Documentation, "doc"); got != 3 {
		t.Fatalf("expected access count 3, got %d", got)
	}
}

func TestUsageByScopeAggregates(t *testing.T) {
	m := New()
	_ = m.Store(Preprocess, "a", widgetA{Name: "aaaaaaaaaa"})
	_ = m.Store(Preprocess, "b", widgetA{Name: "b"})

	usage := m.UsageByScope()
	if usage[Preprocess] <= 0 {
		t.Fatalf("expected positive usage, got %d", usage[Preprocess])
	}
	if usage[Research] != 0 {
		t.Fatalf("expected zero usage for untouched scope, got %d", usage[Research])
	}
}

func TestListStripsToKeysWithinScope(t *testing.T) {
	m := New()
	_ = m.Store(Research, "one", widgetA{})
	_ = m.Store(Research, "two", widgetA{})
	_ = m.Store(Documentation, "three", widgetA{})

	keys := m.List(Research)
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestStoreUpdatesLastUpdatedOnOverwrite(t *testing.T) {
	m := New()
	_ = m.Store(Research, "k", widgetA{Name: "first"})
	_ = m.Store(Research, "k", widgetA{Name: "second"})

	var out widgetA
	ok, _ := m.Get(Research, "k", &out)
	if !ok || out.Name != "second" {
		t.Fatalf("expected overwritten value, got %+v ok=%v", out, ok)
	}
}
