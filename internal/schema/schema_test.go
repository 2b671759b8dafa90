package schema

import (
	"errors"
	"testing"
)

// TestLookup_Unregistered tests that unknown table names fail fast.
func TestLookup_Unregistered(t *testing.T) {
	_, err := Lookup("customers; DROP TABLE customers")
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("Lookup() error = %v, want ErrInvalidTable", err)
	}
}

// TestSyncOrder_DependenciesFirst tests that every table appears after all
// tables it depends on.
func TestSyncOrder_DependenciesFirst(t *testing.T) {
	order := SyncOrder()
	if len(order) != len(registry) {
		t.Fatalf("SyncOrder() has %d tables, want %d", len(order), len(registry))
	}

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}

	for name, table := range registry {
		for _, ref := range table.Dependencies {
			if pos[ref] >= pos[name] {
				t.Errorf("table %s at position %d depends on %s at position %d",
					name, pos[name], ref, pos[ref])
			}
		}
	}
}

// TestSyncOrder_Deterministic tests that repeated calls return the same order.
func TestSyncOrder_Deterministic(t *testing.T) {
	a := SyncOrder()
	b := SyncOrder()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("SyncOrder() not deterministic: %v vs %v", a, b)
		}
	}
}

// TestAllDependencies_Diamond tests that a table reachable through two
// different paths appears exactly once and the walk terminates.
func TestAllDependencies_Diamond(t *testing.T) {
	// payments -> jobs -> customers and payments -> customers directly.
	deps, err := AllDependencies(TablePayments)
	if err != nil {
		t.Fatalf("AllDependencies() failed: %v", err)
	}

	counts := make(map[string]int)
	for _, d := range deps {
		counts[d]++
	}
	if counts[TableCustomers] != 1 {
		t.Errorf("customers appears %d times, want 1", counts[TableCustomers])
	}
	if counts[TableJobs] != 1 {
		t.Errorf("jobs appears %d times, want 1", counts[TableJobs])
	}
	if counts[TableServiceTypes] != 1 {
		t.Errorf("service_types appears %d times, want 1", counts[TableServiceTypes])
	}
}

// TestAllDependencies_NoDeps tests a leaf table.
func TestAllDependencies_NoDeps(t *testing.T) {
	deps, err := AllDependencies(TableCustomers)
	if err != nil {
		t.Fatalf("AllDependencies() failed: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("AllDependencies(customers) = %v, want empty", deps)
	}
}

// TestAllDependencies_InvalidTable tests the allow-list guard.
func TestAllDependencies_InvalidTable(t *testing.T) {
	_, err := AllDependencies("invoices")
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("AllDependencies() error = %v, want ErrInvalidTable", err)
	}
}

// TestDependencyFields_Copy tests that callers cannot mutate the registry.
func TestDependencyFields_Copy(t *testing.T) {
	fields, err := DependencyFields(TableJobs)
	if err != nil {
		t.Fatalf("DependencyFields() failed: %v", err)
	}
	fields["customer_id"] = "tampered"

	again, _ := DependencyFields(TableJobs)
	if again["customer_id"] != TableCustomers {
		t.Error("registry was mutated through DependencyFields result")
	}
}
