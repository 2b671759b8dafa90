// Package schema defines the closed set of syncable tables, their business
// columns, and the foreign-key dependency catalog used to order uploads.
//
// The registry is compile-time configuration: table names never arrive from
// user input, and every query layer in the repository resolves a table
// through Lookup before touching SQL. The dependency edges form a DAG; the
// global sync order is computed once at package init and a cycle in the
// configuration is rejected there.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// Status is the per-record sync lifecycle flag.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSynced  Status = "SYNCED"
	StatusFailed  Status = "FAILED"
)

// ErrInvalidTable is returned when a table name is not in the registry.
// It fails fast, before any SQL is built.
var ErrInvalidTable = errors.New("table is not registered for sync")

// Registered table names. These are the only identifiers that ever reach
// the query layer.
const (
	TableCustomers     = "customers"
	TableJobs          = "jobs"
	TablePayments      = "payments"
	TableExpenses      = "expenses"
	TableServiceTypes  = "service_types"
	TableUsers         = "users"
	TableLedgerEntries = "ledger_entries"
	TableAuditLogs     = "audit_logs"
)

// Column describes a business column beyond the common sync columns
// (id, device_id, created_at, updated_at).
type Column struct {
	Name string
	Type string // SQLite storage type: TEXT, INTEGER, REAL
}

// Table describes one syncable table.
type Table struct {
	Name    string
	Columns []Column

	// Dependencies maps a foreign-key column to the table it references.
	// A referenced row must exist server-side before a record carrying the
	// key can be durably merged.
	Dependencies map[string]string

	// AppendOnly tables accept inserts only. Rows are never updated or
	// deleted once written, by any caller; corrections are new rows.
	AppendOnly bool
}

// LedgerEntryType values for ledger_entries.entry_type.
const (
	LedgerEntryInvoice    = "INVOICE"
	LedgerEntryPayment    = "PAYMENT"
	LedgerEntryAdjustment = "ADJUSTMENT"
)

var registry = map[string]Table{
	TableCustomers: {
		Name: TableCustomers,
		Columns: []Column{
			{Name: "name", Type: "TEXT"},
			{Name: "phone", Type: "TEXT"},
			{Name: "email", Type: "TEXT"},
			{Name: "address", Type: "TEXT"},
		},
	},
	TableServiceTypes: {
		Name: TableServiceTypes,
		Columns: []Column{
			{Name: "name", Type: "TEXT"},
			{Name: "rate", Type: "TEXT"},
		},
	},
	TableUsers: {
		Name: TableUsers,
		Columns: []Column{
			{Name: "name", Type: "TEXT"},
			{Name: "email", Type: "TEXT"},
			{Name: "role", Type: "TEXT"},
		},
	},
	TableJobs: {
		Name: TableJobs,
		Columns: []Column{
			{Name: "customer_id", Type: "TEXT"},
			{Name: "service_type_id", Type: "TEXT"},
			{Name: "title", Type: "TEXT"},
			{Name: "status", Type: "TEXT"},
			{Name: "scheduled_at", Type: "TEXT"},
			{Name: "total_amount", Type: "TEXT"},
		},
		Dependencies: map[string]string{
			"customer_id":     TableCustomers,
			"service_type_id": TableServiceTypes,
		},
	},
	TablePayments: {
		Name: TablePayments,
		Columns: []Column{
			{Name: "job_id", Type: "TEXT"},
			{Name: "customer_id", Type: "TEXT"},
			{Name: "amount", Type: "TEXT"},
			{Name: "method", Type: "TEXT"},
			{Name: "paid_at", Type: "TEXT"},
		},
		Dependencies: map[string]string{
			"job_id":      TableJobs,
			"customer_id": TableCustomers,
		},
	},
	TableExpenses: {
		Name: TableExpenses,
		Columns: []Column{
			{Name: "job_id", Type: "TEXT"},
			{Name: "category", Type: "TEXT"},
			{Name: "amount", Type: "TEXT"},
			{Name: "incurred_at", Type: "TEXT"},
			{Name: "note", Type: "TEXT"},
		},
		Dependencies: map[string]string{
			"job_id": TableJobs,
		},
	},
	TableLedgerEntries: {
		Name: TableLedgerEntries,
		Columns: []Column{
			{Name: "customer_id", Type: "TEXT"},
			{Name: "entry_type", Type: "TEXT"},
			// adjusts_entry_id references another ledger row. It is a
			// same-table reference, so it does not participate in the
			// table-level dependency ordering.
			{Name: "adjusts_entry_id", Type: "TEXT"},
			{Name: "amount", Type: "TEXT"},
			{Name: "balance", Type: "TEXT"},
			{Name: "memo", Type: "TEXT"},
		},
		Dependencies: map[string]string{
			"customer_id": TableCustomers,
		},
		AppendOnly: true,
	},
	TableAuditLogs: {
		Name: TableAuditLogs,
		Columns: []Column{
			{Name: "user_id", Type: "TEXT"},
			{Name: "action", Type: "TEXT"},
			{Name: "entity_table", Type: "TEXT"},
			{Name: "entity_id", Type: "TEXT"},
			{Name: "detail", Type: "TEXT"},
		},
		Dependencies: map[string]string{
			"user_id": TableUsers,
		},
	},
}

// syncOrder is the topologically sorted table sequence: every table appears
// after all tables it depends on. Computed once at init.
var syncOrder []string

func init() {
	order, err := computeSyncOrder()
	if err != nil {
		// The registry is code, not input. A cycle here is a programming
		// error and must not reach a running sync.
		panic(fmt.Sprintf("schema: invalid dependency configuration: %v", err))
	}
	syncOrder = order
}

// Lookup resolves a table name against the registry.
func Lookup(name string) (Table, error) {
	t, ok := registry[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %q", ErrInvalidTable, name)
	}
	return t, nil
}

// TableNames returns all registered table names in sync order.
func TableNames() []string {
	out := make([]string, len(syncOrder))
	copy(out, syncOrder)
	return out
}

// SyncOrder returns the canonical upload ordering: dependency tables
// strictly before dependent tables.
func SyncOrder() []string {
	return TableNames()
}

// DependencyFields returns the foreign-key column to referenced-table map
// for a table. An empty map means the table has no dependencies.
func DependencyFields(name string) (map[string]string, error) {
	t, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(t.Dependencies))
	for k, v := range t.Dependencies {
		out[k] = v
	}
	return out, nil
}

// AllDependencies returns the transitive closure of tables the given table
// depends on, directly or indirectly. The result is duplicate-free and
// sorted. The walk uses three-state marking so a configuration cycle is
// reported instead of recursing forever.
func AllDependencies(name string) ([]string, error) {
	if _, err := Lookup(name); err != nil {
		return nil, err
	}
	marks := make(map[string]int) // 0 unvisited, 1 in progress, 2 done
	seen := make(map[string]bool)

	var visit func(table string) error
	visit = func(table string) error {
		switch marks[table] {
		case 1:
			return fmt.Errorf("dependency cycle through %q", table)
		case 2:
			return nil
		}
		marks[table] = 1
		t := registry[table]
		for _, ref := range t.Dependencies {
			if err := visit(ref); err != nil {
				return err
			}
			seen[ref] = true
		}
		marks[table] = 2
		return nil
	}

	if err := visit(name); err != nil {
		return nil, err
	}
	delete(seen, name)

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// computeSyncOrder runs a depth-first topological sort over the registry.
func computeSyncOrder() ([]string, error) {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	// Stable traversal so the order is deterministic across processes.
	sort.Strings(names)

	marks := make(map[string]int)
	var order []string

	var visit func(table string) error
	visit = func(table string) error {
		switch marks[table] {
		case 1:
			return fmt.Errorf("dependency cycle through %q", table)
		case 2:
			return nil
		}
		marks[table] = 1
		t, ok := registry[table]
		if !ok {
			return fmt.Errorf("dependency on unregistered table %q", table)
		}
		refs := make([]string, 0, len(t.Dependencies))
		for _, ref := range t.Dependencies {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		for _, ref := range refs {
			if err := visit(ref); err != nil {
				return err
			}
		}
		marks[table] = 2
		order = append(order, table)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
