package server

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// missingForRecordInTx checks every foreign key the record carries against
// the referenced tables, inside the merge transaction. Empty foreign keys
// are treated as absent relations, not missing ones.
func (s *Store) missingForRecordInTx(ctx context.Context, tx *sql.Tx, table schema.Table, rec *schema.Record) ([]protocol.MissingDependency, error) {
	if len(table.Dependencies) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(table.Dependencies))
	for field := range table.Dependencies {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var missing []protocol.MissingDependency
	for _, field := range fields {
		refTable := table.Dependencies[field]
		refID := rec.StringField(field)
		if refID == "" {
			continue
		}

		var exists bool
		query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)", refTable)
		if err := tx.QueryRowContext(ctx, query, refID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to probe %s for %s: %w", refTable, refID, err)
		}
		if !exists {
			missing = append(missing, protocol.MissingDependency{
				Table:    refTable,
				RecordID: refID,
			})
		}
	}
	return missing, nil
}

// IDsExist probes which of the given ids currently exist in a table.
func (s *Store) IDsExist(ctx context.Context, tableName string, ids []string) (existing, missing []string, err error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return nil, nil, nil
	}

	query := fmt.Sprintf("SELECT id FROM %s WHERE id IN (%s)",
		table.Name,
		strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to probe %s ids: %w", table.Name, err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("failed to scan id: %w", err)
		}
		found[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating ids: %w", err)
	}

	for _, id := range ids {
		if found[id] {
			existing = append(existing, id)
		} else {
			missing = append(missing, id)
		}
	}
	return existing, missing, nil
}

// CheckMissingDependencies inspects the stored rows for the given ids and
// reports, per referenced table, which referenced ids do not exist yet.
func (s *Store) CheckMissingDependencies(ctx context.Context, tableName string, recordIDs []string) (map[string][]string, error) {
	refs, err := s.referencedIDs(ctx, tableName, recordIDs)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]string)
	for refTable, ids := range refs {
		_, missing, err := s.IDsExist(ctx, refTable, ids)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			result[refTable] = missing
		}
	}
	return result, nil
}

// FetchDependencies loads the referenced rows for a record batch, grouped
// by referenced table and deduplicated by id.
func (s *Store) FetchDependencies(ctx context.Context, tableName string, recordIDs []string) (map[string][]schema.Record, error) {
	refs, err := s.referencedIDs(ctx, tableName, recordIDs)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]schema.Record)
	for refTable, ids := range refs {
		table, err := schema.Lookup(refTable)
		if err != nil {
			return nil, err
		}

		query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)",
			strings.Join(serverColumns(table), ", "),
			table.Name,
			strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "))
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}

		rows, err := s.conn.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s dependencies: %w", refTable, err)
		}
		records, _, err := scanServerRecords(rows, table)
		rows.Close()
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			result[refTable] = records
		}
	}
	return result, nil
}

// referencedIDs collects the deduplicated foreign-key values carried by
// the stored rows for recordIDs, grouped by referenced table.
func (s *Store) referencedIDs(ctx context.Context, tableName string, recordIDs []string) (map[string][]string, error) {
	table, err := schema.Lookup(tableName)
	if err != nil {
		return nil, err
	}
	if len(table.Dependencies) == 0 || len(recordIDs) == 0 {
		return map[string][]string{}, nil
	}

	fields := make([]string, 0, len(table.Dependencies))
	for field := range table.Dependencies {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id IN (%s)",
		strings.Join(fields, ", "),
		table.Name,
		strings.TrimSuffix(strings.Repeat("?, ", len(recordIDs)), ", "))
	args := make([]any, len(recordIDs))
	for i, id := range recordIDs {
		args[i] = id
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s foreign keys: %w", table.Name, err)
	}
	defer rows.Close()

	seen := make(map[string]map[string]bool)
	for rows.Next() {
		values := make([]sql.NullString, len(fields))
		dest := make([]any, len(fields))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan foreign keys: %w", err)
		}
		for i, field := range fields {
			if !values[i].Valid || values[i].String == "" {
				continue
			}
			refTable := table.Dependencies[field]
			if seen[refTable] == nil {
				seen[refTable] = make(map[string]bool)
			}
			seen[refTable][values[i].String] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating foreign keys: %w", err)
	}

	result := make(map[string][]string, len(seen))
	for refTable, ids := range seen {
		list := make([]string, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		sort.Strings(list)
		result[refTable] = list
	}
	return result, nil
}
