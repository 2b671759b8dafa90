package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fieldbooks/fieldbooks/internal/protocol"
	"github.com/fieldbooks/fieldbooks/internal/schema"
)

// defaultDownloadLimit caps pages when the request does not say otherwise.
const defaultDownloadLimit = 500

// Download returns one keyset page of records authored by other devices.
//
// Rows are selected strictly after the cursor (server-assigned timestamp)
// in ascending order, fetching limit+1 rows so HasMore needs no separate
// count query. NextCursor is the stamp of the last row actually returned:
// because server stamps strictly advance, no row can ever appear in the
// past of an already-served cursor window.
func (s *Store) Download(ctx context.Context, req *protocol.DownloadRequest) (*protocol.DownloadResponse, error) {
	table, err := schema.Lookup(req.Table)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultDownloadLimit
	}

	cursor := req.Cursor
	if !req.Since.IsZero() && req.Since.UnixNano() > cursor {
		cursor = req.Since.UnixNano()
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE device_id != ? AND server_updated_at > ?
		ORDER BY server_updated_at ASC
		LIMIT ?`,
		strings.Join(serverColumns(table), ", "), table.Name)

	rows, err := s.conn.QueryContext(ctx, query, req.DeviceID, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s downloads: %w", table.Name, err)
	}
	records, stamps, err := scanServerRecords(rows, table)
	rows.Close()
	if err != nil {
		return nil, err
	}

	resp := &protocol.DownloadResponse{
		Table:      table.Name,
		NextCursor: cursor,
	}
	if len(records) > limit {
		resp.HasMore = true
		records = records[:limit]
		stamps = stamps[:limit]
	}
	resp.Records = records
	resp.Count = len(records)
	if len(stamps) > 0 {
		resp.NextCursor = stamps[len(stamps)-1]
	}
	return resp, nil
}

// scanServerRecords reads rows produced by a serverColumns SELECT,
// returning the records and their server stamps in query order.
func scanServerRecords(rows *sql.Rows, table schema.Table) ([]schema.Record, []int64, error) {
	var records []schema.Record
	var stamps []int64

	for rows.Next() {
		var rec schema.Record
		var createdAt, updatedAt string
		var stamp int64
		fields := make([]sql.NullString, len(table.Columns))

		dest := []any{&rec.ID, &rec.DeviceID, &createdAt, &updatedAt, &stamp}
		for i := range fields {
			dest = append(dest, &fields[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan %s record: %w", table.Name, err)
		}

		var err error
		if rec.CreatedAt, err = schema.ParseTime(createdAt); err != nil {
			return nil, nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = schema.ParseTime(updatedAt); err != nil {
			return nil, nil, fmt.Errorf("record %s: %w", rec.ID, err)
		}

		rec.Fields = make(map[string]any, len(table.Columns))
		for i, c := range table.Columns {
			if fields[i].Valid {
				rec.Fields[c.Name] = fields[i].String
			}
		}
		records = append(records, rec)
		stamps = append(stamps, stamp)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating %s records: %w", table.Name, err)
	}
	return records, stamps, nil
}
