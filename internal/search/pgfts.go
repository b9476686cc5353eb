package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over title and content, scoped to contracts the
// user participates in, with ts_headline snippets ranked by ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const where = `
		to_tsvector('english', c.title || ' ' || c.content) @@ plainto_tsquery('english', $1)
		AND c.participants @> jsonb_build_array(jsonb_build_object('userId', $2::text))`

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM contracts c WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text, q.UserID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.id, c.title,
			ts_headline('english', c.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			c.current_version
		FROM contracts c
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', c.title || ' ' || c.content), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text, q.UserID)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.CurrentVersion); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every contract as an indexable record, for full
// reindexing after a Meilisearch recovery or cold start.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContractRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.content, c.current_version,
			coalesce(array_agg(p->>'userId') FILTER (WHERE p->>'userId' IS NOT NULL), '{}')
		FROM contracts c
		LEFT JOIN LATERAL jsonb_array_elements(c.participants) p ON true
		GROUP BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load contracts: %w", err)
	}
	defer rows.Close()

	records := make([]ContractRecord, 0)
	for rows.Next() {
		var record ContractRecord
		var participants []string
		if err := rows.Scan(&record.ID, &record.Title, &record.Content, &record.CurrentVersion, pqStringArray{&participants}); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		record.ParticipantIDs = participants
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return records, nil
}

// pqStringArray scans a text[] column without pulling in an array codec
// dependency; the driver hands arrays back in their wire text form.
type pqStringArray struct {
	dest *[]string
}

func (a pqStringArray) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*a.dest = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("unsupported array source %T", src)
	}
	raw = strings.TrimPrefix(raw, "{")
	raw = strings.TrimSuffix(raw, "}")
	if raw == "" {
		*a.dest = []string{}
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.Trim(part, `"`))
	}
	*a.dest = out
	return nil
}
