package brain

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/nous-labs/concierge/pkg/intent"
)

// ftsIndex is an external-content FTS5 table kept in sync with its source
// table by triggers.
type ftsIndex struct {
	name    string
	table   string
	columns []string
}

var ftsIndexes = []ftsIndex{
	{"memories_fts", "memories", []string{"content"}},
	{"notes_fts", "notes", []string{"title", "content", "tags"}},
	{"recordings_fts", "recordings", []string{"title", "summary", "transcript"}},
	{"tasks_fts", "tasks", []string{"title", "description"}},
}

func (f ftsIndex) statements() []string {
	cols := strings.Join(f.columns, ", ")
	newVals := "new." + strings.Join(f.columns, ", new.")
	oldVals := "old." + strings.Join(f.columns, ", old.")
	ins := fmt.Sprintf(`INSERT INTO %s(rowid, %s) VALUES (new.id, %s);`, f.name, cols, newVals)
	del := fmt.Sprintf(`INSERT INTO %s(%s, rowid, %s) VALUES ('delete', old.id, %s);`, f.name, f.name, cols, oldVals)
	return []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(%s, content='%s', content_rowid='id')`, f.name, cols, f.table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ai AFTER INSERT ON %s BEGIN %s END`, f.table, f.table, ins),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_ad AFTER DELETE ON %s BEGIN %s END`, f.table, f.table, del),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_au AFTER UPDATE ON %s BEGIN %s %s END`, f.table, f.table, del, ins),
	}
}

// migrateFTS creates the keyword indexes. An index created over a table that
// already holds rows is rebuilt from it.
func (b *Brain) migrateFTS(ctx context.Context) error {
	for _, f := range ftsIndexes {
		var existing int
		if err := b.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, f.name).Scan(&existing); err != nil {
			return fmt.Errorf("migrate %s: %w", f.name, err)
		}
		for _, stmt := range f.statements() {
			if _, err := b.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migrate %s: %w", f.name, err)
			}
		}
		if existing == 0 {
			rebuild := fmt.Sprintf(`INSERT INTO %s(%s) VALUES ('rebuild')`, f.name, f.name)
			if _, err := b.db.ExecContext(ctx, rebuild); err != nil {
				return fmt.Errorf("rebuild %s: %w", f.name, err)
			}
		}
	}
	return nil
}

// queryTerms returns the distinct lowercased content words of a search query.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range intent.Tokenize(strings.ToLower(query)) {
		if len(tok) < 2 || intent.IsStopword(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

// matchExpr renders terms as an FTS5 query: every term a quoted prefix, any
// term may match.
func matchExpr(terms []string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"*`
	}
	return strings.Join(parts, " OR ")
}

// matchDepth is how many bm25-ranked hits a search folds before the limit.
func matchDepth(limit int) int {
	return max(limit*10, 50)
}

// termOverlap returns the fraction of terms that prefix a word in the given
// fields. A whole-phrase hit scores 1.
func termOverlap(terms []string, phrase string, fields ...string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hay := strings.ToLower(strings.Join(fields, "\n"))
	if phrase != "" && strings.Contains(hay, strings.ToLower(strings.TrimSpace(phrase))) {
		return 1
	}
	words := intent.Tokenize(hay)
	hits := 0
	for _, term := range terms {
		for _, w := range words {
			if strings.HasPrefix(w, term) {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(terms))
}

// similarity folds a hit into [0,1]: its term coverage, scaled by its bm25
// score relative to the best hit. bm25 is negative; lower is better.
func similarity(coverage, score, best float64) float64 {
	rel := 1.0
	if best < 0 {
		rel = score / best
	}
	return coverage * (0.5 + 0.5*rel)
}

type scored[T any] struct {
	item  T
	score float64
}

// searchFTS runs q, whose rows end in a bm25 column and arrive best first,
// and returns items with their similarity, highest first, stable for ties.
// Items at or below floor are dropped.
func searchFTS[T any](ctx context.Context, db *sql.DB, what, q string, args []any,
	scan func(rowScanner, *float64) (T, error), cover func(T) float64, limit int, floor float64) ([]scored[T], error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", what, err)
	}
	defer rows.Close()

	var raw []scored[T]
	for rows.Next() {
		var bm float64
		it, err := scan(rows, &bm)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		raw = append(raw, scored[T]{it, bm})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search %s: %w", what, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	best := raw[0].score
	hits := raw[:0]
	for _, r := range raw {
		s := similarity(cover(r.item), r.score, best)
		if s > 0 && s >= floor {
			hits = append(hits, scored[T]{r.item, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func items[T any](hits []scored[T]) []T {
	out := make([]T, len(hits))
	for i, h := range hits {
		out[i] = h.item
	}
	return out
}
