package searchindex

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Sort orders accepted by SearchWith.
const (
	SortRelevance = "relevance"
	SortModified  = "modified"
)

// SearchOptions narrows and pages a search.
type SearchOptions struct {
	Project string
	Since   time.Time
	Until   time.Time
	Sort    string // SortRelevance (default) or SortModified
	Limit   int
	Offset  int
}

// Result is one ranked search hit.
type Result struct {
	SessionID          string    `json:"session_id"`
	ProjectEncoded     string    `json:"project_encoded"`
	ProjectDisplayName string    `json:"project_display_name"`
	ProjectPath        string    `json:"project_path"`
	Summary            string    `json:"summary,omitempty"`
	FilePath           string    `json:"file_path"`
	Created            time.Time `json:"created"`
	Modified           time.Time `json:"modified"`
	SizeBytes          int64     `json:"size_bytes"`
	LineCount          int       `json:"line_count"`
	DurationMs         int64     `json:"duration_ms,omitempty"`
	HasSubagents       bool      `json:"has_subagents"`
	Score              float64   `json:"score"`
}

// Search is the plain form used by the bot commands: ranked, newest-first
// tie-break, no filters.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	return ix.SearchWith(ctx, query, SearchOptions{Limit: limit})
}

// SearchWith retrieves candidate sessions (FTS5 when available, substring
// otherwise), scores them with the ranking formula and returns the requested
// page.
func (ix *Index) SearchWith(ctx context.Context, query string, opts SearchOptions) ([]Result, error) {
	terms := queryTerms(query)
	phrase := strings.ToLower(strings.TrimSpace(query))

	candidates, err := ix.fetchCandidates(ctx, terms, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for i := range candidates {
		candidates[i].Score = score(&candidates[i], terms, phrase, now)
	}

	switch opts.Sort {
	case SortModified:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Modified.After(candidates[j].Modified)
		})
	default:
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Score != candidates[j].Score {
				return candidates[i].Score > candidates[j].Score
			}
			return candidates[i].Modified.After(candidates[j].Modified)
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(candidates) {
			return nil, nil
		}
		candidates = candidates[opts.Offset:]
	}
	if opts.Limit > 0 && len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// score implements the deterministic ranking formula: weighted term hits in
// summary and project name, a phrase bonus, and linear recency decay over 30
// days. All matches are case-insensitive.
func score(r *Result, terms []string, phrase string, now time.Time) float64 {
	summary := strings.ToLower(r.Summary)
	project := strings.ToLower(r.ProjectDisplayName)

	var s float64
	for _, t := range terms {
		if strings.Contains(summary, t) {
			s += 2.0
		}
		if strings.Contains(project, t) {
			s += 1.0
		}
	}
	if phrase != "" && strings.Contains(summary, phrase) {
		s += 1.0
	}

	days := now.Sub(r.Modified).Hours() / 24
	if recency := 1.0 - days/30; recency > 0 {
		s += recency
	}
	return s
}

// queryTerms lowercases and splits the query, dropping terms shorter than
// two characters.
func queryTerms(query string) []string {
	var terms []string
	for _, t := range strings.Fields(strings.ToLower(query)) {
		if len([]rune(t)) >= 2 {
			terms = append(terms, t)
		}
	}
	return terms
}

// fetchCandidates returns every session inside the project/date filters.
// Term matching never excludes a row: a session matching no term still ranks
// on recency alone. With terms present the matched rows come through the FTS
// (or LIKE) predicate and the remainder through its negation, so the two
// queries partition the filtered set without duplicates.
func (ix *Index) fetchCandidates(ctx context.Context, terms []string, opts SearchOptions) ([]Result, error) {
	filters, filterArgs := filterClauses(opts)
	if len(terms) == 0 {
		return ix.querySessions(ctx, filters, filterArgs)
	}

	var (
		matchCond string
		restCond  string
		termArgs  []interface{}
	)
	if ix.ftsEnabled {
		sub := "(SELECT rowid FROM sessions_fts WHERE sessions_fts MATCH ?)"
		matchCond = "s.rowid IN " + sub
		restCond = "s.rowid NOT IN " + sub
		termArgs = append(termArgs, ftsQuery(terms))
	} else {
		var likes []string
		for _, t := range terms {
			likes = append(likes, "(LOWER(IFNULL(s.summary,'')) LIKE ? OR LOWER(s.project_display_name) LIKE ?)")
			pattern := "%" + t + "%"
			termArgs = append(termArgs, pattern, pattern)
		}
		cond := "(" + strings.Join(likes, " OR ") + ")"
		matchCond = cond
		restCond = "NOT " + cond
	}

	matched, err := ix.querySessions(ctx,
		append([]string{matchCond}, filters...),
		append(append([]interface{}{}, termArgs...), filterArgs...))
	if err != nil {
		return nil, err
	}
	rest, err := ix.querySessions(ctx,
		append([]string{restCond}, filters...),
		append(append([]interface{}{}, termArgs...), filterArgs...))
	if err != nil {
		return nil, err
	}
	return append(matched, rest...), nil
}

func filterClauses(opts SearchOptions) ([]string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	if opts.Project != "" {
		where = append(where, "(s.project_encoded = ? OR s.project_display_name = ?)")
		args = append(args, opts.Project, opts.Project)
	}
	if !opts.Since.IsZero() {
		where = append(where, "s.file_modified_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		where = append(where, "s.file_modified_at <= ?")
		args = append(args, opts.Until.UnixMilli())
	}
	return where, args
}

func (ix *Index) querySessions(ctx context.Context, where []string, args []interface{}) ([]Result, error) {
	q := `SELECT s.session_id, s.project_encoded, s.project_display_name, s.project_path,
		IFNULL(s.summary, ''), s.file_path, s.file_created_at, s.file_modified_at,
		s.size_bytes, s.line_count, IFNULL(s.duration_ms, 0), s.has_subagents
		FROM sessions s`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := ix.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search query: %w", err)
	}
	defer rows.Close()
	return scanResults(rows)
}

func scanResults(rows *sql.Rows) ([]Result, error) {
	var results []Result
	for rows.Next() {
		var (
			r                 Result
			created, modified int64
			hasSubagents      int
		)
		err := rows.Scan(&r.SessionID, &r.ProjectEncoded, &r.ProjectDisplayName, &r.ProjectPath,
			&r.Summary, &r.FilePath, &created, &modified,
			&r.SizeBytes, &r.LineCount, &r.DurationMs, &hasSubagents)
		if err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		r.Created = time.UnixMilli(created)
		r.Modified = time.UnixMilli(modified)
		r.HasSubagents = hasSubagents != 0
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery quotes each term so user input cannot inject FTS5 syntax.
func ftsQuery(terms []string) string {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Project aggregates the sessions of one project.
type Project struct {
	ProjectEncoded     string    `json:"project_encoded"`
	ProjectDisplayName string    `json:"project_display_name"`
	ProjectPath        string    `json:"project_path"`
	Sessions           int       `json:"sessions"`
	LastModified       time.Time `json:"last_modified"`
}

// Projects returns per-project session counts, most recently active first.
func (ix *Index) Projects(ctx context.Context) ([]Project, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT project_encoded, project_display_name, project_path,
			COUNT(*), MAX(file_modified_at)
		 FROM sessions
		 GROUP BY project_encoded
		 ORDER BY MAX(file_modified_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var (
			p        Project
			modified int64
		)
		if err := rows.Scan(&p.ProjectEncoded, &p.ProjectDisplayName, &p.ProjectPath, &p.Sessions, &modified); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.LastModified = time.UnixMilli(modified)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}
