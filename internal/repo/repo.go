package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"issuedesk/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const projectColumns = `key,name,status,COALESCE(description,''),created_at`

func scanProject(row scanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.Key, &p.Name, &p.Status, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(key,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.Key, p.Name, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, key string) (domain.Project, error) {
	p, err := scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE key=?`, key))
	if err != nil {
		return p, err
	}
	p.IssueTypes, err = r.ListIssueTypes(ctx, key)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		types, err := r.ListIssueTypes(ctx, res[i].Key)
		if err != nil {
			return nil, err
		}
		res[i].IssueTypes = types
	}
	return res, nil
}

func (r Repo) UpdateProject(ctx context.Context, key, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, key)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE key=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddIssueType registers a type for a project; re-adding is a no-op.
func (r Repo) AddIssueType(ctx context.Context, tx *sql.Tx, projectKey, name string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issue_types(project_key,name,position)
VALUES (?,?,(SELECT COALESCE(MAX(position),0)+1 FROM issue_types WHERE project_key=?))
ON CONFLICT(project_key,name) DO NOTHING`, projectKey, name, projectKey)
	return err
}

// ListIssueTypes returns the types of one project, or the distinct union of
// all projects when projectKey is empty.
func (r Repo) ListIssueTypes(ctx context.Context, projectKey string) ([]string, error) {
	query := `SELECT name FROM issue_types WHERE project_key=? ORDER BY position, name`
	args := []any{projectKey}
	if projectKey == "" {
		query = `SELECT DISTINCT name FROM issue_types ORDER BY name`
		args = nil
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

// NextIssueNumber reserves the next sequence number of a project.
func (r Repo) NextIssueNumber(ctx context.Context, tx *sql.Tx, projectKey string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT next_seq FROM projects WHERE key=?`, projectKey).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET next_seq=? WHERE key=?`, n+1, projectKey); err != nil {
		return 0, err
	}
	return n, nil
}

const issueColumns = `key,project_key,type,summary,description,status,priority,assignee,labels_json,due_date,created_at,updated_at`

func scanIssue(row scanner) (domain.Issue, error) {
	var is domain.Issue
	var description, priority, assignee, labels, due sql.NullString
	err := row.Scan(&is.Key, &is.ProjectKey, &is.Type, &is.Summary, &description, &is.Status, &priority, &assignee, &labels, &due, &is.CreatedAt, &is.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	is.Description = description.String
	is.Priority = priority.String
	is.Assignee = assignee.String
	is.DueDate = due.String
	if labels.Valid && labels.String != "" {
		if err := json.Unmarshal([]byte(labels.String), &is.Labels); err != nil {
			return is, fmt.Errorf("decode labels of %s: %w", is.Key, err)
		}
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	labels, err := marshalLabels(is.Labels)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.Key, is.ProjectKey, is.Type, is.Summary, nullable(is.Description), is.Status, nullable(is.Priority),
		nullable(is.Assignee), labels, nullable(is.DueDate), is.CreatedAt, is.UpdatedAt)
	return err
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	labels, err := marshalLabels(is.Labels)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE issues SET type=?, summary=?, description=?, status=?, priority=?, assignee=?, labels_json=?, due_date=?, updated_at=? WHERE key=?`,
		is.Type, is.Summary, nullable(is.Description), is.Status, nullable(is.Priority), nullable(is.Assignee), labels,
		nullable(is.DueDate), is.UpdatedAt, is.Key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIssue(ctx context.Context, key string) (domain.Issue, error) {
	return getIssue(ctx, r.DB, key)
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, key string) (domain.Issue, error) {
	return getIssue(ctx, tx, key)
}

func getIssue(ctx context.Context, q queryer, key string) (domain.Issue, error) {
	return scanIssue(q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE key=?`, key))
}

func (r Repo) DeleteIssue(ctx context.Context, tx *sql.Tx, key string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE key=?`, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type IssueFilters struct {
	ProjectKey string
	Status     string
	Type       string
	Priority   string
	Assignee   string
	Text       string
	Limit      int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ProjectKey != "" {
		clauses = append(clauses, "project_key=?")
		args = append(args, f.ProjectKey)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.Text != "" {
		clauses = append(clauses, "(summary LIKE ? OR description LIKE ?)")
		like := "%" + f.Text + "%"
		args = append(args, like, like)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, key DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally scoped to a
// project or an issue.
func (r Repo) LatestEvents(ctx context.Context, limit int, projectKey, issueKey string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if projectKey != "" {
		clauses = append(clauses, "project_key=?")
		args = append(args, projectKey)
	}
	if issueKey != "" {
		clauses = append(clauses, "issue_key=?")
		args = append(args, issueKey)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_key,''),COALESCE(issue_key,''),actor,COALESCE(payload_json,'') FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectKey, &e.IssueKey, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalLabels(labels []string) (any, error) {
	if len(labels) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(labels)
	if err != nil {
		return nil, fmt.Errorf("encode labels: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
