package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"harvestline/internal/domain"
)

func scanIssueType(row scanner) (domain.IssueTypeNode, error) {
	var (
		n        domain.IssueTypeNode
		url      sql.NullString
		children string
	)
	err := row.Scan(&n.ID, &n.Name, &url, &children)
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.URL = url.String
	n.ChildTypeIDs = []int{}
	if children != "" {
		if err := json.Unmarshal([]byte(children), &n.ChildTypeIDs); err != nil {
			return n, fmt.Errorf("decode child types of %d: %w", n.ID, err)
		}
	}
	return n, nil
}

func (r Repo) GetIssueType(ctx context.Context, id int) (domain.IssueTypeNode, error) {
	return scanIssueType(r.DB.QueryRowContext(ctx, `SELECT id,name,url,child_type_ids FROM issue_types WHERE id=?`, id))
}

func (r Repo) ListIssueTypes(ctx context.Context) ([]domain.IssueTypeNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,url,child_type_ids FROM issue_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueTypeNode
	for rows.Next() {
		n, err := scanIssueType(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) InsertIssueType(ctx context.Context, n domain.IssueTypeNode) error {
	children, err := encodeChildren(n.ChildTypeIDs)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO issue_types(id,name,url,child_type_ids) VALUES (?,?,?,?)`, n.ID, n.Name, nullable(n.URL), children)
	return err
}

func (r Repo) UpdateIssueType(ctx context.Context, n domain.IssueTypeNode) error {
	children, err := encodeChildren(n.ChildTypeIDs)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE issue_types SET name=?, url=?, child_type_ids=? WHERE id=?`, n.Name, nullable(n.URL), children, n.ID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeChildren(ids []int) (string, error) {
	if ids == nil {
		ids = []int{}
	}
	b, err := json.Marshal(ids)
	return string(b), err
}
