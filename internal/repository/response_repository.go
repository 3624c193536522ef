package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/leadflow-backend/internal/db"
	appErrors "github.com/unclebandit/leadflow-backend/internal/errors"
	"github.com/unclebandit/leadflow-backend/internal/model"
)

// AudienceQuery narrows the responses of one quiz. Nil fields do not filter.
type AudienceQuery struct {
	QuizID         string
	IsComplete     *bool
	SubmittedFrom  *time.Time // submitted_at >= SubmittedFrom
	SubmittedAfter *time.Time // submitted_at > SubmittedAfter
	SubmittedUntil *time.Time // submitted_at <= SubmittedUntil
	// ExcludeProcessed drops responses already in the campaign's lead ledger.
	ExcludeProcessed *CampaignRef
}

type CampaignRef struct {
	Channel    model.Channel
	CampaignID string
}

type ResponseRepositoryInterface interface {
	SaveWithVariables(ctx context.Context, resp *model.QuizResponse, vars []model.ResponseVariable) (bool, error)
	GetByID(ctx context.Context, id string) (*model.QuizResponse, error)
	ListVariables(ctx context.Context, responseID string) ([]model.ResponseVariable, error)
	GetStructure(ctx context.Context, quizID string) (*model.QuizStructure, error)
	SaveStructure(ctx context.Context, quizID string, elements []model.QuizElement) error
	ListCandidates(ctx context.Context, q AudienceQuery) ([]model.ResponseWithVariables, error)
}

type ResponseRepository struct {
	DB *sql.DB
}

// SaveWithVariables stores a response and its variables in one transaction.
// Responses are immutable: a second save of the same id keeps the stored
// response and only adds variables that were missing. It reports whether
// the response row was created.
func (r *ResponseRepository) SaveWithVariables(ctx context.Context, resp *model.QuizResponse, vars []model.ResponseVariable) (bool, error) {
	answers, err := json.Marshal(resp.Answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = time.Now()
	}

	var created bool
	err = db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO quiz_responses (id, quiz_id, answers, is_complete, submitted_at, completed_at, country, phone_country_code, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            ON CONFLICT (id) DO NOTHING`,
			resp.ID, resp.QuizID, answers, resp.IsComplete, resp.SubmittedAt, resp.CompletedAt,
			resp.Country, resp.PhoneCountryCode, resp.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert response: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1

		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO response_variables (response_id, quiz_id, name, value, element_type, page_id, page_order, question, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
            ON CONFLICT (response_id, name) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare variables: %w", err)
		}
		defer stmt.Close()

		for _, v := range vars {
			if _, err := stmt.ExecContext(ctx, resp.ID, resp.QuizID, v.Name, v.Value, v.ElementType,
				v.PageID, v.PageOrder, v.Question, resp.CreatedAt); err != nil {
				return fmt.Errorf("insert variable %q: %w", v.Name, err)
			}
		}
		return nil
	})
	return created, err
}

func (r *ResponseRepository) GetByID(ctx context.Context, id string) (*model.QuizResponse, error) {
	row := r.DB.QueryRowContext(ctx, `
        SELECT id, quiz_id, answers, is_complete, submitted_at, completed_at, country, phone_country_code, created_at
        FROM quiz_responses WHERE id=$1`, id)
	resp, err := scanResponse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrResponseNotFound
	}
	return resp, err
}

func (r *ResponseRepository) ListVariables(ctx context.Context, responseID string) ([]model.ResponseVariable, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, response_id, quiz_id, name, value, element_type, page_id, page_order, question, created_at
        FROM response_variables WHERE response_id=$1
        ORDER BY page_order, name`, responseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vars := []model.ResponseVariable{}
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

func (r *ResponseRepository) GetStructure(ctx context.Context, quizID string) (*model.QuizStructure, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT quiz_id, element_id, field_id, element_type, page_id, page_order, question
        FROM quiz_elements WHERE quiz_id=$1
        ORDER BY page_order, element_id`, quizID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var elements []model.QuizElement
	for rows.Next() {
		var e model.QuizElement
		if err := rows.Scan(&e.QuizID, &e.ElementID, &e.FieldID, &e.ElementType, &e.PageID, &e.PageOrder, &e.Question); err != nil {
			return nil, err
		}
		elements = append(elements, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return model.NewQuizStructure(quizID, elements), nil
}

// SaveStructure replaces the element mapping of a quiz.
func (r *ResponseRepository) SaveStructure(ctx context.Context, quizID string, elements []model.QuizElement) error {
	return db.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM quiz_elements WHERE quiz_id=$1`, quizID); err != nil {
			return err
		}
		for _, e := range elements {
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO quiz_elements (quiz_id, element_id, field_id, element_type, page_id, page_order, question)
                VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				quizID, e.ElementID, e.FieldID, e.ElementType, e.PageID, e.PageOrder, e.Question); err != nil {
				return fmt.Errorf("insert element %q: %w", e.ElementID, err)
			}
		}
		return nil
	})
}

// ListCandidates returns the matching responses with their variables, ordered
// by submission time then id.
func (r *ResponseRepository) ListCandidates(ctx context.Context, q AudienceQuery) ([]model.ResponseWithVariables, error) {
	query, args := buildCandidateQuery(q)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []model.ResponseWithVariables
	index := map[string]int{}
	ids := []string{}
	for rows.Next() {
		resp, err := scanResponse(rows)
		if err != nil {
			return nil, err
		}
		index[resp.ID] = len(out)
		ids = append(ids, resp.ID)
		out = append(out, model.ResponseWithVariables{Response: *resp})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	vrows, err := r.DB.QueryContext(ctx, `
        SELECT id, response_id, quiz_id, name, value, element_type, page_id, page_order, question, created_at
        FROM response_variables WHERE response_id = ANY($1)
        ORDER BY response_id, page_order, name`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list candidate variables: %w", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		v, err := scanVariable(vrows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[v.ResponseID]; ok {
			out[i].Variables = append(out[i].Variables, v)
		}
	}
	return out, vrows.Err()
}

func buildCandidateQuery(q AudienceQuery) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`SELECT r.id, r.quiz_id, r.answers, r.is_complete, r.submitted_at, r.completed_at, r.country, r.phone_country_code, r.created_at
        FROM quiz_responses r WHERE r.quiz_id=$1`)
	args := []interface{}{q.QuizID}
	argPos := 2

	if q.IsComplete != nil {
		fmt.Fprintf(&b, " AND r.is_complete=$%d", argPos)
		args = append(args, *q.IsComplete)
		argPos++
	}
	if q.SubmittedFrom != nil {
		fmt.Fprintf(&b, " AND r.submitted_at >= $%d", argPos)
		args = append(args, *q.SubmittedFrom)
		argPos++
	}
	if q.SubmittedAfter != nil {
		fmt.Fprintf(&b, " AND r.submitted_at > $%d", argPos)
		args = append(args, *q.SubmittedAfter)
		argPos++
	}
	if q.SubmittedUntil != nil {
		fmt.Fprintf(&b, " AND r.submitted_at <= $%d", argPos)
		args = append(args, *q.SubmittedUntil)
		argPos++
	}
	if q.ExcludeProcessed != nil {
		fmt.Fprintf(&b, " AND NOT EXISTS (SELECT 1 FROM campaign_leads cl WHERE cl.channel=$%d AND cl.campaign_id=$%d AND cl.response_id=r.id)", argPos, argPos+1)
		args = append(args, string(q.ExcludeProcessed.Channel), q.ExcludeProcessed.CampaignID)
	}
	b.WriteString(" ORDER BY r.submitted_at, r.id")
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResponse(row rowScanner) (*model.QuizResponse, error) {
	var resp model.QuizResponse
	var answers []byte
	if err := row.Scan(&resp.ID, &resp.QuizID, &answers, &resp.IsComplete, &resp.SubmittedAt, &resp.CompletedAt,
		&resp.Country, &resp.PhoneCountryCode, &resp.CreatedAt); err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &resp.Answers); err != nil {
			return nil, fmt.Errorf("decode answers of %s: %w", resp.ID, err)
		}
	}
	return &resp, nil
}

func scanVariable(row rowScanner) (model.ResponseVariable, error) {
	var v model.ResponseVariable
	err := row.Scan(&v.ID, &v.ResponseID, &v.QuizID, &v.Name, &v.Value, &v.ElementType, &v.PageID, &v.PageOrder, &v.Question, &v.CreatedAt)
	return v, err
}

var _ ResponseRepositoryInterface = (*ResponseRepository)(nil)
