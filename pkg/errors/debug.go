package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Diagnosis is a log-friendly breakdown of an error chain. It never reaches clients.
type Diagnosis struct {
	Code  Code
	Chain []string

	SQLState   string
	Constraint string
	Table      string
	Detail     string
}

// Diagnose walks err and pulls out the typed code and any postgres driver details.
func Diagnose(err error) Diagnosis {
	var d Diagnosis
	if err == nil {
		return d
	}
	if te := As(err); te != nil {
		d.Code = te.Code()
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T", e))
	}

	var pgxErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgxErr):
		d.SQLState = pgxErr.Code
		d.Constraint = pgxErr.ConstraintName
		d.Table = pgxErr.TableName
		d.Detail = pgxErr.Detail
	case errors.As(err, &pqErr):
		d.SQLState = string(pqErr.Code)
		d.Constraint = pqErr.Constraint
		d.Table = pqErr.Table
		d.Detail = pqErr.Detail
	}
	return d
}

// SQLClass is the two character SQLSTATE class, e.g. "23" for integrity violations.
func (d Diagnosis) SQLClass() string {
	if len(d.SQLState) < 2 {
		return ""
	}
	return d.SQLState[:2]
}

// Fields flattens the non-empty parts for structured logging.
func (d Diagnosis) Fields() map[string]any {
	fields := map[string]any{}
	if d.Code != "" {
		fields["error_code"] = string(d.Code)
	}
	if len(d.Chain) > 1 {
		fields["error_chain"] = d.Chain
	}
	if d.SQLState != "" {
		fields["sqlstate"] = d.SQLState
		fields["sqlstate_class"] = d.SQLClass()
	}
	if d.Constraint != "" {
		fields["pg_constraint"] = d.Constraint
	}
	if d.Table != "" {
		fields["pg_table"] = d.Table
	}
	if d.Detail != "" {
		fields["pg_detail"] = d.Detail
	}
	return fields
}
