package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"stateline/internal/db"
)

// Store implements create/get/list/update/softDelete for one Schema.
// Methods suffixed Tx run inside a caller owned transaction so several writes
// and the activity event commit together.
type Store struct {
	DB     *db.DB
	Schema Schema
	Now    func() time.Time
}

type Query struct {
	Scope   Scope
	Filter  Filter
	OrderBy []string
	Limit   int
	Offset  int
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (s Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return s.Now().UTC().Truncate(time.Microsecond)
}

func (s Store) op(name string) string {
	return s.Schema.Resource + "." + name
}

func (s Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Classify(s.op(op), err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return Classify(s.op(op), tx.Commit())
}

// EnsureIndexes creates the partial unique indexes declared by the schema.
func (s Store) EnsureIndexes(ctx context.Context) error {
	for _, ddl := range s.Schema.IndexDDL() {
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return Classify(s.op("ensure_indexes"), err)
		}
	}
	return nil
}

func (s Store) Create(ctx context.Context, actor string, input Record) (Record, error) {
	var out Record
	err := s.inTx(ctx, "create", func(tx *sql.Tx) error {
		var err error
		out, err = s.CreateTx(ctx, tx, actor, input)
		return err
	})
	return out, err
}

func (s Store) CreateTx(ctx context.Context, tx *sql.Tx, actor string, input Record) (Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "required")
	}
	for k := range input {
		if _, ok := s.Schema.Field(k); !ok {
			return nil, invalid(k, "unknown field")
		}
	}
	rec := Record{}
	for _, f := range s.Schema.Fields {
		v, ok := input[f.Name]
		if !ok {
			switch {
			case f.Default != nil:
				v = defaultValue(f.Default)
			case f.Required:
				return nil, invalid(f.Name, "required")
			default:
				rec[f.Name] = zeroValue(f)
				continue
			}
		}
		cv, err := coerce(f, v)
		if err != nil {
			return nil, err
		}
		rec[f.Name] = cv
	}
	now := s.now()
	rec[ColID] = uuid.NewString()
	rec[ColCreatedAt] = now
	rec[ColUpdatedAt] = now
	rec[ColCreatedBy] = actor
	rec[ColUpdatedBy] = actor
	rec[ColDeletedAt] = nil

	if err := s.checkUnique(ctx, tx, rec, "", nil); err != nil {
		return nil, err
	}

	cols := s.Schema.columns()
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		v, err := s.encodeColumn(c, rec[c])
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	query := fmt.Sprintf(`INSERT INTO %s(%s) VALUES (%s)`, s.Schema.Table,
		strings.Join(cols, ","), strings.TrimSuffix(strings.Repeat("?,", len(cols)), ","))
	if _, err := tx.ExecContext(ctx, s.DB.Rebind(query), args...); err != nil {
		return nil, s.writeErr("create", err)
	}
	return rec, nil
}

func (s Store) Get(ctx context.Context, id string, scope Scope) (Record, error) {
	return s.get(ctx, s.DB, id, scope, false)
}

func (s Store) GetTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (Record, error) {
	return s.get(ctx, tx, id, scope, false)
}

// GetAny also returns soft-deleted records. It backs audit reads only.
func (s Store) GetAny(ctx context.Context, id string, scope Scope) (Record, error) {
	return s.get(ctx, s.DB, id, scope, true)
}

func (s Store) GetAnyTx(ctx context.Context, tx *sql.Tx, id string, scope Scope) (Record, error) {
	return s.get(ctx, tx, id, scope, true)
}

func (s Store) get(ctx context.Context, q querier, id string, scope Scope, includeDeleted bool) (Record, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &NotFoundError{Resource: s.Schema.Resource}
	}
	where, args, err := s.where(scope, Filter{ColID: id}, includeDeleted)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s`, strings.Join(s.Schema.columns(), ","), s.Schema.Table, where)
	rec, err := s.scan(q.QueryRowContext(ctx, s.DB.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: s.Schema.Resource, ID: id}
	}
	if err != nil {
		return nil, Classify(s.op("get"), err)
	}
	return rec, nil
}

// List yields live records lazily. Each range over the sequence runs the
// query again, so the sequence can be consumed more than once.
func (s Store) List(ctx context.Context, q Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		query, args, err := s.selectQuery(q)
		if err != nil {
			yield(nil, err)
			return
		}
		rows, err := s.DB.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, Classify(s.op("list"), err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := s.scan(rows)
			if err != nil {
				yield(nil, Classify(s.op("list"), err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, Classify(s.op("list"), err))
		}
	}
}

func (s Store) ListTx(ctx context.Context, tx *sql.Tx, q Query) ([]Record, error) {
	query, args, err := s.selectQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(s.op("list"), err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := s.scan(rows)
		if err != nil {
			return nil, Classify(s.op("list"), err)
		}
		out = append(out, rec)
	}
	return out, Classify(s.op("list"), rows.Err())
}

// Collect drains a listing.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s Store) selectQuery(q Query) (string, []any, error) {
	where, args, err := s.where(q.Scope, q.Filter, false)
	if err != nil {
		return "", nil, err
	}
	order, err := s.orderBy(q.OrderBy)
	if err != nil {
		return "", nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s%s`, strings.Join(s.Schema.columns(), ","), s.Schema.Table, where, order)
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, max(q.Offset, 0))
	}
	return s.DB.Rebind(query), args, nil
}

func (s Store) orderBy(terms []string) (string, error) {
	if len(terms) == 0 {
		terms = s.Schema.Ordering
	}
	parts := make([]string, 0, len(terms)+1)
	for _, term := range terms {
		col, dir := term, "ASC"
		if strings.HasPrefix(term, "-") {
			col, dir = term[1:], "DESC"
		}
		if !s.Schema.isColumn(col) {
			return "", invalid("order_by", "unknown column %s", col)
		}
		parts = append(parts, col+" "+dir)
	}
	parts = append(parts, ColID+" ASC")
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

func (s Store) Update(ctx context.Context, actor, id string, scope Scope, patch Record) (Record, error) {
	var out Record
	err := s.inTx(ctx, "update", func(tx *sql.Tx) error {
		var err error
		out, err = s.UpdateTx(ctx, tx, actor, id, scope, patch)
		return err
	})
	return out, err
}

// UpdateTx applies a partial change to a live record and re-checks every
// unique key the change touches.
func (s Store) UpdateTx(ctx context.Context, tx *sql.Tx, actor, id string, scope Scope, patch Record) (Record, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, invalid("actor", "required")
	}
	current, err := s.get(ctx, tx, id, scope, false)
	if err != nil {
		return nil, err
	}
	next := current.clone()
	changed := map[string]bool{}
	for k, v := range patch {
		f, ok := s.Schema.Field(k)
		if !ok {
			return nil, invalid(k, "unknown field")
		}
		if f.ReadOnly {
			return nil, invalid(k, "cannot be changed")
		}
		cv, err := coerce(f, v)
		if err != nil {
			return nil, err
		}
		next[k] = cv
		changed[k] = true
	}
	if len(changed) == 0 {
		return current, nil
	}
	if err := s.checkUnique(ctx, tx, next, id, changed); err != nil {
		return nil, err
	}
	now := s.now()
	next[ColUpdatedAt] = now
	next[ColUpdatedBy] = actor

	names := make([]string, 0, len(changed))
	for k := range changed {
		names = append(names, k)
	}
	sort.Strings(names)
	sets := make([]string, 0, len(names)+2)
	args := make([]any, 0, len(names)+3)
	for _, k := range names {
		v, err := s.encodeColumn(k, next[k])
		if err != nil {
			return nil, err
		}
		sets = append(sets, k+"=?")
		args = append(args, v)
	}
	sets = append(sets, ColUpdatedAt+"=?", ColUpdatedBy+"=?")
	args = append(args, formatTime(now), actor, id)
	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id=? AND deleted_at IS NULL`, s.Schema.Table, strings.Join(sets, ","))
	res, err := tx.ExecContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return nil, s.writeErr("update", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &NotFoundError{Resource: s.Schema.Resource, ID: id}
	}
	return next, nil
}

func (s Store) SoftDelete(ctx context.Context, actor, id string, scope Scope) error {
	return s.inTx(ctx, "delete", func(tx *sql.Tx) error {
		_, _, err := s.SoftDeleteTx(ctx, tx, actor, id, scope)
		return err
	})
}

// SoftDeleteTx stamps deleted_at. A record that is already deleted is left
// untouched and reported with changed=false.
func (s Store) SoftDeleteTx(ctx context.Context, tx *sql.Tx, actor, id string, scope Scope) (rec Record, changed bool, err error) {
	if strings.TrimSpace(actor) == "" {
		return nil, false, invalid("actor", "required")
	}
	current, err := s.get(ctx, tx, id, scope, true)
	if err != nil {
		return nil, false, err
	}
	if current.Deleted() {
		return current, false, nil
	}
	now := s.now()
	query := fmt.Sprintf(`UPDATE %s SET deleted_at=?, updated_at=?, updated_by=? WHERE id=? AND deleted_at IS NULL`, s.Schema.Table)
	if _, err := tx.ExecContext(ctx, s.DB.Rebind(query), formatTime(now), formatTime(now), actor, id); err != nil {
		return nil, false, Classify(s.op("delete"), err)
	}
	current[ColDeletedAt] = now
	current[ColUpdatedAt] = now
	current[ColUpdatedBy] = actor
	return current, true, nil
}

// SoftDeleteWhereTx soft-deletes every live record matching the filter.
func (s Store) SoftDeleteWhereTx(ctx context.Context, tx *sql.Tx, actor string, scope Scope, filter Filter) (int64, error) {
	where, args, err := s.where(scope, filter, false)
	if err != nil {
		return 0, err
	}
	now := formatTime(s.now())
	query := fmt.Sprintf(`UPDATE %s SET deleted_at=?, updated_at=?, updated_by=?%s`, s.Schema.Table, where)
	res, err := tx.ExecContext(ctx, s.DB.Rebind(query), append([]any{now, now, actor}, args...)...)
	if err != nil {
		return 0, Classify(s.op("delete"), err)
	}
	return res.RowsAffected()
}

func (s Store) CountTx(ctx context.Context, tx *sql.Tx, scope Scope, filter Filter) (int, error) {
	where, args, err := s.where(scope, filter, false)
	if err != nil {
		return 0, err
	}
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, s.Schema.Table, where)
	if err := tx.QueryRowContext(ctx, s.DB.Rebind(query), args...).Scan(&n); err != nil {
		return 0, Classify(s.op("count"), err)
	}
	return n, nil
}

// MaxFloatTx returns the largest value of a float field among live records
// matching filter.
func (s Store) MaxFloatTx(ctx context.Context, tx *sql.Tx, field string, scope Scope, filter Filter) (float64, bool, error) {
	f, ok := s.Schema.Field(field)
	if !ok || f.Kind != Float {
		return 0, false, fmt.Errorf("%s: %s is not a float field", s.Schema.Resource, field)
	}
	where, args, err := s.where(scope, filter, false)
	if err != nil {
		return 0, false, err
	}
	var v sql.NullFloat64
	query := fmt.Sprintf(`SELECT MAX(%s) FROM %s%s`, field, s.Schema.Table, where)
	if err := tx.QueryRowContext(ctx, s.DB.Rebind(query), args...).Scan(&v); err != nil {
		return 0, false, Classify(s.op("max"), err)
	}
	return v.Float64, v.Valid, nil
}

// where builds the predicate. Every schema scope column must be bound.
func (s Store) where(scope Scope, filter Filter, includeDeleted bool) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	for _, col := range s.Schema.Scope {
		v, ok := scope[col]
		if !ok || v == nil || v == "" {
			return "", nil, invalid(col, "scope filter required")
		}
		conds = append(conds, col+"=?")
		args = append(args, v)
	}
	keys := make([]string, 0, len(scope)+len(filter))
	values := map[string]any{}
	for k, v := range scope {
		if s.Schema.isScope(k) {
			continue
		}
		keys = append(keys, k)
		values[k] = v
	}
	for k, v := range filter {
		if _, dup := values[k]; dup || s.Schema.isScope(k) {
			return "", nil, invalid(k, "filtered more than once")
		}
		keys = append(keys, k)
		values[k] = v
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !s.Schema.isColumn(k) || k == ColDeletedAt {
			return "", nil, invalid(k, "unknown filter field")
		}
		v := values[k]
		if v == nil {
			conds = append(conds, k+" IS NULL")
			continue
		}
		ev, err := s.encodeColumn(k, v)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, k+"=?")
		args = append(args, ev)
	}
	if !includeDeleted {
		conds = append(conds, ColDeletedAt+" IS NULL")
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (s Store) checkUnique(ctx context.Context, q querier, rec Record, excludeID string, changed map[string]bool) error {
	for _, k := range s.Schema.UniqueKeys {
		if changed != nil && !touches(k, changed) {
			continue
		}
		if k.When != "" && !rec.Bool(k.When) {
			continue
		}
		conds := make([]string, 0, len(k.Fields)+3)
		args := make([]any, 0, len(k.Fields)+2)
		skip := false
		for _, name := range k.Fields {
			if rec[name] == nil {
				skip = true
				break
			}
			v, err := s.encodeColumn(name, rec[name])
			if err != nil {
				return err
			}
			conds = append(conds, name+"=?")
			args = append(args, v)
		}
		if skip {
			continue
		}
		if k.When != "" {
			conds = append(conds, k.When+"=?")
			args = append(args, true)
		}
		conds = append(conds, ColDeletedAt+" IS NULL")
		if excludeID != "" {
			conds = append(conds, ColID+"<>?")
			args = append(args, excludeID)
		}
		query := fmt.Sprintf(`SELECT id FROM %s WHERE %s LIMIT 1`, s.Schema.Table, strings.Join(conds, " AND "))
		var found string
		err := q.QueryRowContext(ctx, s.DB.Rebind(query), args...).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return Classify(s.op("unique_check"), err)
		}
		return &ConflictError{Resource: s.Schema.Resource, Key: k.Name, Fields: k.Fields}
	}
	return nil
}

func touches(k UniqueKey, changed map[string]bool) bool {
	if k.When != "" && changed[k.When] {
		return true
	}
	for _, f := range k.Fields {
		if changed[f] {
			return true
		}
	}
	return false
}

// writeErr maps a failed write. A unique violation here means a concurrent
// writer won the race after our own check passed.
func (s Store) writeErr(op string, err error) error {
	if v, ok := db.AsUniqueViolation(err); ok {
		if k, found := s.Schema.keyForViolation(v.Constraint, v.Columns); found {
			return &ConflictError{Resource: s.Schema.Resource, Key: k.Name, Fields: k.Fields}
		}
		return &ConflictError{Resource: s.Schema.Resource, Fields: v.Columns}
	}
	return Classify(s.op(op), err)
}

func (s Store) encodeColumn(col string, v any) (any, error) {
	if t, ok := v.(time.Time); ok {
		return formatTime(t), nil
	}
	f, ok := s.Schema.Field(col)
	if !ok {
		return v, nil
	}
	return encode(f, v)
}

func (s Store) scan(row scanner) (Record, error) {
	var (
		id, createdAt, updatedAt, createdBy, updatedBy string
		deletedAt                                      sql.NullString
	)
	dests := make([]any, 0, len(s.Schema.Fields)+6)
	dests = append(dests, &id)
	for _, f := range s.Schema.Fields {
		dests = append(dests, scanTarget(f))
	}
	dests = append(dests, &createdAt, &updatedAt, &createdBy, &updatedBy, &deletedAt)
	if err := row.Scan(dests...); err != nil {
		return nil, err
	}
	rec := Record{ColID: id, ColCreatedBy: createdBy, ColUpdatedBy: updatedBy, ColDeletedAt: nil}
	for i, f := range s.Schema.Fields {
		v, err := decode(f, dests[i+1])
		if err != nil {
			return nil, err
		}
		rec[f.Name] = v
	}
	var err error
	if rec[ColCreatedAt], err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec[ColUpdatedAt], err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		if rec[ColDeletedAt], err = parseTime(deletedAt.String); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func defaultValue(d any) any {
	if fn, ok := d.(func() any); ok {
		return fn()
	}
	return d
}

func zeroValue(f Field) any {
	if f.Nullable {
		return nil
	}
	switch f.Kind {
	case String:
		return ""
	case Float:
		return float64(0)
	case Int:
		return int64(0)
	case Bool:
		return false
	default:
		return nil
	}
}
