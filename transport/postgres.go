package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// resultShape tells how a function's result is rendered as JSON.
type resultShape int

const (
	shapeSet    resultShape = iota // set-returning: JSON array of rows, [] when empty
	shapeSingle                    // one value: the scalar or object itself
	shapeVoid                      // returns void: null
)

// PostgresTransport calls database functions directly, using named notation. Results
// take the same JSON shape the REST gateway gives them: set-returning functions yield
// an array, other functions their single value, void functions null.
//
//	SELECT coalesce(json_agg(r), '[]'::json) FROM "schema"."operation"(region => $1) AS r
//	SELECT to_json(r) FROM "schema"."operation"(region => $1) AS r
//
// Errors keep their SQLSTATE, so an overloaded function that cannot be resolved
// surfaces as 42725.
type PostgresTransport struct {
	pool   *pgxpool.Pool
	schema string
	shapes sync.Map // operation → resultShape
}

const shapeQuery = `SELECT bool_or(p.proretset), bool_and(p.prorettype = 'void'::regtype)
FROM pg_catalog.pg_proc p JOIN pg_catalog.pg_namespace n ON n.oid = p.pronamespace
WHERE n.nspname = $1 AND p.proname = $2`

// NewPostgresTransport opens a pool on dsn and checks it with a ping.
func NewPostgresTransport(ctx context.Context, dsn, schema string) (*PostgresTransport, error) {
	if schema == "" {
		schema = "public"
	}
	if !identRe.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &PostgresTransport{pool: pool, schema: schema}, nil
}

func (t *PostgresTransport) Invoke(ctx context.Context, operation string, params map[string]any) (json.RawMessage, error) {
	if !identRe.MatchString(operation) {
		return nil, fmt.Errorf("invalid operation name %q", operation)
	}
	shape, err := t.shape(ctx, operation)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", operation, err)
	}
	query, args, err := buildCall(t.schema, operation, params, shape)
	if err != nil {
		return nil, err
	}

	var out []byte
	if err := t.pool.QueryRow(ctx, query, args...).Scan(&out); err != nil {
		return nil, fmt.Errorf("call %s: %w", operation, err)
	}
	return json.RawMessage(out), nil
}

// shape looks the function up in the catalog once per operation. Unknown functions are
// treated as set-returning and not cached; the call itself then reports 42883.
func (t *PostgresTransport) shape(ctx context.Context, operation string) (resultShape, error) {
	if s, ok := t.shapes.Load(operation); ok {
		return s.(resultShape), nil
	}
	var retset, void *bool
	if err := t.pool.QueryRow(ctx, shapeQuery, t.schema, operation).Scan(&retset, &void); err != nil {
		return shapeSet, err
	}
	if retset == nil {
		return shapeSet, nil
	}
	shape := shapeSingle
	switch {
	case *retset:
		shape = shapeSet
	case void != nil && *void:
		shape = shapeVoid
	}
	t.shapes.Store(operation, shape)
	return shape, nil
}

// Close closes the pool.
func (t *PostgresTransport) Close() error {
	t.pool.Close()
	return nil
}

// buildCall renders the function call. Parameter names are sorted so the same call
// always produces the same statement, which keeps pgx's statement cache effective.
func buildCall(schema, operation string, params map[string]any, shape resultShape) (string, []any, error) {
	if !identRe.MatchString(operation) {
		return "", nil, fmt.Errorf("invalid operation name %q", operation)
	}

	names := make([]string, 0, len(params))
	for name := range params {
		if !identRe.MatchString(name) {
			return "", nil, fmt.Errorf("invalid parameter name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := make([]any, 0, len(names))
	parts := make([]string, 0, len(names))
	for i, name := range names {
		v, err := pgValue(params[name])
		if err != nil {
			return "", nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		args = append(args, v)
		parts = append(parts, fmt.Sprintf("%s => $%d", pgx.Identifier{name}.Sanitize(), i+1))
	}

	fn := pgx.Identifier{schema, operation}.Sanitize()
	var selectList string
	switch shape {
	case shapeSingle:
		selectList = "to_json(r)"
	case shapeVoid:
		selectList = "null::json"
	default:
		selectList = "coalesce(json_agg(r), '[]'::json)"
	}
	query := fmt.Sprintf("SELECT %s FROM %s(%s) AS r", selectList, fn, strings.Join(parts, ", "))
	return query, args, nil
}

// pgValue passes scalars through and sends composite values as JSON text.
func pgValue(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case json.Number:
		return x.String(), nil
	}
	return v, nil
}
