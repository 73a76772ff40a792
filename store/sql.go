package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/livedata/document"
	"github.com/maxpert/livedata/query"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var collectionNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const tablePrefix = "ld_"

// SQL stores each collection as a table of (seq, id, doc) rows with the
// document kept as JSON text. Selectors are evaluated in Go after loading
// candidate rows; selectors pinned to ids only load those rows.
type SQL struct {
	db       *sql.DB
	driver   string
	dialect  goqu.DialectWrapper
	matchers *query.Cache
	tables   *xsync.MapOf[string, struct{}]

	// writeMu serializes read-modify-write transactions issued by this
	// process so conditional inserts observe each other.
	writeMu sync.Mutex
}

// OpenSQL opens a SQL store. driver is "sqlite" or "mysql"; dsn is passed to
// the database/sql driver unchanged.
func OpenSQL(driver, dsn string) (*SQL, error) {
	var (
		sqlDriver string
		dialect   string
	)
	switch driver {
	case "sqlite", "sqlite3":
		sqlDriver, dialect = SQLiteDriverName, "sqlite3"
	case "mysql":
		sqlDriver, dialect = "mysql", "mysql"
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if dialect == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	matchers, err := query.NewCache(query.DefaultCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Info().Str("driver", driver).Msg("SQL document store opened")
	return &SQL{
		db:       db,
		driver:   dialect,
		dialect:  goqu.Dialect(dialect),
		matchers: matchers,
		tables:   xsync.NewMapOf[string, struct{}](),
	}, nil
}

func tableName(collection string) (string, error) {
	if !collectionNamePattern.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	return tablePrefix + collection, nil
}

func (s *SQL) ensureTable(ctx context.Context, collection string) (string, error) {
	table, err := tableName(collection)
	if err != nil {
		return "", err
	}
	if _, ok := s.tables.Load(table); ok {
		return table, nil
	}
	var ddl string
	if s.driver == "mysql" {
		ddl = fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` (seq BIGINT AUTO_INCREMENT PRIMARY KEY, id VARCHAR(191) NOT NULL UNIQUE, doc LONGTEXT NOT NULL)", table)
	} else {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (seq INTEGER PRIMARY KEY AUTOINCREMENT, id TEXT NOT NULL UNIQUE, doc TEXT NOT NULL)`, table)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return "", fmt.Errorf("create table %s: %w", table, err)
	}
	s.tables.Store(table, struct{}{})
	return table, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// load reads candidate rows in natural order and filters them with the
// compiled selector.
func (s *SQL) load(ctx context.Context, q queryer, table string, selector *document.Document, lock bool) ([]*document.Document, error) {
	matcher, err := s.matchers.Matcher(selector)
	if err != nil {
		return nil, err
	}
	ds := s.dialect.From(table).Select("doc").Order(goqu.C("seq").Asc())
	if ids := query.IdsMatchedBySelector(selector); ids != nil {
		ds = ds.Where(goqu.C("id").In(ids))
	}
	if lock && s.driver == "mysql" {
		ds = ds.ForUpdate(exp.Wait)
	}
	stmt, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*document.Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		doc, err := document.Parse([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("corrupt document in %s: %w", table, err)
		}
		if matcher.Matches(doc) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

func (s *SQL) Find(ctx context.Context, collection string, selector *document.Document, opts FindOptions) ([]*document.Document, error) {
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return nil, wrapErr("find", collection, err)
	}
	docs, err := s.load(ctx, s.db, table, selector, false)
	if err != nil {
		return nil, wrapErr("find", collection, err)
	}
	docs, err = shape(docs, opts)
	return docs, wrapErr("find", collection, err)
}

func (s *SQL) FindOne(ctx context.Context, collection, id string) (*document.Document, error) {
	docs, err := s.Find(ctx, collection, document.F(document.IDField, id), FindOptions{})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

func (s *SQL) insertRow(ctx context.Context, tx *sql.Tx, table string, doc *document.Document) error {
	id, _ := doc.ID()
	body, err := doc.MarshalJSON()
	if err != nil {
		return err
	}
	stmt, args, err := s.dialect.Insert(table).Rows(goqu.Record{"id": id, "doc": string(body)}).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, stmt, args...)
	return mapDriverError(err)
}

func (s *SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Warn().Err(rbErr).Msg("Rollback failed")
		}
		return err
	}
	return tx.Commit()
}

func (s *SQL) Insert(ctx context.Context, collection string, doc *document.Document) (string, error) {
	id, ok := doc.ID()
	if !ok {
		return "", wrapErr("insert", collection, ErrMissingID)
	}
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return "", wrapErr("insert", collection, err)
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertRow(ctx, tx, table, doc)
	})
	if err != nil {
		return "", wrapErr("insert", collection, err)
	}
	return id, nil
}

func (s *SQL) Update(ctx context.Context, collection string, selector, modifier *document.Document, opts UpdateOptions) (UpdateResult, error) {
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return UpdateResult{}, wrapErr("update", collection, err)
	}
	var res UpdateResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		matched, err := s.load(ctx, tx, table, selector, true)
		if err != nil {
			return err
		}
		plan, err := planUpdate(matched, selector, modifier, opts)
		if err != nil {
			return err
		}
		if plan.inserted != nil {
			if err := s.insertRow(ctx, tx, table, plan.inserted); err != nil {
				return err
			}
		}
		for _, doc := range plan.updated {
			id, _ := doc.ID()
			body, err := doc.MarshalJSON()
			if err != nil {
				return err
			}
			stmt, args, err := s.dialect.Update(table).
				Set(goqu.Record{"doc": string(body)}).
				Where(goqu.C("id").Eq(id)).
				Prepared(true).ToSQL()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
				return mapDriverError(err)
			}
		}
		res = plan.result()
		return nil
	})
	if err != nil {
		return UpdateResult{}, wrapErr("update", collection, err)
	}
	return res, nil
}

func (s *SQL) Remove(ctx context.Context, collection string, selector *document.Document) (RemoveResult, error) {
	table, err := s.ensureTable(ctx, collection)
	if err != nil {
		return RemoveResult{}, wrapErr("remove", collection, err)
	}
	var res RemoveResult
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		matched, err := s.load(ctx, tx, table, selector, true)
		if err != nil {
			return err
		}
		res.IDs = make([]string, 0, len(matched))
		for _, doc := range matched {
			id, _ := doc.ID()
			res.IDs = append(res.IDs, id)
		}
		if len(res.IDs) == 0 {
			return nil
		}
		stmt, args, err := s.dialect.Delete(table).Where(goqu.C("id").In(res.IDs)).Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, stmt, args...)
		return err
	})
	if err != nil {
		return RemoveResult{}, wrapErr("remove", collection, err)
	}
	res.Removed = len(res.IDs)
	return res, nil
}

func (s *SQL) DropCollection(ctx context.Context, collection string) error {
	table, err := tableName(collection)
	if err != nil {
		return wrapErr("drop", collection, err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	quoted := fmt.Sprintf(`"%s"`, table)
	if s.driver == "mysql" {
		quoted = fmt.Sprintf("`%s`", table)
	}
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return wrapErr("drop", collection, err)
	}
	s.tables.Delete(table)
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}
