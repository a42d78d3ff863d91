package main

import (
	"encoding/json"

	"github.com/jackc/pgx"
	"github.com/pkg/errors"
)

const captureSchema = `
create table if not exists capture (
	id          bigserial primary key,
	method      text not null,
	path        text not null,
	headers     jsonb not null,
	body        text not null,
	received_at timestamptz not null,
	findings    jsonb
)`

// PostgresStore persists captures in PostgreSQL so they survive sink
// restarts. Selected with storage.backend: postgres.
type PostgresStore struct {
	pool *pgx.ConnPool
}

// NewPostgresStore connects to the database named by dsn and ensures the
// capture table exists.
func NewPostgresStore(dsn string, maxConns int) (*PostgresStore, error) {
	connConfig, err := pgx.ParseConnectionString(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid postgres dsn")
	}

	pool, err := pgx.NewConnPool(pgx.ConnPoolConfig{
		ConnConfig:     connConfig,
		MaxConnections: maxConns,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}

	if _, err := pool.Exec(captureSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "creating capture table")
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Save(c Capture) (int64, error) {
	headers, err := json.Marshal(c.Headers)
	if err != nil {
		return 0, errors.Wrap(err, "encoding headers")
	}
	findings, err := json.Marshal(c.Findings)
	if err != nil {
		return 0, errors.Wrap(err, "encoding findings")
	}

	query := `insert into capture (method, path, headers, body, received_at, findings)
		values ($1, $2, $3, $4, $5, $6) returning id`

	var id int64
	err = p.pool.QueryRow(query, c.Method, c.Path, headers, c.Body, c.ReceivedAt, findings).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "inserting capture")
	}
	return id, nil
}

func (p *PostgresStore) Get(id int64) (Capture, error) {
	query := `select id, method, path, headers, body, received_at, findings
		from capture where id = $1`

	c, err := scanCapture(p.pool.QueryRow(query, id))
	if err == pgx.ErrNoRows {
		return Capture{}, ErrNotFound
	}
	if err != nil {
		return Capture{}, errors.Wrap(err, "querying capture")
	}
	return c, nil
}

func (p *PostgresStore) List() ([]Capture, error) {
	query := `select id, method, path, headers, body, received_at, findings
		from capture order by id`

	rows, err := p.pool.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "querying captures")
	}
	defer rows.Close()

	var captures []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning capture")
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

// Close releases the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCapture(row rowScanner) (Capture, error) {
	var (
		c        Capture
		headers  []byte
		findings []byte
	)

	err := row.Scan(&c.ID, &c.Method, &c.Path, &headers, &c.Body, &c.ReceivedAt, &findings)
	if err != nil {
		return Capture{}, err
	}

	if err := json.Unmarshal(headers, &c.Headers); err != nil {
		return Capture{}, errors.Wrap(err, "decoding headers")
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &c.Findings); err != nil {
			return Capture{}, errors.Wrap(err, "decoding findings")
		}
	}
	return c, nil
}
