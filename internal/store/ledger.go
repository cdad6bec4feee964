// Package store keeps the run ledger: a SQLite file holding the per-iteration
// loss trace of each training run and parameter checkpoints.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"dcgan-sagemaker/internal/nn"

	_ "modernc.org/sqlite"
)

// ErrNoCheckpoint is returned when no checkpoint matches a lookup.
var ErrNoCheckpoint = errors.New("store: no checkpoint")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started TEXT NOT NULL,
		config TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS iterations(
		run INTEGER NOT NULL REFERENCES runs(id),
		iteration INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		batch INTEGER NOT NULL,
		loss_d REAL NOT NULL,
		loss_g REAL NOT NULL,
		d_x REAL NOT NULL,
		d_g_z1 REAL NOT NULL,
		d_g_z2 REAL NOT NULL,
		PRIMARY KEY(run, iteration)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints(
		run INTEGER NOT NULL REFERENCES runs(id),
		epoch INTEGER NOT NULL,
		network TEXT NOT NULL,
		param TEXT NOT NULL,
		shape TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY(run, epoch, network, param)
	)`,
}

// Iteration is one row of the loss trace.
type Iteration struct {
	Iteration int
	Epoch     int
	Batch     int
	LossD     float64
	LossG     float64
	DX        float64
	DGZ1      float64
	DGZ2      float64
}

// Ledger is an open run ledger.
type Ledger struct {
	db *sql.DB
}

// Open opens or creates the ledger at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	// The output dir is synced to S3 file by file; keep the ledger a single file.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create ledger schema: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// BeginRun registers a new run and returns its id. config is stored verbatim
// next to the trace so a run can be reproduced.
func (l *Ledger) BeginRun(ctx context.Context, config string, started time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "INSERT INTO runs(started, config) VALUES(?,?)",
		started.UTC().Format(time.RFC3339Nano), config)
	if err != nil {
		return 0, fmt.Errorf("begin run: %w", err)
	}
	return res.LastInsertId()
}

func (l *Ledger) RecordIteration(ctx context.Context, run int64, it Iteration) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO iterations(run, iteration, epoch, batch, loss_d, loss_g, d_x, d_g_z1, d_g_z2)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		run, it.Iteration, it.Epoch, it.Batch, it.LossD, it.LossG, it.DX, it.DGZ1, it.DGZ2)
	if err != nil {
		return fmt.Errorf("record iteration %d: %w", it.Iteration, err)
	}
	return nil
}

// Iterations returns the trace of run in iteration order.
func (l *Ledger) Iterations(ctx context.Context, run int64) ([]Iteration, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT iteration, epoch, batch, loss_d, loss_g, d_x, d_g_z1, d_g_z2
		FROM iterations WHERE run = ? ORDER BY iteration ASC`, run)
	if err != nil {
		return nil, fmt.Errorf("query iterations: %w", err)
	}
	defer rows.Close()

	var out []Iteration
	for rows.Next() {
		var it Iteration
		if err := rows.Scan(&it.Iteration, &it.Epoch, &it.Batch, &it.LossD, &it.LossG, &it.DX, &it.DGZ1, &it.DGZ2); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SaveCheckpoint stores the parameter values of one network after epoch.
// Saving the same run, epoch and network twice replaces the earlier copy.
func (l *Ledger) SaveCheckpoint(ctx context.Context, run int64, epoch int, network string, params []*nn.Param) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO checkpoints(run, epoch, network, param, shape, value)
		VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	defer stmt.Close()

	for _, p := range params {
		if _, err := stmt.ExecContext(ctx, run, epoch, network, p.Name, formatShape(p.Shape), encodeValues(p.Value)); err != nil {
			return fmt.Errorf("save checkpoint %s/%s: %w", network, p.Name, err)
		}
	}
	return tx.Commit()
}

// LoadCheckpoint copies stored values into params, matching them by name.
// Every param must be present with the same shape.
func (l *Ledger) LoadCheckpoint(ctx context.Context, run int64, epoch int, network string, params []*nn.Param) error {
	for _, p := range params {
		var shape string
		var blob []byte
		err := l.db.QueryRowContext(ctx, `SELECT shape, value FROM checkpoints
			WHERE run = ? AND epoch = ? AND network = ? AND param = ?`, run, epoch, network, p.Name).Scan(&shape, &blob)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s at epoch %d", ErrNoCheckpoint, network, p.Name, epoch)
		}
		if err != nil {
			return fmt.Errorf("load checkpoint %s/%s: %w", network, p.Name, err)
		}
		if shape != formatShape(p.Shape) {
			return fmt.Errorf("load checkpoint %s/%s: stored shape [%s] does not match [%s]", network, p.Name, shape, formatShape(p.Shape))
		}
		if err := decodeValues(blob, p.Value); err != nil {
			return fmt.Errorf("load checkpoint %s/%s: %w", network, p.Name, err)
		}
	}
	return nil
}

// LatestCheckpoint returns the highest checkpointed epoch of network in run.
func (l *Ledger) LatestCheckpoint(ctx context.Context, run int64, network string) (int, error) {
	var epoch sql.NullInt64
	err := l.db.QueryRowContext(ctx, "SELECT MAX(epoch) FROM checkpoints WHERE run = ? AND network = ?", run, network).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("latest checkpoint: %w", err)
	}
	if !epoch.Valid {
		return 0, fmt.Errorf("%w: %s in run %d", ErrNoCheckpoint, network, run)
	}
	return int(epoch.Int64), nil
}

// Export writes a compacted copy of the ledger to path, which must not exist.
func (l *Ledger) Export(ctx context.Context, path string) error {
	if _, err := l.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("export ledger: %w", err)
	}
	return nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func encodeValues(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}
	return buf
}

func decodeValues(buf []byte, dst []float64) error {
	if len(buf) != 8*len(dst) {
		return fmt.Errorf("blob holds %d bytes, want %d", len(buf), 8*len(dst))
	}
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return nil
}
