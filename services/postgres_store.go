package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/securehealth/fedtrain/protocol"
)

// PostgresStore implements Store with PostgreSQL persistence. The
// data-access contract forbids update and delete on round summaries;
// institutions support only the status mutation.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore connects and runs migrations.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS institutions (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(256) NOT NULL,
		status VARCHAR(16) NOT NULL,
		dataset_weight DOUBLE PRECISION NOT NULL,
		key_material VARCHAR(128) NOT NULL,
		registered_at TIMESTAMP WITH TIME ZONE NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS round_summaries (
		round_id BIGINT PRIMARY KEY,
		state VARCHAR(16) NOT NULL,
		opened_at TIMESTAMP WITH TIME ZONE NOT NULL,
		deadline TIMESTAMP WITH TIME ZONE NOT NULL,
		admitted INT NOT NULL,
		received INT NOT NULL,
		accepted INT NOT NULL,
		rejected INT NOT NULL,
		no_quorum BOOLEAN NOT NULL,
		seal_failed BOOLEAN NOT NULL,
		model_ref VARCHAR(128),
		convergence DOUBLE PRECISION NOT NULL,
		block_index BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_institutions_status ON institutions(status);
	`

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) SaveInstitution(ctx context.Context, inst *protocol.Institution) error {
	query := `
	INSERT INTO institutions (id, name, status, dataset_weight, key_material, registered_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, NOW())
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		dataset_weight = EXCLUDED.dataset_weight,
		key_material = EXCLUDED.key_material,
		updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		inst.ID, inst.Name, string(inst.Status), inst.DatasetWeight, inst.KeyMaterial, inst.RegisteredAt)
	return err
}

func (s *PostgresStore) GetInstitution(ctx context.Context, id string) (*protocol.Institution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, dataset_weight, key_material, registered_at
		FROM institutions WHERE id = $1
	`, id)

	inst, err := scanInstitution(row)
	if err == sql.ErrNoRows {
		return nil, ErrInstitutionNotFound
	}
	return inst, err
}

func (s *PostgresStore) ListInstitutions(ctx context.Context) ([]*protocol.Institution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, dataset_weight, key_material, registered_at
		FROM institutions ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning institution: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInstitutionStatus(ctx context.Context, id string, status protocol.InstitutionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE institutions SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstitutionNotFound
	}
	return nil
}

func (s *PostgresStore) SaveRoundSummary(ctx context.Context, sum *protocol.RoundSummary) error {
	query := `
	INSERT INTO round_summaries
		(round_id, state, opened_at, deadline, admitted, received, accepted, rejected,
		 no_quorum, seal_failed, model_ref, convergence, block_index)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		sum.RoundID, sum.State.String(), sum.OpenedAt, sum.Deadline,
		sum.Admitted, sum.Received, sum.Accepted, sum.Rejected,
		sum.NoQuorum, sum.SealFailed, sum.ModelRef, sum.Convergence, sum.BlockIndex)
	return err
}

func (s *PostgresStore) ListRoundSummaries(ctx context.Context) ([]*protocol.RoundSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_id, opened_at, deadline, admitted, received, accepted, rejected,
		       no_quorum, seal_failed, model_ref, convergence, block_index
		FROM round_summaries ORDER BY round_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.RoundSummary
	for rows.Next() {
		sum := &protocol.RoundSummary{State: protocol.StateClosed}
		var modelRef sql.NullString
		if err := rows.Scan(&sum.RoundID, &sum.OpenedAt, &sum.Deadline,
			&sum.Admitted, &sum.Received, &sum.Accepted, &sum.Rejected,
			&sum.NoQuorum, &sum.SealFailed, &modelRef, &sum.Convergence, &sum.BlockIndex); err != nil {
			return nil, fmt.Errorf("scanning round summary: %w", err)
		}
		sum.ModelRef = modelRef.String
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstitution(row rowScanner) (*protocol.Institution, error) {
	inst := &protocol.Institution{}
	var status string
	if err := row.Scan(&inst.ID, &inst.Name, &status, &inst.DatasetWeight,
		&inst.KeyMaterial, &inst.RegisteredAt); err != nil {
		return nil, err
	}
	inst.Status = protocol.InstitutionStatus(status)
	return inst, nil
}
