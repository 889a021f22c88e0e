package database

import (
	"database/sql"
	"log"
	"sync"

	"github.com/alloq-io/alloq/cache"
	"github.com/alloq-io/alloq/config"

	_ "github.com/lib/pq"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con, Cache: nil}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		log.Printf("database Connection error ❌: %v", err)
		return nil, err
	}
	if err := CreateTables(db); err != nil {
		return nil, err
	}
	return db, nil
}

// CreateTables bootstraps the engine schema. Safe to run repeatedly.
func CreateTables(db *sql.DB) error {
	if err := createAllocationRecordTable(db); err != nil {
		return err
	}
	if err := createCapacityCounterTable(db); err != nil {
		return err
	}
	if err := createAllocationRuleTable(db); err != nil {
		return err
	}
	if err := createRotationCursorTable(db); err != nil {
		return err
	}
	return createBatchResultTable(db)
}

// createAllocationRecordTable creates the append-only ledger. The
// (case_id, sequence_number) pair is the primary key; there is no UPDATE or
// DELETE path against this table anywhere in the codebase.
func createAllocationRecordTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS allocation_records (
			id SERIAL,
			record_id TEXT NOT NULL UNIQUE,
			case_id TEXT NOT NULL,
			sequence_number BIGINT NOT NULL,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			prev_agency_id TEXT,
			prev_agent_id TEXT,
			new_agency_id TEXT,
			new_agent_id TEXT,
			rule_id TEXT,
			actor TEXT,
			batch_id TEXT,
			error_code TEXT,
			error_detail TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			meta_data JSONB,
			PRIMARY KEY (case_id, sequence_number)
		)
	`)
	if err != nil {
		log.Printf("Error creating allocation_records table: %v", err)
	}
	return err
}

func createCapacityCounterTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS capacity_counters (
			id SERIAL,
			owner_id TEXT NOT NULL PRIMARY KEY,
			owner_type TEXT NOT NULL,
			current_load BIGINT NOT NULL DEFAULT 0 CHECK (current_load >= 0),
			max_capacity BIGINT NOT NULL,
			policy TEXT NOT NULL CHECK (policy IN ('hard', 'soft')),
			overflowed BOOLEAN NOT NULL DEFAULT FALSE,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating capacity_counters table: %v", err)
	}
	return err
}

func createAllocationRuleTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS allocation_rules (
			id SERIAL,
			rule_id TEXT NOT NULL,
			version INT NOT NULL,
			name TEXT NOT NULL,
			priority INT NOT NULL,
			predicate JSONB NOT NULL,
			policy TEXT NOT NULL CHECK (policy IN ('fixed', 'round_robin', 'weighted_capacity')),
			target_agency_id TEXT,
			target_agent_id TEXT,
			active_from TIMESTAMP NOT NULL,
			active_to TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			PRIMARY KEY (rule_id, version)
		)
	`)
	if err != nil {
		log.Printf("Error creating allocation_rules table: %v", err)
	}
	return err
}

func createRotationCursorTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS rotation_cursors (
			rule_id TEXT NOT NULL PRIMARY KEY,
			position BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		log.Printf("Error creating rotation_cursors table: %v", err)
	}
	return err
}

func createBatchResultTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS batch_results (
			id SERIAL,
			batch_id TEXT NOT NULL PRIMARY KEY,
			selector JSONB NOT NULL,
			trigger_kind TEXT NOT NULL,
			total_cases INT NOT NULL,
			allocated INT NOT NULL,
			reallocated INT NOT NULL,
			deallocated INT NOT NULL,
			failed INT NOT NULL,
			not_attempted INT NOT NULL,
			failed_cases JSONB,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		log.Printf("Error creating batch_results table: %v", err)
	}
	return err
}
