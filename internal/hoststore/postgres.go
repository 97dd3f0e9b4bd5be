package hoststore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// Postgres is a BlockStore backed by a single `blocks` table, adapted from
// the application's own database/sql + lib/pq connection and migration
// pattern: open with a DSN, run an idempotent CREATE TABLE IF NOT EXISTS,
// then serve reads/writes with plain prepared statements and no ORM.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens dsn, verifies connectivity, and ensures the blocks
// table exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("hoststore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("hoststore: ping postgres: %w", err)
	}
	p := &Postgres{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	block_id    TEXT PRIMARY KEY,
	previous_id TEXT NOT NULL,
	signer_id   TEXT NOT NULL,
	block_num   BIGINT NOT NULL,
	payload     BYTEA,
	summary     BYTEA
);
CREATE INDEX IF NOT EXISTS blocks_block_num_idx ON blocks (block_num);
`
	_, err := p.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("hoststore: migrate: %w", err)
	}
	return nil
}

// PutBlock upserts b, keyed by block_id.
func (p *Postgres) PutBlock(b pbft.Block) error {
	_, err := p.db.Exec(`
INSERT INTO blocks (block_id, previous_id, signer_id, block_num, payload, summary)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (block_id) DO UPDATE SET
	previous_id = EXCLUDED.previous_id,
	signer_id   = EXCLUDED.signer_id,
	block_num   = EXCLUDED.block_num,
	payload     = EXCLUDED.payload,
	summary     = EXCLUDED.summary
`, string(b.BlockID), string(b.PreviousID), string(b.SignerID), b.BlockNum, b.Payload, b.Summary)
	if err != nil {
		return fmt.Errorf("hoststore: put block: %w", err)
	}
	return nil
}

// GetBlock looks up a block by id.
func (p *Postgres) GetBlock(id pbft.BlockID) (pbft.Block, bool, error) {
	row := p.db.QueryRow(`
SELECT block_id, previous_id, signer_id, block_num, payload, summary
FROM blocks WHERE block_id = $1
`, string(id))

	var b pbft.Block
	var blockID, previousID, signerID string
	if err := row.Scan(&blockID, &previousID, &signerID, &b.BlockNum, &b.Payload, &b.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pbft.Block{}, false, nil
		}
		return pbft.Block{}, false, fmt.Errorf("hoststore: get block: %w", err)
	}
	b.BlockID = pbft.BlockID(blockID)
	b.PreviousID = pbft.BlockID(previousID)
	b.SignerID = pbft.PeerID(signerID)
	return b, true, nil
}

// ChainHead returns the block with the highest block_num.
func (p *Postgres) ChainHead() (pbft.Block, error) {
	row := p.db.QueryRow(`
SELECT block_id, previous_id, signer_id, block_num, payload, summary
FROM blocks ORDER BY block_num DESC LIMIT 1
`)

	var b pbft.Block
	var blockID, previousID, signerID string
	if err := row.Scan(&blockID, &previousID, &signerID, &b.BlockNum, &b.Payload, &b.Summary); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return pbft.Block{}, fmt.Errorf("hoststore: chain head: %w", sql.ErrNoRows)
		}
		return pbft.Block{}, fmt.Errorf("hoststore: chain head: %w", err)
	}
	b.BlockID = pbft.BlockID(blockID)
	b.PreviousID = pbft.BlockID(previousID)
	b.SignerID = pbft.PeerID(signerID)
	return b, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }
