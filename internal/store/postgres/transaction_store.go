package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cfoagent/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

const transactionSelectCols = `id, timestamp, chain, strategy_tag, tx_type,
	token_in, amount_in, token_out, amount_out, fee_usd,
	tx_hash, wallet_address, COALESCE(position_id, ''), status, metadata`

func scanTransactionRows(rows pgx.Rows) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var txType, status string
		var metadata []byte
		if err := rows.Scan(
			&t.ID, &t.Timestamp, &t.Chain, &t.StrategyTag, &txType,
			&t.TokenIn, &t.AmountIn, &t.TokenOut, &t.AmountOut, &t.FeeUSD,
			&t.TxHash, &t.WalletAddress, &t.PositionID, &status, &metadata,
		); err != nil {
			return nil, err
		}
		t.TxType = domain.TxType(txType)
		t.Status = domain.TxStatus(status)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Insert appends a transaction. A duplicate id is silently skipped via
// ON CONFLICT DO NOTHING and reported as inserted=false.
func (s *TransactionStore) Insert(ctx context.Context, t domain.Transaction) (bool, error) {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal transaction metadata %s: %w", t.ID, err)
	}

	const query = `
		INSERT INTO transactions (
			id, timestamp, chain, strategy_tag, tx_type,
			token_in, amount_in, token_out, amount_out, fee_usd,
			tx_hash, wallet_address, position_id, status, metadata
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		) ON CONFLICT (id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.Timestamp, t.Chain, t.StrategyTag, string(t.TxType),
		t.TokenIn, t.AmountIn, t.TokenOut, t.AmountOut, t.FeeUSD,
		t.TxHash, t.WalletAddress, nullString(t.PositionID), string(t.Status), metadata,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert transaction %s: %w", t.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecent returns the newest transactions first.
func (s *TransactionStore) ListRecent(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent transactions: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent transactions: %w", err)
	}
	return txs, nil
}

// ListSince returns transactions at or after since, oldest first.
func (s *TransactionStore) ListSince(ctx context.Context, since time.Time) ([]domain.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions WHERE timestamp >= $1 ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list transactions since: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions since: %w", err)
	}
	return txs, nil
}
