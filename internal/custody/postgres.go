package custody

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/powguess/market-engine/internal/model"
)

// Amounts are stored as NUMERIC(78,0) so the full uint64 range fits.
const schema = `
CREATE TABLE IF NOT EXISTS token_accounts (
	owner     TEXT PRIMARY KEY,
	balance   NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (balance BETWEEN 0 AND 18446744073709551615),
	allowance NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (allowance BETWEEN 0 AND 18446744073709551615)
);
CREATE TABLE IF NOT EXISTS market_escrow (
	market_id BIGINT PRIMARY KEY,
	amount    NUMERIC(78,0) NOT NULL DEFAULT 0 CHECK (amount BETWEEN 0 AND 18446744073709551615)
);`

// PostgresVault implements Custodian and Wallet on PostgreSQL. Each call is
// one transaction with the touched rows locked FOR UPDATE.
type PostgresVault struct {
	pool *pgxpool.Pool
}

// NewPostgresVault creates a PostgreSQL-backed vault.
func NewPostgresVault(pool *pgxpool.Pool) *PostgresVault {
	return &PostgresVault{pool: pool}
}

// Migrate creates the vault tables if they do not exist.
func (v *PostgresVault) Migrate(ctx context.Context) error {
	_, err := v.pool.Exec(ctx, schema)
	return err
}

func (v *PostgresVault) Mint(ctx context.Context, owner string, amount uint64) error {
	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		bal, _, err := v.account(ctx, tx, owner, true)
		if err != nil {
			return err
		}
		if _, err := credit(bal, amount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_accounts (owner, balance) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (owner) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance`,
			owner, strconv.FormatUint(amount, 10)); err != nil {
			return fmt.Errorf("mint %s: %w", owner, err)
		}
		return nil
	})
}

func (v *PostgresVault) Approve(ctx context.Context, owner string, amount uint64) error {
	_, err := v.pool.Exec(ctx,
		`INSERT INTO token_accounts (owner, allowance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (owner) DO UPDATE SET allowance = EXCLUDED.allowance`,
		owner, strconv.FormatUint(amount, 10))
	return err
}

func (v *PostgresVault) BalanceOf(ctx context.Context, owner string) (uint64, error) {
	bal, _, err := v.account(ctx, v.pool, owner, false)
	return bal, err
}

func (v *PostgresVault) Allowance(ctx context.Context, owner string) (uint64, error) {
	_, allowance, err := v.account(ctx, v.pool, owner, false)
	return allowance, err
}

func (v *PostgresVault) Collect(ctx context.Context, marketID int64, payer string, amount uint64) error {
	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		bal, allowance, err := v.account(ctx, tx, payer, true)
		if err != nil {
			return err
		}
		if allowance < amount {
			return fmt.Errorf("%w: have %d, need %d", model.ErrInsufficientAllowance, allowance, amount)
		}
		if bal < amount {
			return fmt.Errorf("%w: have %d, need %d", model.ErrInsufficientFunds, bal, amount)
		}

		amt := strconv.FormatUint(amount, 10)
		if _, err := tx.Exec(ctx,
			`UPDATE token_accounts
			 SET balance = balance - $2::NUMERIC, allowance = allowance - $2::NUMERIC
			 WHERE owner = $1`, payer, amt); err != nil {
			return fmt.Errorf("debit %s: %w", payer, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO market_escrow (market_id, amount) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (market_id) DO UPDATE SET amount = market_escrow.amount + EXCLUDED.amount`,
			marketID, amt); err != nil {
			return fmt.Errorf("credit escrow %d: %w", marketID, err)
		}
		return nil
	})
}

func (v *PostgresVault) Disburse(ctx context.Context, marketID int64, recipient string, amount uint64) error {
	return pgx.BeginFunc(ctx, v.pool, func(tx pgx.Tx) error {
		held, err := escrowed(ctx, tx, marketID, true)
		if err != nil {
			return err
		}
		if held < amount {
			return fmt.Errorf("%w: market %d escrow holds %d, need %d",
				model.ErrInsufficientFunds, marketID, held, amount)
		}
		bal, _, err := v.account(ctx, tx, recipient, true)
		if err != nil {
			return err
		}
		if _, err := credit(bal, amount); err != nil {
			return err
		}

		amt := strconv.FormatUint(amount, 10)
		if _, err := tx.Exec(ctx,
			`UPDATE market_escrow SET amount = amount - $2::NUMERIC WHERE market_id = $1`,
			marketID, amt); err != nil {
			return fmt.Errorf("debit escrow %d: %w", marketID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_accounts (owner, balance) VALUES ($1, $2::NUMERIC)
			 ON CONFLICT (owner) DO UPDATE SET balance = token_accounts.balance + EXCLUDED.balance`,
			recipient, amt); err != nil {
			return fmt.Errorf("credit %s: %w", recipient, err)
		}
		return nil
	})
}

func (v *PostgresVault) Escrowed(ctx context.Context, marketID int64) (uint64, error) {
	return escrowed(ctx, v.pool, marketID, false)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (v *PostgresVault) account(ctx context.Context, q querier, owner string, lock bool) (balance, allowance uint64, err error) {
	sql := `SELECT balance::TEXT, allowance::TEXT FROM token_accounts WHERE owner = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var balS, allowS string
	if err := q.QueryRow(ctx, sql, owner).Scan(&balS, &allowS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("get account %s: %w", owner, err)
	}
	if balance, err = parseAmount(balS); err != nil {
		return 0, 0, fmt.Errorf("balance of %s: %w", owner, err)
	}
	if allowance, err = parseAmount(allowS); err != nil {
		return 0, 0, fmt.Errorf("allowance of %s: %w", owner, err)
	}
	return balance, allowance, nil
}

func escrowed(ctx context.Context, q querier, marketID int64, lock bool) (uint64, error) {
	sql := `SELECT amount::TEXT FROM market_escrow WHERE market_id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var amtS string
	if err := q.QueryRow(ctx, sql, marketID).Scan(&amtS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get escrow %d: %w", marketID, err)
	}
	amt, err := parseAmount(amtS)
	if err != nil {
		return 0, fmt.Errorf("escrow %d: %w", marketID, err)
	}
	return amt, nil
}

// parseAmount reads a NUMERIC column rendered as text.
func parseAmount(s string) (uint64, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q does not fit in uint64: %w", s, err)
	}
	return n, nil
}

var (
	_ Custodian = (*PostgresVault)(nil)
	_ Wallet    = (*PostgresVault)(nil)
)
