package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/powguess/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All share counts and money are stored as NUMERIC and moved as text.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const marketColumns = `id, resort_name, description, target_snowfall, resolution_time,
	status, outcome,
	total_yes_shares::TEXT, total_no_shares::TEXT, total_pool::TEXT, settled_pool::TEXT,
	actual_snowfall, created_at, resolved_at`

// CreateMarket allocates IDs densely: the table is locked so the next ID is
// always the current row count and no sequence gap can appear on rollback.
func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) (int64, error) {
	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE markets IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO markets (id, resort_name, description, target_snowfall, resolution_time,
			                      status, outcome, created_at)
			 SELECT COUNT(*), $1::TEXT, $2::TEXT, $3::BIGINT, $4::BIGINT, $5::SMALLINT, $6::SMALLINT, $7::TIMESTAMPTZ
			 FROM markets
			 RETURNING id`,
			m.ResortName, m.Description, m.TargetSnowfall, m.ResolutionTime,
			int16(m.Status), int16(m.Outcome), m.CreatedAt,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("create market: %w", err)
	}
	m.ID = id
	return id, nil
}

func (s *PostgresStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", model.ErrNotFound, id)
		}
		return nil, fmt.Errorf("get market %d: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) MarketCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n)
	return n, err
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, r model.Resolution) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`UPDATE markets
		 SET status = $2, outcome = $3, actual_snowfall = $4,
		     settled_pool = total_pool, resolved_at = $5
		 WHERE id = $1 AND status = $6
		 RETURNING `+marketColumns,
		r.MarketID, int16(model.StatusResolved), int16(r.Outcome), r.ActualSnowfall,
		r.ResolvedAt, int16(model.StatusActive)))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("resolve market %d: %w", r.MarketID, err)
	}
	if _, err := s.GetMarket(ctx, r.MarketID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %d", model.ErrAlreadyResolved, r.MarketID)
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID int64, user string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, claimed, payout::TEXT
		 FROM positions WHERE market_id = $1 AND user_addr = $2`, marketID, user))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get position %d/%s: %w", marketID, user, err)
	}
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return &model.Position{MarketID: marketID, User: user}, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, marketID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, user_addr, yes_shares::TEXT, no_shares::TEXT, claimed, payout::TEXT
		 FROM positions WHERE market_id = $1 ORDER BY user_addr`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) RecordPurchase(ctx context.Context, p model.Purchase) error {
	var yes, no uint64
	switch p.Side {
	case model.SideYes:
		yes = p.Shares
	case model.SideNo:
		no = p.Shares
	default:
		return fmt.Errorf("%w: side %q", model.ErrInvalidParameters, p.Side)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets
			 SET total_yes_shares = total_yes_shares + $2::NUMERIC,
			     total_no_shares  = total_no_shares  + $3::NUMERIC,
			     total_pool       = total_pool       + $4::NUMERIC
			 WHERE id = $1 AND status = $5`,
			p.MarketID, u64(yes), u64(no), u64(p.Cost), int16(model.StatusActive))
		if err != nil {
			return fmt.Errorf("update market %d: %w", p.MarketID, err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := s.GetMarket(ctx, p.MarketID); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d", model.ErrMarketNotActive, p.MarketID)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (market_id, user_addr, yes_shares, no_shares)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
			 ON CONFLICT (market_id, user_addr) DO UPDATE
			 SET yes_shares = positions.yes_shares + EXCLUDED.yes_shares,
			     no_shares  = positions.no_shares  + EXCLUDED.no_shares`,
			p.MarketID, p.User, u64(yes), u64(no)); err != nil {
			return fmt.Errorf("upsert position %d/%s: %w", p.MarketID, p.User, err)
		}

		return insertLedgerEntry(ctx, tx, &p.Entry)
	})
}

func (s *PostgresStore) RecordClaim(ctx context.Context, c model.Claim) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status int16
		var poolS string
		err := tx.QueryRow(ctx,
			`SELECT status, total_pool::TEXT FROM markets WHERE id = $1 FOR UPDATE`, c.MarketID).
			Scan(&status, &poolS)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %d", model.ErrNotFound, c.MarketID)
		}
		if err != nil {
			return fmt.Errorf("lock market %d: %w", c.MarketID, err)
		}
		if model.Status(status) != model.StatusResolved {
			return fmt.Errorf("%w: %d", model.ErrMarketNotResolved, c.MarketID)
		}
		var pool uint64
		if err := parseU64(&pool, poolS); err != nil {
			return fmt.Errorf("market %d pool: %w", c.MarketID, err)
		}
		if c.Amount > pool {
			return fmt.Errorf("%w: pool %d below claim %d", model.ErrInsufficientFunds, pool, c.Amount)
		}

		var claimed bool
		err = tx.QueryRow(ctx,
			`SELECT claimed FROM positions WHERE market_id = $1 AND user_addr = $2 FOR UPDATE`,
			c.MarketID, c.User).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no position for %s", model.ErrNothingToClaim, c.User)
		}
		if err != nil {
			return fmt.Errorf("lock position %d/%s: %w", c.MarketID, c.User, err)
		}
		if claimed {
			return fmt.Errorf("%w: %s in market %d", model.ErrAlreadyClaimed, c.User, c.MarketID)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE positions SET claimed = TRUE, payout = $3::NUMERIC
			 WHERE market_id = $1 AND user_addr = $2`,
			c.MarketID, c.User, u64(c.Amount)); err != nil {
			return fmt.Errorf("mark claimed %d/%s: %w", c.MarketID, c.User, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE markets SET total_pool = total_pool - $2::NUMERIC WHERE id = $1`,
			c.MarketID, u64(c.Amount)); err != nil {
			return fmt.Errorf("debit pool %d: %w", c.MarketID, err)
		}
		return nil
	})
}

func (s *PostgresStore) RevertClaim(ctx context.Context, c model.Claim) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE positions SET claimed = FALSE, payout = 0
			 WHERE market_id = $1 AND user_addr = $2 AND claimed AND payout = $3::NUMERIC`,
			c.MarketID, c.User, u64(c.Amount))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("revert claim %s in market %d: no matching claim", c.User, c.MarketID)
		}
		_, err = tx.Exec(ctx,
			`UPDATE markets SET total_pool = total_pool + $2::NUMERIC WHERE id = $1`,
			c.MarketID, u64(c.Amount))
		return err
	})
}

func (s *PostgresStore) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	return insertLedgerEntry(ctx, s.pool, e)
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, marketID int64) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, user_addr, kind, side, shares::TEXT, amount::TEXT, timestamp
		 FROM ledger_entries WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByUser(ctx context.Context, user string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, market_id, user_addr, kind, side, shares::TEXT, amount::TEXT, timestamp
		 FROM ledger_entries WHERE user_addr = $1 ORDER BY timestamp`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertLedgerEntry(ctx context.Context, db execer, e *model.LedgerEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ledger_entries (id, market_id, user_addr, kind, side, shares, amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
		e.ID, e.MarketID, e.User, string(e.Kind), string(e.Side),
		u64(e.Shares), u64(e.Amount), e.Timestamp,
	)
	return err
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// parseU64 reads a NUMERIC column rendered as text. Values outside the
// uint64 range are an error rather than a silent clamp.
func parseU64(dst *uint64, s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("numeric %q: %w", s, err)
	}
	*dst = n
	return nil
}

// pgxRow is satisfied by pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var status, outcome int16
	var yesS, noS, poolS, settledS string
	var resolvedAt *time.Time

	if err := row.Scan(&m.ID, &m.ResortName, &m.Description, &m.TargetSnowfall, &m.ResolutionTime,
		&status, &outcome,
		&yesS, &noS, &poolS, &settledS,
		&m.ActualSnowfall, &m.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}

	m.Status = model.Status(status)
	m.Outcome = model.Outcome(outcome)
	if err := errors.Join(
		parseU64(&m.TotalYesShares, yesS),
		parseU64(&m.TotalNoShares, noS),
		parseU64(&m.TotalPool, poolS),
		parseU64(&m.SettledPool, settledS),
	); err != nil {
		return nil, fmt.Errorf("market %d: %w", m.ID, err)
	}
	if resolvedAt != nil {
		m.ResolvedAt = *resolvedAt
	}
	return &m, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var yesS, noS, payoutS string
	if err := row.Scan(&p.MarketID, &p.User, &yesS, &noS, &p.Claimed, &payoutS); err != nil {
		return nil, err
	}
	if err := errors.Join(
		parseU64(&p.YesShares, yesS),
		parseU64(&p.NoShares, noS),
		parseU64(&p.Payout, payoutS),
	); err != nil {
		return nil, fmt.Errorf("position %d/%s: %w", p.MarketID, p.User, err)
	}
	return &p, nil
}

// scanLedgerEntries reads pgx rows into LedgerEntry slices.
func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, side, sharesS, amountS string

		if err := rows.Scan(&e.ID, &e.MarketID, &e.User, &kind, &side,
			&sharesS, &amountS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Kind = model.EntryKind(kind)
		e.Side = model.Side(side)
		if err := errors.Join(parseU64(&e.Shares, sharesS), parseU64(&e.Amount, amountS)); err != nil {
			return nil, fmt.Errorf("ledger entry %s: %w", e.ID, err)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
