package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/rzzdr/assignment-risk-engine/pkg/models"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/errors"
	"github.com/rzzdr/assignment-risk-engine/pkg/utils/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                     TEXT PRIMARY KEY,
	symbol                 TEXT NOT NULL,
	strategy               TEXT NOT NULL,
	strike                 REAL NOT NULL,
	expiry                 INTEGER NOT NULL,
	premium_collected      REAL NOT NULL,
	quantity               REAL NOT NULL,
	opened_at              INTEGER NOT NULL,
	tenor_days             REAL NOT NULL,
	long_term_holding      INTEGER NOT NULL DEFAULT 0,
	current_price          REAL NOT NULL DEFAULT 0,
	assignment_probability REAL NOT NULL DEFAULT 0,
	risk_level             TEXT NOT NULL DEFAULT '',
	roll_history           BLOB,
	advisory_analyzed      INTEGER NOT NULL DEFAULT 0,
	updated_at             INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS closes (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id   TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	strike        REAL NOT NULL,
	expiry        INTEGER NOT NULL,
	buy_back_cost REAL NOT NULL,
	profit_loss   REAL NOT NULL,
	profit_pct    REAL NOT NULL,
	forced        INTEGER NOT NULL,
	success       INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_closes_position ON closes(position_id);
`

type positionRow struct {
	ID                    string  `db:"id"`
	Symbol                string  `db:"symbol"`
	Strategy              string  `db:"strategy"`
	Strike                float64 `db:"strike"`
	Expiry                int64   `db:"expiry"`
	PremiumCollected      float64 `db:"premium_collected"`
	Quantity              float64 `db:"quantity"`
	OpenedAt              int64   `db:"opened_at"`
	TenorDays             float64 `db:"tenor_days"`
	LongTermHolding       bool    `db:"long_term_holding"`
	CurrentPrice          float64 `db:"current_price"`
	AssignmentProbability float64 `db:"assignment_probability"`
	RiskLevel             string  `db:"risk_level"`
	RollHistory           []byte  `db:"roll_history"`
	AdvisoryAnalyzed      bool    `db:"advisory_analyzed"`
	UpdatedAt             int64   `db:"updated_at"`
}

type closeRow struct {
	PositionID  string  `db:"position_id"`
	Symbol      string  `db:"symbol"`
	Strike      float64 `db:"strike"`
	Expiry      int64   `db:"expiry"`
	BuyBackCost float64 `db:"buy_back_cost"`
	ProfitLoss  float64 `db:"profit_loss"`
	ProfitPct   float64 `db:"profit_pct"`
	Forced      bool    `db:"forced"`
	Success     bool    `db:"success"`
	ClosedAt    int64   `db:"closed_at"`
}

// SQLitePositionStore persists positions in SQLite. Roll history is kept as
// a msgpack blob since it is only ever read back whole.
type SQLitePositionStore struct {
	db      *sqlx.DB
	timeout time.Duration
	log     *logger.Logger
}

// NewSQLitePositionStore opens (or creates) the database at path and applies
// the schema. Use ":memory:" for a throwaway store.
func NewSQLitePositionStore(path string, timeout time.Duration) (*SQLitePositionStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.WithType(errors.Wrap(err, "open sqlite"), errors.ErrorTypeConfig)
	}
	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.WithType(errors.Wrap(err, "set WAL mode"), errors.ErrorTypeConfig)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.WithType(errors.Wrap(err, "migrate"), errors.ErrorTypeConfig)
	}

	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	s := &SQLitePositionStore{db: db, timeout: timeout, log: logger.GetLogger("store.sqlite")}
	s.log.Infow("SQLite position store opened", "path", path)
	return s, nil
}

// LoadPositions reads every stored position. Market-derived fields are left
// for the first monitor tick to refresh.
func (s *SQLitePositionStore) LoadPositions(ctx context.Context) ([]*models.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []positionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM positions ORDER BY id`); err != nil {
		return nil, errors.Wrap(err, "failed to load positions")
	}

	out := make([]*models.Position, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			s.log.Warnw("Skipping unreadable position", "id", r.ID, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// SavePosition upserts p
func (s *SQLitePositionStore) SavePosition(ctx context.Context, p *models.Position) error {
	if p == nil || p.ID == "" {
		return errors.InvalidArgument("position ID cannot be empty")
	}
	row, err := fromModel(p)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO positions (id, symbol, strategy, strike, expiry, premium_collected, quantity,
			opened_at, tenor_days, long_term_holding, current_price, assignment_probability,
			risk_level, roll_history, advisory_analyzed, updated_at)
		VALUES (:id, :symbol, :strategy, :strike, :expiry, :premium_collected, :quantity,
			:opened_at, :tenor_days, :long_term_holding, :current_price, :assignment_probability,
			:risk_level, :roll_history, :advisory_analyzed, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
			strike = excluded.strike,
			expiry = excluded.expiry,
			premium_collected = excluded.premium_collected,
			quantity = excluded.quantity,
			opened_at = excluded.opened_at,
			tenor_days = excluded.tenor_days,
			long_term_holding = excluded.long_term_holding,
			current_price = excluded.current_price,
			assignment_probability = excluded.assignment_probability,
			risk_level = excluded.risk_level,
			roll_history = excluded.roll_history,
			advisory_analyzed = excluded.advisory_analyzed,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return errors.Wrapf(err, "failed to save position %s", p.ID)
	}
	return nil
}

// DeletePosition removes a position by ID
func (s *SQLitePositionStore) DeletePosition(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete position %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("position not found: " + id)
	}
	return nil
}

// RecordClose appends a close outcome
func (s *SQLitePositionStore) RecordClose(ctx context.Context, rec models.CloseRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO closes (position_id, symbol, strike, expiry, buy_back_cost, profit_loss,
			profit_pct, forced, success, closed_at)
		VALUES (:position_id, :symbol, :strike, :expiry, :buy_back_cost, :profit_loss,
			:profit_pct, :forced, :success, :closed_at)`, closeRow{
		PositionID:  rec.PositionID,
		Symbol:      rec.Symbol,
		Strike:      rec.Strike,
		Expiry:      rec.Expiry.UnixMilli(),
		BuyBackCost: rec.BuyBackCost,
		ProfitLoss:  rec.ProfitLoss,
		ProfitPct:   rec.ProfitPct,
		Forced:      rec.Forced,
		Success:     rec.Success,
		ClosedAt:    rec.Timestamp.UnixMilli(),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to record close of %s", rec.PositionID)
	}
	return nil
}

// Closes returns recorded close outcomes in insertion order
func (s *SQLitePositionStore) Closes(ctx context.Context) ([]models.CloseRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []closeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT position_id, symbol, strike, expiry, buy_back_cost, profit_loss, profit_pct,
			forced, success, closed_at
		FROM closes ORDER BY id`)
	if err != nil && err != sql.ErrNoRows {
		return nil, errors.Wrap(err, "failed to load closes")
	}

	out := make([]models.CloseRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.CloseRecord{
			PositionID:  r.PositionID,
			Symbol:      r.Symbol,
			Strike:      r.Strike,
			Expiry:      time.UnixMilli(r.Expiry).UTC(),
			BuyBackCost: r.BuyBackCost,
			ProfitLoss:  r.ProfitLoss,
			ProfitPct:   r.ProfitPct,
			Forced:      r.Forced,
			Success:     r.Success,
			Timestamp:   time.UnixMilli(r.ClosedAt).UTC(),
		})
	}
	return out, nil
}

// Close closes the database
func (s *SQLitePositionStore) Close() error {
	return s.db.Close()
}

func fromModel(p *models.Position) (positionRow, error) {
	history, err := msgpack.Marshal(p.RollHistory)
	if err != nil {
		return positionRow{}, errors.Wrap(err, "encode roll history")
	}
	updated := p.LastUpdate
	if updated.IsZero() {
		updated = time.Now()
	}
	return positionRow{
		ID:                    p.ID,
		Symbol:                p.Symbol,
		Strategy:              string(p.Strategy),
		Strike:                p.Strike,
		Expiry:                p.Expiry.UnixMilli(),
		PremiumCollected:      p.PremiumCollected,
		Quantity:              p.Quantity,
		OpenedAt:              p.OpenedAt.UnixMilli(),
		TenorDays:             p.TenorDays,
		LongTermHolding:       p.LongTermHolding,
		CurrentPrice:          p.CurrentPrice,
		AssignmentProbability: p.AssignmentProbability,
		RiskLevel:             string(p.RiskLevel),
		RollHistory:           history,
		AdvisoryAnalyzed:      p.AdvisoryAnalyzed,
		UpdatedAt:             updated.UnixMilli(),
	}, nil
}

func (r positionRow) toModel() (*models.Position, error) {
	var history []models.RollRecord
	if len(r.RollHistory) > 0 {
		if err := msgpack.Unmarshal(r.RollHistory, &history); err != nil {
			return nil, errors.Wrap(err, "decode roll history")
		}
	}
	return &models.Position{
		ID:                    r.ID,
		Symbol:                r.Symbol,
		Strategy:              models.StrategyKind(r.Strategy),
		Strike:                r.Strike,
		Expiry:                time.UnixMilli(r.Expiry).UTC(),
		PremiumCollected:      r.PremiumCollected,
		Quantity:              r.Quantity,
		OpenedAt:              time.UnixMilli(r.OpenedAt).UTC(),
		TenorDays:             r.TenorDays,
		LongTermHolding:       r.LongTermHolding,
		CurrentPrice:          r.CurrentPrice,
		AssignmentProbability: r.AssignmentProbability,
		RiskLevel:             models.RiskLevel(r.RiskLevel),
		RollHistory:           history,
		AdvisoryAnalyzed:      r.AdvisoryAnalyzed,
		LastUpdate:            time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}
