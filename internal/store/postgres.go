package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/rextimate/crowd-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Price points carry a BIGSERIAL seq column: the database assigns the
// logical clock, so concurrent appends are totally ordered regardless of
// wall-clock skew.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateListing(ctx context.Context, l *model.Listing) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO listings (id, neighborhood, list_price, status, sale_price, is_open_house, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6, $7)`,
		l.ID, l.Neighborhood, l.ListPrice.String(),
		string(l.Status), l.SalePrice.String(), l.IsOpenHouse, l.CreatedAt,
	)
	return err
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var l model.Listing
	var status, listPrice, salePrice string

	err := row.Scan(&l.ID, &l.Neighborhood, &listPrice, &status, &salePrice,
		&l.IsOpenHouse, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	l.Status = model.NormalizeStatus(status)
	l.ListPrice, _ = decimal.NewFromString(listPrice)
	l.SalePrice, _ = decimal.NewFromString(salePrice)
	return &l, nil
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (*model.Listing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, neighborhood, list_price::TEXT, status, sale_price::TEXT,
		        is_open_house, created_at
		 FROM listings WHERE id = $1`, id)

	l, err := scanListing(row)
	if err != nil {
		return nil, fmt.Errorf("get listing %s: %w", id, err)
	}
	return l, nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, neighborhood, list_price::TEXT, status, sale_price::TEXT,
		        is_open_house, created_at
		 FROM listings ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) UpdateListingStatus(ctx context.Context, id string, status model.ListingStatus, salePrice decimal.Decimal, isOpenHouse bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE listings
		 SET status = $2, sale_price = $3::NUMERIC, is_open_house = $4
		 WHERE id = $1`,
		id, string(status), salePrice.String(), isOpenHouse,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendPosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, listing_id, direction, vote_rextimate, listing_status, is_open_house, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		p.ID, p.UserID, p.ListingID, string(p.Direction),
		p.VoteRextimate.String(), string(p.ListingStatus), p.IsOpenHouse, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) queryPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var direction, status, voteRextimate string

		if err := rows.Scan(&p.ID, &p.UserID, &p.ListingID, &direction,
			&voteRextimate, &status, &p.IsOpenHouse, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Direction = model.Direction(direction)
		p.ListingStatus = model.NormalizeStatus(status)
		p.VoteRextimate, _ = decimal.NewFromString(voteRextimate)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) PositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT id, user_id, listing_id, direction, vote_rextimate::TEXT,
		        listing_status, is_open_house, created_at
		 FROM positions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) PositionsByUserListing(ctx context.Context, userID, listingID string) ([]model.Position, error) {
	return s.queryPositions(ctx,
		`SELECT id, user_id, listing_id, direction, vote_rextimate::TEXT,
		        listing_status, is_open_house, created_at
		 FROM positions WHERE user_id = $1 AND listing_id = $2 ORDER BY created_at`,
		userID, listingID)
}

func (s *PostgresStore) AppendFixedPriceBid(ctx context.Context, b *model.FixedPriceBid) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fixed_price_bids (id, user_id, listing_id, amount, listing_status, is_open_house, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		b.ID, b.UserID, b.ListingID, b.Amount.String(),
		string(b.ListingStatus), b.IsOpenHouse, b.CreatedAt,
	)
	return err
}

func (s *PostgresStore) queryBids(ctx context.Context, query string, args ...any) ([]model.FixedPriceBid, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []model.FixedPriceBid
	for rows.Next() {
		var b model.FixedPriceBid
		var amount, status string

		if err := rows.Scan(&b.ID, &b.UserID, &b.ListingID, &amount,
			&status, &b.IsOpenHouse, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Amount, _ = decimal.NewFromString(amount)
		b.ListingStatus = model.NormalizeStatus(status)
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

func (s *PostgresStore) BidsByUser(ctx context.Context, userID string) ([]model.FixedPriceBid, error) {
	return s.queryBids(ctx,
		`SELECT id, user_id, listing_id, amount::TEXT, listing_status, is_open_house, created_at
		 FROM fixed_price_bids WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) BidsByUserListing(ctx context.Context, userID, listingID string) ([]model.FixedPriceBid, error) {
	return s.queryBids(ctx,
		`SELECT id, user_id, listing_id, amount::TEXT, listing_status, is_open_house, created_at
		 FROM fixed_price_bids WHERE user_id = $1 AND listing_id = $2 ORDER BY created_at`,
		userID, listingID)
}

func (s *PostgresStore) AppendPricePoint(ctx context.Context, p *model.PricePoint) error {
	// seq is BIGSERIAL: the database assigns the logical clock.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO price_points (id, listing_id, is_open_house, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 RETURNING seq`,
		p.ID, p.ListingID, p.IsOpenHouse, p.Amount.String(), p.CreatedAt,
	).Scan(&p.Seq)
	return err
}

func (s *PostgresStore) LatestPricePoint(ctx context.Context, listingID string, isOpenHouse bool) (*model.PricePoint, error) {
	var p model.PricePoint
	var amount string

	err := s.pool.QueryRow(ctx,
		`SELECT id, listing_id, is_open_house, amount::TEXT, seq, created_at
		 FROM price_points
		 WHERE listing_id = $1 AND is_open_house = $2
		 ORDER BY seq DESC LIMIT 1`, listingID, isOpenHouse).
		Scan(&p.ID, &p.ListingID, &p.IsOpenHouse, &amount, &p.Seq, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("price history %s: %w", listingID, ErrNotFound)
		}
		return nil, fmt.Errorf("latest price point %s: %w", listingID, err)
	}

	p.Amount, _ = decimal.NewFromString(amount)
	return &p, nil
}

func (s *PostgresStore) AllPricePoints(ctx context.Context, listingID string, isOpenHouse bool) ([]model.PricePoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, listing_id, is_open_house, amount::TEXT, seq, created_at
		 FROM price_points
		 WHERE listing_id = $1 AND is_open_house = $2
		 ORDER BY seq`, listingID, isOpenHouse)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []model.PricePoint
	for rows.Next() {
		var p model.PricePoint
		var amount string
		if err := rows.Scan(&p.ID, &p.ListingID, &p.IsOpenHouse, &amount,
			&p.Seq, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Amount, _ = decimal.NewFromString(amount)
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *PostgresStore) CountVotesByDirection(ctx context.Context, listingID string, isOpenHouse bool) (model.VoteCounts, error) {
	var counts model.VoteCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN direction = 'TOO_HIGH'   THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'TOO_LOW'    THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'JUST_RIGHT' THEN 1 ELSE 0 END), 0)
		 FROM positions
		 WHERE listing_id = $1 AND is_open_house = $2`, listingID, isOpenHouse).
		Scan(&counts.TooHigh, &counts.TooLow, &counts.JustRight)
	if err != nil {
		return model.VoteCounts{}, fmt.Errorf("count votes %s: %w", listingID, err)
	}
	return counts, nil
}

// UpdateDenormalizedStatus deliberately runs as two independent statements,
// not one transaction: the row count is unbounded and the fan-out is
// idempotent, so a crash between the two leaves a state the retry repairs.
func (s *PostgresStore) UpdateDenormalizedStatus(ctx context.Context, listingID string, status model.ListingStatus, isOpenHouse bool) (int64, error) {
	var touched int64

	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET listing_status = $2, is_open_house = $3 WHERE listing_id = $1`,
		listingID, string(status), isOpenHouse)
	if err != nil {
		return touched, fmt.Errorf("fan out to positions %s: %w", listingID, err)
	}
	touched += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx,
		`UPDATE fixed_price_bids SET listing_status = $2, is_open_house = $3 WHERE listing_id = $1`,
		listingID, string(status), isOpenHouse)
	if err != nil {
		return touched, fmt.Errorf("fan out to bids %s: %w", listingID, err)
	}
	touched += tag.RowsAffected()

	return touched, nil
}

func (s *PostgresStore) MarkVoteProcessed(ctx context.Context, positionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_votes (position_id) VALUES ($1)
		 ON CONFLICT (position_id) DO NOTHING`, positionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AppendVotePricePoint claims the vote id and appends the point in one
// transaction. A failure anywhere rolls back the claim, so the redelivered
// event retries the whole unit instead of finding a claim with no point.
func (s *PostgresStore) AppendVotePricePoint(ctx context.Context, positionID string, p *model.PricePoint) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO processed_votes (position_id) VALUES ($1)
		 ON CONFLICT (position_id) DO NOTHING`, positionID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO price_points (id, listing_id, is_open_house, amount, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 RETURNING seq`,
		p.ID, p.ListingID, p.IsOpenHouse, p.Amount.String(), p.CreatedAt,
	).Scan(&p.Seq)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}
