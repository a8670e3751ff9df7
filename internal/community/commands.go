package community

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"agora/internal/dispatch"
	"agora/internal/domain"
	"agora/internal/outbox"
)

// Service owns the community write path. Every state-mutating operation
// emits its domain events in the same transaction as the business write.
type Service struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewService(db *sql.DB, log zerolog.Logger) *Service {
	return &Service{db: db, log: log.With().Str("component", "community").Logger()}
}

type JoinCommunityIn struct {
	CommunityID     string  `json:"community_id" validate:"required"`
	RefereeAddress  string  `json:"referee_address" validate:"required"`
	ReferrerAddress *string `json:"referrer_address,omitempty"`
}

type JoinCommunityOut struct {
	CommunityID string `json:"community_id"`
	UserID      int64  `json:"user_id"`
}

// JoinCommunity records a membership and emits CommunityJoined atomically.
func (s *Service) JoinCommunity() dispatch.Command[JoinCommunityIn, JoinCommunityOut] {
	return dispatch.Command[JoinCommunityIn, JoinCommunityOut]{
		Auth: []dispatch.Middleware{SignedIn},
		Body: func(ctx context.Context, c dispatch.Context[JoinCommunityIn]) (JoinCommunityOut, error) {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return JoinCommunityOut{}, err
			}
			defer func() { _ = tx.Rollback() }()

			if _, err := tx.ExecContext(ctx, `
INSERT INTO community_joins (community_id, user_id) VALUES (?, ?)
ON CONFLICT(community_id, user_id) DO NOTHING`,
				c.Payload.CommunityID, c.Actor.User.ID); err != nil {
				return JoinCommunityOut{}, fmt.Errorf("record join: %w", err)
			}

			ev, err := domain.NewEvent(domain.EventCommunityJoined, domain.CommunityJoinedPayload{
				CommunityID:     c.Payload.CommunityID,
				UserID:          c.Actor.User.ID,
				ReferrerAddress: c.Payload.ReferrerAddress,
				RefereeAddress:  c.Payload.RefereeAddress,
			})
			if err != nil {
				return JoinCommunityOut{}, err
			}
			if err := outbox.Emit(ctx, tx, ev); err != nil {
				return JoinCommunityOut{}, err
			}
			if err := tx.Commit(); err != nil {
				return JoinCommunityOut{}, err
			}

			s.log.Info().
				Str("community_id", c.Payload.CommunityID).
				Int64("user_id", c.Actor.User.ID).
				Msg("community joined")
			return JoinCommunityOut{CommunityID: c.Payload.CommunityID, UserID: c.Actor.User.ID}, nil
		},
	}
}

type GetReferralsIn struct {
	ReferrerAddress  *string `json:"referrer_address"`
	NamespaceAddress *string `json:"namespace_address"`
}

type Referral struct {
	ID                        int64   `json:"id"`
	EthChainID                *int64  `json:"eth_chain_id,omitempty"`
	TransactionHash           *string `json:"transaction_hash,omitempty"`
	NamespaceAddress          *string `json:"namespace_address,omitempty"`
	ReferrerAddress           string  `json:"referrer_address"`
	RefereeAddress            string  `json:"referee_address"`
	ReferrerReceivedEthAmount float64 `json:"referrer_received_eth_amount"`
}

// GetReferrals lists referral records, optionally filtered. Absent filters
// mean "any", which is why the query path strips null keys.
func (s *Service) GetReferrals() dispatch.Query[GetReferralsIn, []Referral] {
	return dispatch.Query[GetReferralsIn, []Referral]{
		Auth: []dispatch.Middleware{SignedIn},
		Body: func(ctx context.Context, c dispatch.Context[GetReferralsIn]) ([]Referral, error) {
			query := `
SELECT id, eth_chain_id, transaction_hash, namespace_address, referrer_address, referee_address, referrer_received_eth_amount
FROM referrals WHERE 1=1`
			var args []any
			if c.Payload.ReferrerAddress != nil {
				query += ` AND referrer_address = ?`
				args = append(args, *c.Payload.ReferrerAddress)
			}
			if c.Payload.NamespaceAddress != nil {
				query += ` AND namespace_address = ?`
				args = append(args, *c.Payload.NamespaceAddress)
			}
			query += ` ORDER BY id`

			rows, err := s.db.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			out := []Referral{}
			for rows.Next() {
				var r Referral
				var chainID sql.NullInt64
				var txHash, namespace sql.NullString
				if err := rows.Scan(&r.ID, &chainID, &txHash, &namespace,
					&r.ReferrerAddress, &r.RefereeAddress, &r.ReferrerReceivedEthAmount); err != nil {
					return nil, err
				}
				if chainID.Valid {
					r.EthChainID = &chainID.Int64
				}
				if txHash.Valid {
					r.TransactionHash = &txHash.String
				}
				if namespace.Valid {
					r.NamespaceAddress = &namespace.String
				}
				out = append(out, r)
			}
			return out, rows.Err()
		},
	}
}
