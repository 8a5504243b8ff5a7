package dividends

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iharari2/volbalance/internal/database"
	"github.com/iharari2/volbalance/internal/domain"
	"github.com/iharari2/volbalance/internal/events"
	"github.com/iharari2/volbalance/internal/modules/positions"
)

// PositionStore is the position persistence the dividend use-cases
// depend on.
type PositionStore interface {
	Get(scope domain.Scope) (*positions.Position, error)
	Save(p *positions.Position) error
}

// Compile-time check that the positions repository satisfies PositionStore.
var _ PositionStore = (*positions.Repository)(nil)

// Service implements ex-date accrual and pay-date crediting.
type Service struct {
	ledgerDB   *sql.DB
	repo       *Repository
	eventRepo  *events.Repository
	positionSt PositionStore
	clock      domain.Clock
	ids        domain.IDGenerator
	source     string
	log        zerolog.Logger
}

// NewService creates a dividend service.
func NewService(
	ledgerDB *sql.DB,
	repo *Repository,
	eventRepo *events.Repository,
	positionSt PositionStore,
	clock domain.Clock,
	ids domain.IDGenerator,
	source string,
	log zerolog.Logger,
) *Service {
	return &Service{
		ledgerDB:   ledgerDB,
		repo:       repo,
		eventRepo:  eventRepo,
		positionSt: positionSt,
		clock:      clock,
		ids:        ids,
		source:     source,
		log:        log.With().Str("service", "dividends").Logger(),
	}
}

// ExDateResult is the outcome of ex-date processing.
type ExDateResult struct {
	Receivable *Receivable
	// AnchorFloored is true when the adjustment clipped at the floor.
	AnchorFloored bool
	// Replayed is true when the dividend was already accrued for this
	// position and nothing changed.
	Replayed bool
}

// ProcessExDividendDate snapshots the position's quantity, accrues the
// net receivable, and lowers the anchor by the dividend per share so the
// ex-date price drop does not read as a trigger. Idempotent per
// (position, dividend).
func (s *Service) ProcessExDividendDate(scope domain.Scope, dividend *domain.Dividend) (*ExDateResult, error) {
	if err := dividend.Validate(); err != nil {
		return nil, err
	}

	position, err := s.positionSt.Get(scope)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	result := &ExDateResult{}

	err = database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		if err := s.repo.CreateDividend(tx, dividend); err != nil {
			return err
		}

		existing, err := s.repo.FindReceivable(tx, scope.PositionID, dividend.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			result.Receivable = existing
			result.Replayed = true
			return nil
		}

		shares := position.Qty
		gross := shares * dividend.DPS
		tax := gross * dividend.WithholdingRate
		net := gross - tax

		receivable := &Receivable{
			ReceivableID:   s.ids.NewID(),
			DividendID:     dividend.ID,
			Scope:          scope,
			SharesAtRecord: shares,
			GrossAmount:    gross,
			WithholdingTax: tax,
			NetAmount:      net,
			Status:         ReceivablePending,
			CreatedAt:      dividend.ExDate,
		}
		if err := s.repo.CreateReceivable(tx, receivable); err != nil {
			return err
		}
		result.Receivable = receivable

		if err := position.AccrueReceivable(net, now); err != nil {
			return err
		}

		anchorBefore := position.AnchorPrice
		result.AnchorFloored = position.AdjustAnchorForDividend(dividend.DPS, now)

		rec := s.eventRepo.NewRecorder(scope, s.ids.NewTraceID(), s.source)
		err = rec.Record(tx, events.DividendAccrued, now,
			&events.DividendPayload{
				DividendID:      dividend.ID,
				ReceivableID:    receivable.ReceivableID,
				SharesAtRecord:  shares,
				DPS:             dividend.DPS,
				GrossAmount:     gross,
				WithholdingTax:  tax,
				NetAmount:       net,
				WithholdingRate: dividend.WithholdingRate,
			},
			nil, "dividend accrued at ex-date")
		if err != nil {
			return err
		}

		if anchorBefore != nil {
			if err := rec.Record(tx, events.AnchorAdjustedDividend, now, nil,
				&events.AnchorPayload{Before: anchorBefore, After: *position.AnchorPrice, Reason: "ex_dividend"},
				"anchor lowered by dividend per share"); err != nil {
				return err
			}
			if result.AnchorFloored {
				if err := rec.Record(tx, events.AnchorFloored, now, nil,
					&events.AnchorPayload{Before: anchorBefore, After: *position.AnchorPrice},
					"dividend exceeded anchor, floored"); err != nil {
					return err
				}
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Replayed {
		if err := s.positionSt.Save(position); err != nil {
			return nil, fmt.Errorf("failed to persist position after ex-date: %w", err)
		}
		s.log.Info().
			Str("position_id", scope.PositionID).
			Str("dividend_id", dividend.ID).
			Float64("net", result.Receivable.NetAmount).
			Msg("Dividend accrued")
	}

	return result, nil
}

// PaymentResult is the outcome of payment processing.
type PaymentResult struct {
	Receivable *Receivable
	// AlreadyPaid is true when the receivable had been paid before;
	// the call is a successful no-op.
	AlreadyPaid bool
}

// ProcessDividendPayment credits a pending receivable's net amount to
// cash. Paying an already-paid receivable succeeds without effect; a
// cancelled receivable is rejected. The anchor is not touched at payment.
func (s *Service) ProcessDividendPayment(scope domain.Scope, receivableID string) (*PaymentResult, error) {
	position, err := s.positionSt.Get(scope)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	result := &PaymentResult{}

	err = database.WithTransaction(s.ledgerDB, func(tx *sql.Tx) error {
		receivable, err := s.repo.GetReceivable(tx, receivableID)
		if err != nil {
			return err
		}
		if receivable.Scope.PositionID != scope.PositionID {
			return domain.ErrReceivableNotFound
		}
		result.Receivable = receivable

		switch receivable.Status {
		case ReceivablePaid:
			result.AlreadyPaid = true
			return nil
		case ReceivableCancelled:
			return fmt.Errorf("receivable %s is cancelled", receivableID)
		}

		paid, err := s.repo.MarkPaid(tx, receivableID, now)
		if err != nil {
			return err
		}
		if !paid {
			// Lost a race with another payer; treat as already paid.
			result.AlreadyPaid = true
			return nil
		}

		if err := position.PayReceivable(receivable.NetAmount, now); err != nil {
			return err
		}

		rec := s.eventRepo.NewRecorder(scope, s.ids.NewTraceID(), s.source)
		return rec.Record(tx, events.DividendPaid, now,
			&events.DividendPayload{
				DividendID:   receivable.DividendID,
				ReceivableID: receivable.ReceivableID,
				NetAmount:    receivable.NetAmount,
			},
			nil, "dividend paid")
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyPaid {
		if err := s.positionSt.Save(position); err != nil {
			return nil, fmt.Errorf("failed to persist position after payment: %w", err)
		}
		s.log.Info().
			Str("position_id", scope.PositionID).
			Str("receivable_id", receivableID).
			Float64("net", result.Receivable.NetAmount).
			Msg("Dividend paid")
	}

	return result, nil
}
