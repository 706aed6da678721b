package credits

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ReclaimExpired sweeps active holds whose expiry has passed, returning each
// reserved amount to the available balance with a compensating hold
// transaction. Every hold is reclaimed in its own store transaction so a crash
// mid-sweep leaves no partial state; a hold that loses the status
// compare-and-swap to a concurrent Settle or Release is skipped.
func (service *Service) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed := 0
	for {
		nowUnixUTC := service.nowFn()
		expired, err := service.store.ListExpiredHolds(ctx, nowUnixUTC, reclaimBatchSize)
		if err != nil {
			return reclaimed, err
		}
		if len(expired) == 0 {
			return reclaimed, nil
		}
		progressed := false
		for _, candidate := range expired {
			approvalID, err := NewApprovalID(candidate.ApprovalID)
			if err != nil {
				return reclaimed, err
			}
			err = service.reclaimOne(ctx, approvalID)
			if errors.Is(err, ErrHoldInvalid) || errors.Is(err, ErrHoldNotFound) {
				continue
			}
			if err != nil {
				return reclaimed, err
			}
			reclaimed++
			progressed = true
		}
		if !progressed {
			return reclaimed, nil
		}
	}
}

func (service *Service) reclaimOne(ctx context.Context, approvalID ApprovalID) error {
	var orgID OrgID
	var amount AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHold(ctx, approvalID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldInvalid
		}
		nowUnixUTC := service.nowFn()
		if !hold.Expired(nowUnixUTC) {
			return ErrHoldInvalid
		}
		orgID, err = NewOrgID(hold.OrgID)
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, orgID); err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldStatus(ctx, approvalID, HoldStatusActive, HoldStatusExpired); err != nil {
			return err
		}
		amount = hold.AmountCents.ToAmountCents()
		if _, err := transactionStore.AddToBalance(ctx, orgID, amount, nowUnixUTC); err != nil {
			return err
		}
		_, err = transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          hold.OrgID,
			Type:           TransactionHold,
			AmountCents:    amount,
			Reason:         reasonExpire,
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	approvalRef := approvalID
	service.logOperation(ctx, OperationLog{
		Operation:  operationReclaim,
		OrgID:      orgID,
		ApprovalID: &approvalRef,
		Amount:     amount,
		Error:      operationError,
	})
	return operationError
}

// Reclaimer drives the expiry sweep and idempotency-record purge on a ticker.
type Reclaimer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *zap.Logger
}

// NewReclaimer wires a Reclaimer. interval <= 0 selects one minute.
func NewReclaimer(service *Service, store Store, interval time.Duration, logger *zap.Logger) (*Reclaimer, error) {
	if service == nil || store == nil || logger == nil {
		return nil, WrapError("reclaim", "reclaimer", "config", ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reclaimer{service: service, store: store, interval: interval, logger: logger}, nil
}

// Run blocks until ctx is done, sweeping once per interval.
func (reclaimer *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(reclaimer.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimer.sweep(ctx)
		}
	}
}

// Sweep runs one on-demand pass; the API layer can call it before reads that
// must not observe stale holds.
func (reclaimer *Reclaimer) Sweep(ctx context.Context) {
	reclaimer.sweep(ctx)
}

func (reclaimer *Reclaimer) sweep(ctx context.Context) {
	reclaimed, err := reclaimer.service.ReclaimExpired(ctx)
	if err != nil {
		reclaimer.logger.Warn("expiry sweep failed", zap.Error(err), zap.Int("reclaimed", reclaimed))
	} else if reclaimed > 0 {
		reclaimer.logger.Info("expired holds reclaimed", zap.Int("reclaimed", reclaimed))
	}
	nowUnixUTC := time.Now().UTC().Unix()
	purged, err := reclaimer.store.PurgeIdempotencyRecords(ctx, nowUnixUTC)
	if err != nil {
		reclaimer.logger.Warn("idempotency purge failed", zap.Error(err))
	} else if purged > 0 {
		reclaimer.logger.Info("idempotency records purged", zap.Int64("purged", purged))
	}
}
