package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"agrifinance/internal/chain"
	"agrifinance/internal/events"
	"agrifinance/internal/metrics"
	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"go.uber.org/zap"
)

// ReconciliationReport summarizes one comparison of the database with the chain.
type ReconciliationReport struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	WalletsChecked int       `json:"wallets_checked"`
	NFTsChecked    int       `json:"nfts_checked"`
	Discrepancies  int       `json:"discrepancies"`
	AutoSynced     int       `json:"auto_synced"`
	Errors         []string  `json:"errors"`
}

type ReconciliationStatus struct {
	Running      bool                  `json:"running"`
	LastRun      *ReconciliationReport `json:"last_run"`
	AlertsLast24 map[string]int64      `json:"alerts_last_24h"`
}

type ReconciliationService interface {
	Run(ctx context.Context) (*ReconciliationReport, error)
	Status(ctx context.Context) (*ReconciliationStatus, error)
	ListAlerts(ctx context.Context, alertType string, page, limit int) ([]model.ReconciliationAlert, int64, error)
}

type reconciliationService struct {
	chain        chain.Client
	walletRepo   repository.WalletRepository
	nftRepo      repository.NFTRepository
	userRepo     repository.UserRepository
	alertRepo    repository.AlertRepository
	auditRepo    repository.AuditRepository
	txManager    repository.TransactionManager
	publisher    events.Publisher
	toleranceBPS int64
	logger       *zap.Logger
	now          func() time.Time

	runMu   sync.Mutex
	stateMu sync.Mutex
	running bool
	lastRun *ReconciliationReport
}

func NewReconciliationService(
	client chain.Client,
	walletRepo repository.WalletRepository,
	nftRepo repository.NFTRepository,
	userRepo repository.UserRepository,
	alertRepo repository.AlertRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	publisher events.Publisher,
	toleranceBPS int64,
	logger *zap.Logger,
) ReconciliationService {
	return &reconciliationService{
		chain:        client,
		walletRepo:   walletRepo,
		nftRepo:      nftRepo,
		userRepo:     userRepo,
		alertRepo:    alertRepo,
		auditRepo:    auditRepo,
		txManager:    txManager,
		publisher:    publisher,
		toleranceBPS: toleranceBPS,
		logger:       logger,
		now:          time.Now,
	}
}

// Run compares every custodial balance and minted NFT owner with the chain.
// Balance drift within the tolerance is corrected to the chain value; anything
// else is raised as an alert. Item errors are collected in the report.
func (s *reconciliationService) Run(ctx context.Context) (*ReconciliationReport, error) {
	if !s.chain.Enabled() {
		return nil, fmt.Errorf("%w: %w", ErrExecution, chain.ErrDisabled)
	}
	if !s.runMu.TryLock() {
		return nil, fmt.Errorf("%w: reconciliation is already running", ErrInvalidTransition)
	}
	defer s.runMu.Unlock()

	s.setRunning(true)
	defer s.setRunning(false)

	report := &ReconciliationReport{StartedAt: s.now(), Errors: []string{}}
	if err := s.reconcileBalances(ctx, report); err != nil {
		return nil, err
	}
	if err := s.reconcileOwners(ctx, report); err != nil {
		return nil, err
	}
	report.FinishedAt = s.now()

	s.stateMu.Lock()
	s.lastRun = report
	s.stateMu.Unlock()

	s.logger.Info("reconciliation finished",
		zap.Int("wallets", report.WalletsChecked),
		zap.Int("nfts", report.NFTsChecked),
		zap.Int("discrepancies", report.Discrepancies),
		zap.Int("auto_synced", report.AutoSynced),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (s *reconciliationService) Status(ctx context.Context) (*ReconciliationStatus, error) {
	counts, err := s.alertRepo.CountByTypeSince(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, storeError("count alerts", err)
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return &ReconciliationStatus{Running: s.running, LastRun: s.lastRun, AlertsLast24: counts}, nil
}

func (s *reconciliationService) ListAlerts(ctx context.Context, alertType string, page, limit int) ([]model.ReconciliationAlert, int64, error) {
	alerts, total, err := s.alertRepo.List(ctx, alertType, page, limit)
	if err != nil {
		return nil, 0, storeError("list alerts", err)
	}
	return alerts, total, nil
}

func (s *reconciliationService) reconcileBalances(ctx context.Context, report *ReconciliationReport) error {
	wallets, err := s.walletRepo.ListWithAddress(ctx)
	if err != nil {
		return storeError("list wallets", err)
	}

	for _, w := range wallets {
		report.WalletsChecked++

		onChain, err := s.chain.TokenBalance(ctx, w.Address)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("wallet %s: %v", w.Address, err))
			continue
		}
		stored, err := amount.BigInt(w.BalanceWei)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("wallet %s: %v", w.Address, err))
			continue
		}
		if onChain.Cmp(stored) == 0 {
			continue
		}

		report.Discrepancies++
		diff := new(big.Int).Abs(new(big.Int).Sub(onChain, stored))
		withinTolerance := s.withinTolerance(diff, stored)
		data := map[string]interface{}{
			"wallet_id":    w.ID.String(),
			"user_id":      w.UserID.String(),
			"address":      w.Address,
			"db_balance":   stored.String(),
			"chain_amount": onChain.String(),
			"difference":   diff.String(),
		}

		severity := severityFor(diff, stored)
		if withinTolerance {
			severity = model.SeverityLow
		}

		err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
			if withinTolerance {
				if err := s.walletRepo.SetBalance(txCtx, w.ID, onChain.String()); err != nil {
					return storeError("sync wallet balance", err)
				}
				if err := writeAudit(txCtx, s.auditRepo, nil, model.ActionReconcileSynced, w.ID.String(), w.Address, data); err != nil {
					return fmt.Errorf("%w: %w", ErrPersistence, err)
				}
			}
			return s.raise(txCtx, model.AlertBalanceMismatch, severity, w.ID.String(), withinTolerance, data)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("wallet %s: %v", w.Address, err))
			continue
		}
		if withinTolerance {
			report.AutoSynced++
		}
		s.announce(ctx, model.AlertBalanceMismatch, w.ID.String(), severity)
	}
	return nil
}

func (s *reconciliationService) reconcileOwners(ctx context.Context, report *ReconciliationReport) error {
	nfts, err := s.nftRepo.ListMinted(ctx)
	if err != nil {
		return storeError("list minted nfts", err)
	}

	for _, n := range nfts {
		if n.TokenID == nil {
			continue
		}
		report.NFTsChecked++

		chainOwner, err := s.chain.OwnerOf(ctx, new(big.Int).SetUint64(*n.TokenID))
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("nft %d: %v", *n.TokenID, err))
			continue
		}

		expected := s.chain.CustodianAddress()
		if n.Owner != nil && n.Owner.WalletAddress != "" {
			expected = n.Owner.WalletAddress
		}
		if strings.EqualFold(chainOwner, expected) {
			continue
		}

		report.Discrepancies++
		data := map[string]interface{}{
			"nft_id":         n.ID.String(),
			"token_id":       *n.TokenID,
			"db_owner":       n.OwnerID.String(),
			"expected_owner": expected,
			"chain_owner":    chainOwner,
		}

		// Re-point the record when the chain owner is one of our users.
		newOwner, lookupErr := s.userRepo.GetByWalletAddress(ctx, chainOwner)
		synced := lookupErr == nil
		severity := model.SeverityHigh
		if synced {
			severity = model.SeverityMedium
		}

		err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
			if synced {
				if err := s.nftRepo.Update(txCtx, n.ID, map[string]interface{}{"owner_id": newOwner.ID}); err != nil {
					return storeError("sync nft owner", err)
				}
				data["synced_owner"] = newOwner.ID.String()
				if err := writeAudit(txCtx, s.auditRepo, nil, model.ActionReconcileSynced, n.ID.String(), n.Name, data); err != nil {
					return fmt.Errorf("%w: %w", ErrPersistence, err)
				}
			}
			return s.raise(txCtx, model.AlertOwnershipMismatch, severity, n.ID.String(), synced, data)
		})
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("nft %d: %v", *n.TokenID, err))
			continue
		}
		if synced {
			report.AutoSynced++
		}
		s.announce(ctx, model.AlertOwnershipMismatch, n.ID.String(), severity)
	}
	return nil
}

// withinTolerance reports diff <= stored * bps / 10000. A zero stored balance has
// no tolerance.
func (s *reconciliationService) withinTolerance(diff, stored *big.Int) bool {
	if stored.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(diff, big.NewInt(10_000))
	rhs := new(big.Int).Mul(stored, big.NewInt(s.toleranceBPS))
	return lhs.Cmp(rhs) <= 0
}

// severityFor grades drift beyond the tolerance: up to 10% is MEDIUM.
func severityFor(diff, stored *big.Int) string {
	if stored.Sign() == 0 {
		return model.SeverityHigh
	}
	if new(big.Int).Mul(diff, big.NewInt(10)).Cmp(stored) <= 0 {
		return model.SeverityMedium
	}
	return model.SeverityHigh
}

func (s *reconciliationService) raise(txCtx context.Context, alertType, severity, entityID string, autoSynced bool, data map[string]interface{}) error {
	raw, _ := json.Marshal(data)
	alert := &model.ReconciliationAlert{
		Type:       alertType,
		Severity:   severity,
		EntityID:   entityID,
		AutoSynced: autoSynced,
		Data:       string(raw),
	}
	if err := s.alertRepo.Create(txCtx, alert); err != nil {
		return storeError("create alert", err)
	}
	if err := writeAudit(txCtx, s.auditRepo, nil, model.ActionReconcileAlert, alert.ID.String(), alertType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

func (s *reconciliationService) announce(ctx context.Context, alertType, entityID, severity string) {
	metrics.ReconciliationDiscrepancies.WithLabelValues(alertType).Inc()
	s.publisher.Publish(ctx, events.New(events.ReconciliationAlert, entityID, map[string]string{
		"type":     alertType,
		"severity": severity,
	}))
	s.logger.Warn("reconciliation discrepancy",
		zap.String("type", alertType),
		zap.String("entity_id", entityID),
		zap.String("severity", severity),
	)
}

func (s *reconciliationService) setRunning(running bool) {
	s.stateMu.Lock()
	s.running = running
	s.stateMu.Unlock()
}
