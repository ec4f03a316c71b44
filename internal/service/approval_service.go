package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agrifinance/internal/events"
	"agrifinance/internal/metrics"
	"agrifinance/internal/model"
	"agrifinance/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// --- DTOs ---

type CreateApprovalRequestDTO struct {
	Kind    string          `json:"kind" binding:"required,oneof=nft_purchase nft_mint withdrawal"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

type ReviewRequestDTO struct {
	AdminNotes string `json:"admin_notes"`
}

type ApprovalFilter struct {
	Status string // pending, approved, rejected, executed or empty for all
	Page   int
	Limit  int
}

type ApprovalRequestResponse struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	Status             string          `json:"status"`
	Payload            json.RawMessage `json:"payload"`
	RequestedBy        string          `json:"requested_by"`
	RequesterName      string          `json:"requester_name"`
	ReviewedBy         *string         `json:"reviewed_by"`
	ReviewerName       string          `json:"reviewer_name"`
	ReviewedAt         *string         `json:"reviewed_at"`
	AdminNotes         string          `json:"admin_notes"`
	ChainTxHash        *string         `json:"chain_tx_hash"`
	ExecutionAttempts  int             `json:"execution_attempts"`
	LastExecutionError string          `json:"last_execution_error,omitempty"`
	ExecutedAt         *string         `json:"executed_at"`
	CreatedAt          string          `json:"created_at"`
}

// ApprovalResult is returned by Approve and RetryExecution after a successful execution.
type ApprovalResult struct {
	Request ApprovalRequestResponse `json:"request"`
	TxHash  string                  `json:"tx_hash"`
}

type ApprovalStats struct {
	Pending  int64 `json:"pending"`
	Approved int64 `json:"approved"`
	Rejected int64 `json:"rejected"`
	Executed int64 `json:"executed"`
	Total    int64 `json:"total"`
}

// --- Interface ---

type ApprovalService interface {
	RequestApproval(ctx context.Context, session Session, payload Payload) (*ApprovalRequestResponse, error)
	// Submit writes the request and its audit row in the transaction carried by
	// txCtx. Callers that compose it with their own writes call Announce after commit.
	Submit(txCtx context.Context, session Session, payload Payload) (*model.ApprovalRequest, error)
	Announce(ctx context.Context, req *model.ApprovalRequest)

	ListPending(ctx context.Context) ([]ApprovalRequestResponse, error)
	List(ctx context.Context, filter ApprovalFilter) ([]ApprovalRequestResponse, int64, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]ApprovalRequestResponse, error)
	Get(ctx context.Context, session Session, id uuid.UUID) (*ApprovalRequestResponse, error)
	Stats(ctx context.Context) (*ApprovalStats, error)

	Approve(ctx context.Context, session Session, id uuid.UUID, notes string) (*ApprovalResult, error)
	RetryExecution(ctx context.Context, session Session, id uuid.UUID) (*ApprovalResult, error)
	Reject(ctx context.Context, session Session, id uuid.UUID, reason string) (*ApprovalRequestResponse, error)
}

type approvalService struct {
	repo      repository.ApprovalRepository
	auditRepo repository.AuditRepository
	txManager repository.TransactionManager
	executor  Executor
	publisher events.Publisher
	logger    *zap.Logger
	lease     time.Duration
	now       func() time.Time
}

func NewApprovalService(
	repo repository.ApprovalRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	executor Executor,
	publisher events.Publisher,
	lease time.Duration,
	logger *zap.Logger,
) ApprovalService {
	return &approvalService{
		repo:      repo,
		auditRepo: auditRepo,
		txManager: txManager,
		executor:  executor,
		publisher: publisher,
		logger:    logger,
		lease:     lease,
		now:       time.Now,
	}
}

var errLostTransition = errors.New("status changed concurrently")

// --- Implementation ---

// RequestApproval submits a request on its own. Purchases and withdrawals
// reference rows their services create, so they are only submitted through
// NFTService.RequestPurchase and WalletService.RequestWithdrawal.
func (s *approvalService) RequestApproval(ctx context.Context, session Session, payload Payload) (*ApprovalRequestResponse, error) {
	if session.UserID == uuid.Nil {
		return nil, ErrForbidden
	}
	switch payload.(type) {
	case *NFTPurchasePayload:
		return nil, validationError("nft purchases are requested through the nft purchase endpoint")
	case *WithdrawalPayload:
		return nil, validationError("withdrawals are requested through the wallet withdrawal endpoint")
	}

	var req *model.ApprovalRequest
	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		var err error
		req, err = s.Submit(txCtx, session, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.Announce(ctx, req)
	resp := toApprovalResponse(*req)
	return &resp, nil
}

func (s *approvalService) Submit(txCtx context.Context, session Session, payload Payload) (*model.ApprovalRequest, error) {
	if session.UserID == uuid.Nil {
		return nil, ErrForbidden
	}
	if payload == nil {
		return nil, validationError("payload is required")
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, validationError("encode payload: %v", err)
	}

	req := &model.ApprovalRequest{
		RequestedBy: session.UserID,
		Kind:        payload.Kind(),
		Status:      model.ApprovalPending,
		Payload:     string(raw),
	}
	if err := s.repo.Create(txCtx, req); err != nil {
		return nil, storeError("create approval request", err)
	}

	if err := writeAudit(txCtx, s.auditRepo, actorOf(session), model.ActionCreateApprovalRequest, req.ID.String(), req.Kind, map[string]interface{}{
		"kind": req.Kind,
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return req, nil
}

func (s *approvalService) Announce(ctx context.Context, req *model.ApprovalRequest) {
	metrics.ApprovalRequests.WithLabelValues(req.Kind).Inc()
	s.publisher.Publish(ctx, events.New(events.ApprovalRequested, req.ID.String(), map[string]string{
		"kind":         req.Kind,
		"requested_by": req.RequestedBy.String(),
	}))
	s.logger.Info("approval requested",
		zap.String("request_id", req.ID.String()),
		zap.String("kind", req.Kind),
		zap.String("requested_by", req.RequestedBy.String()),
	)
}

// ListPending returns the review queue oldest first.
func (s *approvalService) ListPending(ctx context.Context) ([]ApprovalRequestResponse, error) {
	requests, err := s.repo.ListPending(ctx)
	if err != nil {
		return nil, storeError("list pending approvals", err)
	}
	return toApprovalResponses(requests), nil
}

func (s *approvalService) List(ctx context.Context, filter ApprovalFilter) ([]ApprovalRequestResponse, int64, error) {
	if filter.Page <= 0 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	requests, total, err := s.repo.List(ctx, filter.Status, filter.Page, filter.Limit)
	if err != nil {
		return nil, 0, storeError("list approvals", err)
	}
	return toApprovalResponses(requests), total, nil
}

// ListForUser returns every request created by userID, newest first.
func (s *approvalService) ListForUser(ctx context.Context, userID uuid.UUID) ([]ApprovalRequestResponse, error) {
	requests, err := s.repo.ListByRequester(ctx, userID)
	if err != nil {
		return nil, storeError("list user approvals", err)
	}
	return toApprovalResponses(requests), nil
}

func (s *approvalService) Get(ctx context.Context, session Session, id uuid.UUID) (*ApprovalRequestResponse, error) {
	req, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, storeError("get approval request", err)
	}
	if !session.IsAdmin() && req.RequestedBy != session.UserID {
		return nil, ErrForbidden
	}
	resp := toApprovalResponse(*req)
	return &resp, nil
}

func (s *approvalService) Stats(ctx context.Context) (*ApprovalStats, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, storeError("count approvals", err)
	}
	stats := &ApprovalStats{
		Pending:  counts[model.ApprovalPending],
		Approved: counts[model.ApprovalApproved],
		Rejected: counts[model.ApprovalRejected],
		Executed: counts[model.ApprovalExecuted],
	}
	stats.Total = stats.Pending + stats.Approved + stats.Rejected + stats.Executed
	return stats, nil
}

// Approve moves a pending request to approved and executes it. A request that is
// already approved but not executed is executed again, which is how an admin
// retries after a failed chain call.
func (s *approvalService) Approve(ctx context.Context, session Session, id uuid.UUID, notes string) (*ApprovalResult, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}

	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("get approval request", err)
	}

	switch req.Status {
	case model.ApprovalPending:
		if notes == "" {
			notes = "Approved by admin"
		}
		if err := s.review(ctx, session, req, model.ApprovalApproved, model.ActionApproveRequest, notes); err != nil {
			return nil, err
		}
		s.publisher.Publish(ctx, events.New(events.ApprovalApproved, id.String(), map[string]string{"kind": req.Kind}))
	case model.ApprovalApproved:
		s.logger.Info("approve on approved request, retrying execution", zap.String("request_id", id.String()))
	default:
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, id, req.Status)
	}

	return s.execute(ctx, session, id)
}

func (s *approvalService) RetryExecution(ctx context.Context, session Session, id uuid.UUID) (*ApprovalResult, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}

	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("get approval request", err)
	}
	if req.Status != model.ApprovalApproved {
		return nil, fmt.Errorf("%w: only approved requests can be retried, request %s is %s", ErrInvalidTransition, id, req.Status)
	}
	return s.execute(ctx, session, id)
}

// Reject is terminal. Kind-specific resources held by the request are released
// in the same transaction.
func (s *approvalService) Reject(ctx context.Context, session Session, id uuid.UUID, reason string) (*ApprovalRequestResponse, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}

	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("get approval request", err)
	}
	if req.Status != model.ApprovalPending {
		return nil, fmt.Errorf("%w: request %s is %s", ErrInvalidTransition, id, req.Status)
	}
	if reason == "" {
		reason = "Rejected by admin"
	}

	if err := s.review(ctx, session, req, model.ApprovalRejected, model.ActionRejectRequest, reason); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, events.New(events.ApprovalRejected, id.String(), map[string]string{"kind": req.Kind}))

	updated, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, storeError("reload approval request", err)
	}
	resp := toApprovalResponse(*updated)
	return &resp, nil
}

// review applies a conditional pending -> to transition with its audit row.
func (s *approvalService) review(ctx context.Context, session Session, req *model.ApprovalRequest, to, action, notes string) error {
	reviewer := session.UserID
	now := s.now()

	err := s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		ok, err := s.repo.Transition(txCtx, req.ID, model.ApprovalPending, to, map[string]interface{}{
			"reviewed_by": reviewer,
			"reviewed_at": now,
			"admin_notes": notes,
		})
		if err != nil {
			return storeError("update approval request", err)
		}
		if !ok {
			return errLostTransition
		}

		if to == model.ApprovalRejected {
			if err := s.discard(txCtx, req); err != nil {
				return err
			}
		}

		if err := writeAudit(txCtx, s.auditRepo, &reviewer, action, req.ID.String(), req.Kind, map[string]interface{}{
			"kind":  req.Kind,
			"notes": notes,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if errors.Is(err, errLostTransition) {
		return fmt.Errorf("%w: request %s is no longer pending", ErrInvalidTransition, req.ID)
	}
	if err != nil {
		return err
	}

	metrics.ApprovalTransitions.WithLabelValues(req.Kind, to).Inc()
	s.logger.Info("approval reviewed",
		zap.String("request_id", req.ID.String()),
		zap.String("kind", req.Kind),
		zap.String("status", to),
		zap.String("reviewer", reviewer.String()),
	)
	return nil
}

func (s *approvalService) discard(txCtx context.Context, req *model.ApprovalRequest) error {
	payload, err := DecodePayload(req.Kind, []byte(req.Payload))
	if err != nil {
		// Nothing can be released for an unreadable payload; rejecting it is still valid.
		s.logger.Warn("rejecting request with unreadable payload", zap.String("request_id", req.ID.String()), zap.Error(err))
		return nil
	}
	return s.executor.Discard(txCtx, req, payload)
}

// execute takes the execution lease, performs the chain call and settles the
// result. Only the caller holding the lease executes, so concurrent approvals of
// one request produce a single chain call.
func (s *approvalService) execute(ctx context.Context, session Session, id uuid.UUID) (*ApprovalResult, error) {
	claimed, err := s.repo.ClaimExecution(ctx, id, s.now(), s.lease)
	if err != nil {
		return nil, storeError("claim execution", err)
	}
	if !claimed {
		return nil, fmt.Errorf("%w: execution of request %s is in progress or finished", ErrInvalidTransition, id)
	}

	req, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, storeError("get approval request", err)
	}

	payload, err := DecodePayload(req.Kind, []byte(req.Payload))
	if err != nil {
		return nil, s.fail(ctx, session, req, "", err)
	}

	start := time.Now()
	txHash, err := s.executor.Execute(ctx, req, payload)
	metrics.ExecutionDuration.WithLabelValues(req.Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, s.fail(ctx, session, req, "", err)
	}

	// The chain call went through; the rest must finish even if the caller left.
	ctx = context.WithoutCancel(ctx)
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.executor.Settle(txCtx, req, payload, txHash); err != nil {
			return err
		}
		ok, err := s.repo.MarkExecuted(txCtx, id, txHash, s.now())
		if err != nil {
			return storeError("mark executed", err)
		}
		if !ok {
			return fmt.Errorf("%w: request %s left approved during execution", ErrInvalidTransition, id)
		}
		if err := writeAudit(txCtx, s.auditRepo, actorOf(session), model.ActionExecuteRequest, id.String(), req.Kind, map[string]interface{}{
			"kind":    req.Kind,
			"tx_hash": txHash,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("chain call succeeded but settlement failed",
			zap.String("request_id", id.String()),
			zap.String("tx_hash", txHash),
			zap.Error(err),
		)
		return nil, s.fail(ctx, session, req, txHash,
			fmt.Errorf("%w: transaction %s went through but settlement failed: %v", ErrExecution, txHash, err))
	}

	metrics.ApprovalExecutions.WithLabelValues(req.Kind, metrics.OutcomeSuccess).Inc()
	metrics.ApprovalTransitions.WithLabelValues(req.Kind, model.ApprovalExecuted).Inc()
	s.publisher.Publish(ctx, events.New(events.ApprovalExecuted, id.String(), map[string]string{
		"kind":    req.Kind,
		"tx_hash": txHash,
	}))
	s.logger.Info("approval executed",
		zap.String("request_id", id.String()),
		zap.String("kind", req.Kind),
		zap.String("tx_hash", txHash),
	)

	updated, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, storeError("reload approval request", err)
	}
	return &ApprovalResult{Request: toApprovalResponse(*updated), TxHash: txHash}, nil
}

// fail releases the lease and records cause. The request stays approved. It
// runs detached from ctx so a cancelled caller cannot leave the lease taken.
func (s *approvalService) fail(ctx context.Context, session Session, req *model.ApprovalRequest, txHash string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := s.repo.ReleaseExecution(ctx, req.ID, cause.Error()); err != nil {
		s.logger.Error("failed to release execution lease", zap.String("request_id", req.ID.String()), zap.Error(err))
	}
	if err := writeAudit(ctx, s.auditRepo, actorOf(session), model.ActionExecutionFailed, req.ID.String(), req.Kind, map[string]interface{}{
		"kind":    req.Kind,
		"error":   cause.Error(),
		"tx_hash": txHash,
	}); err != nil {
		s.logger.Error("failed to audit execution failure", zap.String("request_id", req.ID.String()), zap.Error(err))
	}

	metrics.ApprovalExecutions.WithLabelValues(req.Kind, metrics.OutcomeFailure).Inc()
	s.publisher.Publish(ctx, events.New(events.ApprovalExecutionFailed, req.ID.String(), map[string]string{
		"kind":  req.Kind,
		"error": cause.Error(),
	}))
	s.logger.Warn("approval execution failed",
		zap.String("request_id", req.ID.String()),
		zap.String("kind", req.Kind),
		zap.Error(cause),
	)

	if !categorized(cause) {
		return fmt.Errorf("execute request %s: %w: %w", req.ID, ErrExecution, cause)
	}
	return fmt.Errorf("execute request %s: %w", req.ID, cause)
}

// --- Helpers ---

func toApprovalResponses(requests []model.ApprovalRequest) []ApprovalRequestResponse {
	result := make([]ApprovalRequestResponse, 0, len(requests))
	for _, r := range requests {
		result = append(result, toApprovalResponse(r))
	}
	return result
}

func toApprovalResponse(a model.ApprovalRequest) ApprovalRequestResponse {
	resp := ApprovalRequestResponse{
		ID:                 a.ID.String(),
		Kind:               a.Kind,
		Status:             a.Status,
		Payload:            json.RawMessage("null"),
		RequestedBy:        a.RequestedBy.String(),
		AdminNotes:         a.AdminNotes,
		ChainTxHash:        a.ChainTxHash,
		ExecutionAttempts:  a.ExecutionAttempts,
		LastExecutionError: a.LastExecutionError,
		CreatedAt:          a.CreatedAt.Format(time.RFC3339),
	}

	if a.Payload != "" {
		resp.Payload = json.RawMessage(a.Payload)
	}
	if a.Requester != nil {
		resp.RequesterName = a.Requester.Username
	}
	if a.ReviewedBy != nil {
		s := a.ReviewedBy.String()
		resp.ReviewedBy = &s
	}
	if a.Reviewer != nil {
		resp.ReviewerName = a.Reviewer.Username
	}
	if a.ReviewedAt != nil {
		s := a.ReviewedAt.Format(time.RFC3339)
		resp.ReviewedAt = &s
	}
	if a.ExecutedAt != nil {
		s := a.ExecutedAt.Format(time.RFC3339)
		resp.ExecutedAt = &s
	}

	return resp
}
