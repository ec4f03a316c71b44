package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"agrifinance/internal/middleware"
	"agrifinance/internal/model"
	"agrifinance/internal/service"
	"agrifinance/pkg/amount"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "handler-secret"

type stubApprovalService struct {
	service.ApprovalService

	err       error
	gotNotes  string
	gotReason string
	gotID     uuid.UUID
	gotKind   string
	session   service.Session
}

func (s *stubApprovalService) RequestApproval(_ context.Context, session service.Session, payload service.Payload) (*service.ApprovalRequestResponse, error) {
	s.session = session
	s.gotKind = payload.Kind()
	if s.err != nil {
		return nil, s.err
	}
	return &service.ApprovalRequestResponse{ID: uuid.NewString(), Kind: payload.Kind(), Status: model.ApprovalPending}, nil
}

func (s *stubApprovalService) Approve(_ context.Context, session service.Session, id uuid.UUID, notes string) (*service.ApprovalResult, error) {
	s.session, s.gotID, s.gotNotes = session, id, notes
	if s.err != nil {
		return nil, s.err
	}
	return &service.ApprovalResult{Request: service.ApprovalRequestResponse{ID: id.String(), Status: model.ApprovalExecuted}, TxHash: "0xabc"}, nil
}

func (s *stubApprovalService) Reject(_ context.Context, session service.Session, id uuid.UUID, reason string) (*service.ApprovalRequestResponse, error) {
	s.session, s.gotID, s.gotReason = session, id, reason
	if s.err != nil {
		return nil, s.err
	}
	return &service.ApprovalRequestResponse{ID: id.String(), Status: model.ApprovalRejected}, nil
}

func (s *stubApprovalService) ListPending(context.Context) ([]service.ApprovalRequestResponse, error) {
	return []service.ApprovalRequestResponse{}, s.err
}

func token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID.String(),
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func newApprovalRouter(svc service.ApprovalService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewApprovalHandler(svc, middleware.NewAuth(testSecret, false)).RegisterRoutes(router.Group("/api"))
	return router
}

func do(router *gin.Engine, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestApproveRoute(t *testing.T) {
	adminID := uuid.New()
	adminToken := token(t, adminID, model.RoleAdmin)
	buyerToken := token(t, uuid.New(), model.RoleBuyer)
	id := uuid.New()

	tests := []struct {
		name     string
		bearer   string
		path     string
		body     interface{}
		err      error
		want     int
		wantNote string
	}{
		{"approved with notes", adminToken, "/api/admin/approvals/" + id.String() + "/approve", service.ReviewRequestDTO{AdminNotes: "ok"}, nil, http.StatusOK, "ok"},
		{"empty body", adminToken, "/api/admin/approvals/" + id.String() + "/approve", nil, nil, http.StatusOK, ""},
		{"non-admin", buyerToken, "/api/admin/approvals/" + id.String() + "/approve", nil, nil, http.StatusForbidden, ""},
		{"anonymous", "", "/api/admin/approvals/" + id.String() + "/approve", nil, nil, http.StatusUnauthorized, ""},
		{"bad id", adminToken, "/api/admin/approvals/42/approve", nil, nil, http.StatusBadRequest, ""},
		{"already rejected", adminToken, "/api/admin/approvals/" + id.String() + "/approve", nil, fmt.Errorf("approve: %w", service.ErrInvalidTransition), http.StatusConflict, ""},
		{"chain failure", adminToken, "/api/admin/approvals/" + id.String() + "/approve", nil, fmt.Errorf("%w: nonce too low", service.ErrExecution), http.StatusBadGateway, ""},
		{"missing request", adminToken, "/api/admin/approvals/" + id.String() + "/approve", nil, service.ErrNotFound, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubApprovalService{err: tt.err}
			w := do(newApprovalRouter(svc), http.MethodPost, tt.path, tt.bearer, tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusOK {
				if svc.gotID != id || svc.gotNotes != tt.wantNote || svc.session.UserID != adminID {
					t.Errorf("service got id=%s notes=%q session=%+v", svc.gotID, svc.gotNotes, svc.session)
				}
			}
		})
	}
}

func TestRejectRoutePassesReason(t *testing.T) {
	svc := &stubApprovalService{}
	router := newApprovalRouter(svc)
	id := uuid.New()

	w := do(router, http.MethodPost, "/api/admin/approvals/"+id.String()+"/reject", token(t, uuid.New(), model.RoleAdmin), service.ReviewRequestDTO{AdminNotes: "price too low"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if svc.gotReason != "price too low" {
		t.Errorf("reason = %q", svc.gotReason)
	}
}

func TestCreateApprovalRequestDecodesPayload(t *testing.T) {
	buyer := uuid.New()
	nftID := uuid.New()
	tests := []struct {
		name string
		body map[string]interface{}
		want int
	}{
		{"valid mint", map[string]interface{}{"kind": model.ApprovalKindNFTMint, "payload": map[string]interface{}{"nft_id": nftID.String(), "name": "Plot 9"}}, http.StatusCreated},
		{"unknown kind", map[string]interface{}{"kind": "loan", "payload": map[string]interface{}{}}, http.StatusBadRequest},
		{"bad amount", map[string]interface{}{"kind": model.ApprovalKindWithdrawal, "payload": map[string]interface{}{
			"wallet_transaction_id": nftID.String(), "to_address": "0x9999999999999999999999999999999999999999", "amount": "1,5",
		}}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubApprovalService{}
			w := do(newApprovalRouter(svc), http.MethodPost, "/api/approvals", token(t, buyer, model.RoleBuyer), tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusCreated && (svc.gotKind != model.ApprovalKindNFTMint || svc.session.UserID != buyer) {
				t.Errorf("service got kind=%s session=%+v", svc.gotKind, svc.session)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("x: %w", service.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", service.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("price: %w", amount.ErrAmountTooLarge), http.StatusBadRequest},
		{fmt.Errorf("x: %w: %w", service.ErrPersistence, errors.New("conn reset")), http.StatusInternalServerError},
		{errors.New("unclassified"), http.StatusInternalServerError},
		{fmt.Errorf("execute request r: %w", fmt.Errorf("%w: transaction 0x1 went through but settlement failed: %v", service.ErrExecution, service.ErrInvalidTransition)), http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
