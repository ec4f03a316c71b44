package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agrifinance/internal/model"
	"agrifinance/internal/repository"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenTTL is the lifetime of an issued session token.
const TokenTTL = 24 * time.Hour

// ErrInvalidCredentials is returned by Login for an unknown email or wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// DTOs for Request validation
type CreateUserRequest struct {
	Username      string `json:"username" binding:"required"`
	Email         string `json:"email" binding:"required,email"`
	Password      string `json:"password" binding:"required,min=6"`
	Role          string `json:"role" binding:"required"`
	WalletAddress string `json:"wallet_address"`
}

type LoginUserRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// UserResponse never carries the password hash.
type UserResponse struct {
	ID            uuid.UUID `json:"id"`
	Username      string    `json:"username"`
	Email         string    `json:"email"`
	Role          string    `json:"role"`
	WalletAddress string    `json:"wallet_address"`
	CreatedAt     string    `json:"created_at"`
}

type UserService interface {
	CreateUser(ctx context.Context, session Session, req CreateUserRequest) (*UserResponse, error)
	Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*UserResponse, error)
	ListUsers(ctx context.Context, role string, page, limit int) ([]UserResponse, int64, error)
	// EnsureAdmin creates the bootstrap admin account unless the email is taken.
	EnsureAdmin(ctx context.Context, email, password string) error
}

type userService struct {
	repo       repository.UserRepository
	walletRepo repository.WalletRepository
	auditRepo  repository.AuditRepository
	txManager  repository.TransactionManager
	jwtSecret  []byte
	logger     *zap.Logger
	now        func() time.Time
}

func NewUserService(
	repo repository.UserRepository,
	walletRepo repository.WalletRepository,
	auditRepo repository.AuditRepository,
	txManager repository.TransactionManager,
	jwtSecret string,
	logger *zap.Logger,
) UserService {
	return &userService{
		repo:       repo,
		walletRepo: walletRepo,
		auditRepo:  auditRepo,
		txManager:  txManager,
		jwtSecret:  []byte(jwtSecret),
		logger:     logger,
		now:        time.Now,
	}
}

func mapToResponse(user *model.User) *UserResponse {
	return &UserResponse{
		ID:            user.ID,
		Username:      user.Username,
		Email:         user.Email,
		Role:          user.Role,
		WalletAddress: user.WalletAddress,
		CreatedAt:     user.CreatedAt.Format(time.RFC3339),
	}
}

// CreateUser registers an account and its custodial wallet. Admin only.
func (s *userService) CreateUser(ctx context.Context, session Session, req CreateUserRequest) (*UserResponse, error) {
	if err := requireAdmin(session); err != nil {
		return nil, err
	}
	if !model.ValidRole(req.Role) {
		return nil, validationError("invalid role %q: must be farmer, lender, buyer or admin", req.Role)
	}
	address := strings.TrimSpace(req.WalletAddress)
	if address != "" {
		if !common.IsHexAddress(address) {
			return nil, validationError("wallet_address must be a hex address")
		}
		address = common.HexToAddress(address).Hex()
	}

	if _, err := s.repo.GetByUsername(ctx, req.Username); err == nil {
		return nil, validationError("username already exists")
	}
	if _, err := s.repo.GetByEmail(ctx, req.Email); err == nil {
		return nil, validationError("email already exists")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		Username:      req.Username,
		Email:         strings.ToLower(req.Email),
		Password:      string(hashed),
		Role:          req.Role,
		WalletAddress: address,
	}
	err = s.txManager.RunInTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.Create(txCtx, user); err != nil {
			return storeError("create user", err)
		}
		if err := s.walletRepo.Create(txCtx, &model.WalletAccount{
			UserID:     user.ID,
			Address:    address,
			WalletType: "custodial",
			BalanceWei: "0",
		}); err != nil {
			return storeError("create wallet", err)
		}
		if err := writeAudit(txCtx, s.auditRepo, actorOf(session), model.ActionCreateUser, user.ID.String(), user.Username, map[string]interface{}{
			"role":           user.Role,
			"wallet_address": address,
		}); err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("user created", zap.String("user_id", user.ID.String()), zap.String("role", user.Role))
	return mapToResponse(user), nil
}

// Login checks the credentials and issues an HS256 token carrying sub and role.
func (s *userService) Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error) {
	user, err := s.repo.GetByEmail(ctx, strings.ToLower(req.Email))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, storeError("get user", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	expires := s.now().Add(TokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID.String(),
		"role": user.Role,
		"exp":  expires.Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &TokenResponse{Token: signed, ExpiresAt: expires.UTC().Format(time.RFC3339)}, nil
}

func (s *userService) GetUserByID(ctx context.Context, id uuid.UUID) (*UserResponse, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("get user", err)
	}
	return mapToResponse(user), nil
}

func (s *userService) ListUsers(ctx context.Context, role string, page, limit int) ([]UserResponse, int64, error) {
	users, total, err := s.repo.List(ctx, role, page, limit)
	if err != nil {
		return nil, 0, storeError("list users", err)
	}

	responses := make([]UserResponse, 0, len(users))
	for i := range users {
		responses = append(responses, *mapToResponse(&users[i]))
	}
	return responses, total, nil
}

func (s *userService) EnsureAdmin(ctx context.Context, email, password string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return storeError("get user", err)
	}

	username := email
	if at := strings.IndexByte(email, '@'); at > 0 {
		username = email[:at]
	}
	system := Session{Role: model.RoleAdmin}
	_, err := s.CreateUser(ctx, system, CreateUserRequest{
		Username: username,
		Email:    email,
		Password: password,
		Role:     model.RoleAdmin,
	})
	return err
}
