package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Pratyush2586/release-assessment-portal/internal/models"
	appErrors "github.com/Pratyush2586/release-assessment-portal/pkg/errors"
)

type userRepoStub struct {
	users         map[string]*models.User
	refreshTokens map[string]*models.RefreshToken
	auditLogs     []models.AuditLog
}

func newUserRepoStub() *userRepoStub {
	return &userRepoStub{
		users:         map[string]*models.User{},
		refreshTokens: map[string]*models.RefreshToken{},
	}
}

func (r *userRepoStub) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	r.users[user.ID] = user
	return nil
}

func (r *userRepoStub) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	for _, user := range r.users {
		if user.Email == email {
			return user, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (r *userRepoStub) FindByID(ctx context.Context, id string) (*models.User, error) {
	user, ok := r.users[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return user, nil
}

func (r *userRepoStub) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	if user, ok := r.users[id]; ok {
		user.LastLogin = &ts
	}
	return nil
}

func (r *userRepoStub) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	user, ok := r.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	return nil
}

func (r *userRepoStub) RevokeUserRefreshTokens(ctx context.Context, userID string) error {
	for _, token := range r.refreshTokens {
		if token.UserID == userID {
			token.Revoked = true
		}
	}
	return nil
}

func (r *userRepoStub) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	r.refreshTokens[token.Token] = token
	return nil
}

func (r *userRepoStub) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	stored, ok := r.refreshTokens[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return stored, nil
}

func (r *userRepoStub) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	for _, token := range r.refreshTokens {
		if token.ID == id {
			token.Revoked = true
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (r *userRepoStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.auditLogs = append(r.auditLogs, *log)
	return nil
}

func newAuthTestService() (*AuthService, *userRepoStub) {
	repo := newUserRepoStub()
	svc := NewAuthService(repo, nil, nil, AuthConfig{
		AccessTokenSecret:  "test-secret",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: 24 * time.Hour,
		Issuer:             "portal-test",
	})
	return svc, repo
}

func (r *userRepoStub) seedUser(t *testing.T, email, password string, active bool) *models.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		FullName:     "Seed User",
		Role:         models.RoleUser,
		Active:       active,
		CreatedAt:    time.Now().UTC(),
	}
	r.users[user.ID] = user
	return user
}

func TestAuthServiceSignUp(t *testing.T) {
	svc, repo := newAuthTestService()

	res, err := svc.SignUp(context.Background(), models.SignupRequest{
		Email:    "new@example.com",
		Password: "strongpassword",
		FullName: "New User",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.AccessToken)
	require.NotEmpty(t, res.RefreshToken)
	require.Equal(t, models.RoleUser, res.User.Role)

	claims, err := svc.ValidateToken(res.AccessToken)
	require.NoError(t, err)
	require.Equal(t, res.User.ID, claims.UserID)

	require.Len(t, repo.auditLogs, 1)
	require.Equal(t, models.AuditActionSignup, repo.auditLogs[0].Action)
}

func TestAuthServiceSignUpRejectsDuplicateEmail(t *testing.T) {
	svc, repo := newAuthTestService()
	repo.seedUser(t, "taken@example.com", "whatever123", true)

	_, err := svc.SignUp(context.Background(), models.SignupRequest{
		Email:    "taken@example.com",
		Password: "strongpassword",
		FullName: "Imposter",
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrEmailTaken.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceSignUpRejectsShortPassword(t *testing.T) {
	svc, _ := newAuthTestService()

	_, err := svc.SignUp(context.Background(), models.SignupRequest{
		Email:    "new@example.com",
		Password: "short",
		FullName: "New User",
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLogin(t *testing.T) {
	svc, repo := newAuthTestService()
	user := repo.seedUser(t, "user@example.com", "correcthorse", true)

	res, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "correcthorse",
	})
	require.NoError(t, err)
	require.Equal(t, user.ID, res.User.ID)
	require.NotNil(t, repo.users[user.ID].LastLogin)

	_, err = svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "wrong",
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidCredentials.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceLoginRejectsInactiveAccount(t *testing.T) {
	svc, repo := newAuthTestService()
	repo.seedUser(t, "gone@example.com", "correcthorse", false)

	_, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "gone@example.com",
		Password: "correcthorse",
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInactiveAccount.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceRefreshRotatesToken(t *testing.T) {
	svc, repo := newAuthTestService()
	repo.seedUser(t, "user@example.com", "correcthorse", true)

	login, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "correcthorse",
	})
	require.NoError(t, err)

	refreshed, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{
		RefreshToken: login.RefreshToken,
	})
	require.NoError(t, err)
	require.NotEqual(t, login.RefreshToken, refreshed.RefreshToken)

	// The used token was revoked and cannot be replayed.
	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{
		RefreshToken: login.RefreshToken,
	})
	require.Error(t, err)
	require.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestAuthServiceChangePasswordRevokesSessions(t *testing.T) {
	svc, repo := newAuthTestService()
	user := repo.seedUser(t, "user@example.com", "correcthorse", true)

	login, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "correcthorse",
	})
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(context.Background(), user.ID, models.ChangePasswordRequest{
		OldPassword: "correcthorse",
		NewPassword: "evenstronger",
	}))

	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{
		RefreshToken: login.RefreshToken,
	})
	require.Error(t, err)

	_, err = svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "evenstronger",
	})
	require.NoError(t, err)
}

func TestAuthServiceValidateTokenRejectsTampering(t *testing.T) {
	svc, repo := newAuthTestService()
	repo.seedUser(t, "user@example.com", "correcthorse", true)

	login, err := svc.Login(context.Background(), models.LoginRequest{
		Email:    "user@example.com",
		Password: "correcthorse",
	})
	require.NoError(t, err)

	_, err = svc.ValidateToken(login.AccessToken + "x")
	require.Error(t, err)
	require.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}
