package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lef-zach/blog-sub000/internal/keyvalue"
	"github.com/lef-zach/blog-sub000/internal/metrics"
	"github.com/lef-zach/blog-sub000/internal/model"
	"github.com/lef-zach/blog-sub000/internal/repository"
	"github.com/lef-zach/blog-sub000/pkg/apierror"
)

const (
	minPasswordLength = 8

	attemptsKeyPrefix = "login_attempts:"
	revokedKeyPrefix  = "revoked:"
)

type UserStore interface {
	FindByID(ctx context.Context, id string) (model.User, error)
	FindByIdentifier(ctx context.Context, identifier string) (model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	Create(ctx context.Context, u model.User) error
	UpdatePassword(ctx context.Context, userID string, passwordHash string) error
	UpdateRole(ctx context.Context, userID string, role string) error
	Count(ctx context.Context) (int, error)
}

type TokenStore interface {
	Store(ctx context.Context, rec model.RefreshToken) error
	FindByID(ctx context.Context, id string) (model.RefreshToken, error)
	DeleteByID(ctx context.Context, id string) (int64, error)
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	CleanExpired(ctx context.Context) (int64, error)
}

type AuthConfig struct {
	JWTSecret          string
	AccessTTL          time.Duration
	RefreshTTL         time.Duration
	BcryptCost         int
	LoginMaxAttempts   int64
	LoginAttemptWindow time.Duration
	RegistrationOpen   bool
}

type AuthService struct {
	jwtSecret        []byte
	accessTTL        time.Duration
	refreshTTL       time.Duration
	bcryptCost       int
	maxAttempts      int64
	attemptWindow    time.Duration
	registrationOpen bool
	users            UserStore
	tokens           TokenStore
	kv               keyvalue.Store
}

func NewAuthService(cfg AuthConfig, users UserStore, tokens TokenStore, kv keyvalue.Store) (*AuthService, error) {
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.LoginMaxAttempts == 0 {
		cfg.LoginMaxAttempts = 5
	}
	if cfg.LoginAttemptWindow == 0 {
		cfg.LoginAttemptWindow = time.Hour
	}

	return &AuthService{
		jwtSecret:        []byte(cfg.JWTSecret),
		accessTTL:        cfg.AccessTTL,
		refreshTTL:       cfg.RefreshTTL,
		bcryptCost:       cfg.BcryptCost,
		maxAttempts:      cfg.LoginMaxAttempts,
		attemptWindow:    cfg.LoginAttemptWindow,
		registrationOpen: cfg.RegistrationOpen,
		users:            users,
		tokens:           tokens,
		kv:               kv,
	}, nil
}

func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (model.PublicUser, error) {
	if !s.registrationOpen {
		return model.PublicUser{}, apierror.New("REGISTRATION_DISABLED", "registration is disabled", "", http.StatusForbidden)
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	username := strings.TrimSpace(req.Username)

	if email == "" && username == "" {
		return model.PublicUser{}, apierror.New("BAD_REQUEST", "email or username is required", "", http.StatusBadRequest)
	}
	if len(req.Password) < minPasswordLength {
		return model.PublicUser{}, apierror.New("BAD_REQUEST", "password must be at least 8 characters", "password", http.StatusBadRequest)
	}

	if email != "" {
		exists, err := s.users.ExistsByEmail(ctx, email)
		if err != nil {
			return model.PublicUser{}, err
		}
		if exists {
			return model.PublicUser{}, apierror.New("EMAIL_EXISTS", "email already registered", "", http.StatusConflict)
		}
	}
	if username != "" {
		exists, err := s.users.ExistsByUsername(ctx, username)
		if err != nil {
			return model.PublicUser{}, err
		}
		if exists {
			return model.PublicUser{}, apierror.New("USERNAME_EXISTS", "username already taken", "", http.StatusConflict)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return model.PublicUser{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: string(hash),
		Role:         model.RolePublic,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return model.PublicUser{}, err
	}

	return user.Public(), nil
}

// Login verifies credentials behind a sliding-window attempt counter keyed
// by the identifier. Unknown identifier and wrong password produce the same
// error so the endpoint cannot be used to enumerate accounts.
func (s *AuthService) Login(ctx context.Context, identifier string, password string) (model.TokenPair, error) {
	identifier = strings.TrimSpace(identifier)
	attemptsKey := attemptsKeyPrefix + strings.ToLower(identifier)

	count, found, err := s.kv.Get(ctx, attemptsKey)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("read login attempts: %w", err)
	}
	if found && count >= s.maxAttempts {
		metrics.LoginsTotal.WithLabelValues("throttled").Inc()
		return model.TokenPair{}, apierror.New("TOO_MANY_ATTEMPTS", "too many login attempts, try again later", "", http.StatusTooManyRequests)
	}

	user, err := s.users.FindByIdentifier(ctx, identifier)
	if err != nil {
		s.recordFailedLogin(ctx, attemptsKey)
		return model.TokenPair{}, invalidCredentials()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordFailedLogin(ctx, attemptsKey)
		return model.TokenPair{}, invalidCredentials()
	}

	if err := s.kv.Delete(ctx, attemptsKey); err != nil {
		slog.Warn("failed to clear login attempt counter", "error", err)
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	return s.issueTokenPair(ctx, user)
}

// Refresh rotates a refresh token. The row id is the token's jti, so
// validation is a primary-key lookup plus one bcrypt compare. A valid
// signature with no matching row means the token was already rotated away:
// every session for that principal is revoked.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (model.TokenPair, error) {
	claims, err := s.parseClaims(rawToken, "refresh")
	if err != nil {
		metrics.RefreshesTotal.WithLabelValues("invalid").Inc()
		return model.TokenPair{}, apierror.New("INVALID_TOKEN", "refresh token is invalid or expired", "", http.StatusUnauthorized)
	}

	rec, err := s.tokens.FindByID(ctx, claims.TokenID)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return model.TokenPair{}, s.handleTokenReuse(ctx, claims.UserID)
	}
	if err != nil {
		return model.TokenPair{}, err
	}

	if !s.refreshHashMatches(rec.TokenHash, rawToken) {
		return model.TokenPair{}, s.handleTokenReuse(ctx, claims.UserID)
	}

	if time.Now().After(rec.ExpiresAt) {
		_, _ = s.tokens.DeleteByID(ctx, rec.ID)
		metrics.RefreshesTotal.WithLabelValues("invalid").Inc()
		return model.TokenPair{}, apierror.New("INVALID_TOKEN", "refresh token is invalid or expired", "", http.StatusUnauthorized)
	}

	// Consume the row. RowsAffected is the race guard: when two requests
	// present the same token concurrently only one delete reports 1.
	deleted, err := s.tokens.DeleteByID(ctx, rec.ID)
	if err != nil {
		return model.TokenPair{}, err
	}
	if deleted == 0 {
		metrics.RefreshesTotal.WithLabelValues("conflict").Inc()
		return model.TokenPair{}, apierror.New("TOKEN_ROTATION_CONFLICT", "refresh token was already rotated by a concurrent request", "", http.StatusConflict)
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return model.TokenPair{}, apierror.Unauthorized("user no longer exists")
	}

	metrics.RefreshesTotal.WithLabelValues("success").Inc()
	return s.issueTokenPair(ctx, user)
}

// Logout revokes the presented access token for its remaining lifetime and
// tears down every refresh session of the principal. It never fails on an
// unparseable token so repeated logouts are harmless.
func (s *AuthService) Logout(ctx context.Context, rawAccessToken string) error {
	claims, err := s.parseClaims(rawAccessToken, "access")
	if err != nil {
		return nil
	}

	if remaining := time.Until(claims.ExpiresAt); remaining > 0 {
		if err := s.kv.Put(ctx, revokedKey(rawAccessToken), remaining); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}

	if _, err := s.tokens.DeleteAllForUser(ctx, claims.UserID); err != nil {
		return err
	}

	return nil
}

// ValidateToken verifies signature, expiry and token type. Access tokens
// are additionally checked against the revocation set, so a token
// blacklisted at logout is rejected everywhere, not just on the logout path.
func (s *AuthService) ValidateToken(ctx context.Context, rawToken string, expectedType string) (*model.AuthClaims, error) {
	claims, err := s.parseClaims(rawToken, expectedType)
	if err != nil {
		return nil, err
	}

	if claims.Type == "access" {
		_, revoked, err := s.kv.Get(ctx, revokedKey(rawToken))
		if err != nil {
			return nil, fmt.Errorf("check token revocation: %w", err)
		}
		if revoked {
			return nil, apierror.Unauthorized("token has been revoked")
		}
	}

	return claims, nil
}

func (s *AuthService) GetUserByID(ctx context.Context, userID string) (model.PublicUser, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return model.PublicUser{}, err
	}
	return user.Public(), nil
}

// UpdatePassword rehashes the password after verifying the current one and
// revokes all outstanding refresh sessions.
func (s *AuthService) UpdatePassword(ctx context.Context, userID string, currentPassword string, newPassword string) error {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return apierror.New("INVALID_PASSWORD", "current password is incorrect", "", http.StatusUnauthorized)
	}

	if len(newPassword) < minPasswordLength {
		return apierror.New("BAD_REQUEST", "password must be at least 8 characters", "newPassword", http.StatusBadRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.users.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}

	if _, err := s.tokens.DeleteAllForUser(ctx, userID); err != nil {
		return err
	}

	return nil
}

// SetUserRole changes a user's role and revokes their refresh sessions:
// the role is baked into issued tokens, so outstanding sessions would keep
// granting the old one until expiry.
func (s *AuthService) SetUserRole(ctx context.Context, userID string, role string) (model.PublicUser, error) {
	role = strings.ToUpper(strings.TrimSpace(role))
	if !model.ValidRole(role) {
		return model.PublicUser{}, apierror.New("BAD_REQUEST", "unknown role", role, http.StatusBadRequest)
	}

	if err := s.users.UpdateRole(ctx, userID, role); err != nil {
		return model.PublicUser{}, err
	}

	if _, err := s.tokens.DeleteAllForUser(ctx, userID); err != nil {
		return model.PublicUser{}, err
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return model.PublicUser{}, err
	}

	return user.Public(), nil
}

// SeedAdmin creates the initial admin account when the users table is
// empty. No-op otherwise, or when the seed credentials are not configured.
func (s *AuthService) SeedAdmin(ctx context.Context, email string, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil
	}

	count, err := s.users.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	admin := model.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		Role:         model.RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, admin); err != nil {
		return err
	}

	slog.Info("seeded initial admin user", "email", admin.Email)
	return nil
}

// StartCleanupTicker periodically drops expired refresh-token rows and
// sweeps the key-value store until ctx is cancelled.
func (s *AuthService) StartCleanupTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.tokens.CleanExpired(ctx)
			if err != nil {
				slog.Error("refresh token cleanup failed", "error", err)
			} else if deleted > 0 {
				slog.Info("cleaned expired refresh tokens", "deleted", deleted)
			}

			if _, err := s.kv.Sweep(ctx); err != nil {
				slog.Error("key-value sweep failed", "error", err)
			}
		}
	}
}

func (s *AuthService) handleTokenReuse(ctx context.Context, userID string) error {
	revoked, err := s.tokens.DeleteAllForUser(ctx, userID)
	if err != nil {
		return err
	}

	metrics.RefreshesTotal.WithLabelValues("reuse_detected").Inc()
	metrics.ReuseDetectedTotal.Inc()
	slog.Warn("refresh token reuse detected; all sessions revoked",
		"user_id", userID, "sessions_revoked", revoked)

	return apierror.New("TOKEN_REUSE_DETECTED", "refresh token reuse detected, all sessions revoked", "", http.StatusUnauthorized)
}

func (s *AuthService) issueTokenPair(ctx context.Context, user model.User) (model.TokenPair, error) {
	now := time.Now().UTC()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	accessToken, err := s.signToken(jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"role":  user.Role,
		"typ":   "access",
		"jti":   accessJTI,
		"iat":   now.Unix(),
		"exp":   now.Add(s.accessTTL).Unix(),
	})
	if err != nil {
		return model.TokenPair{}, err
	}

	refreshExpiry := now.Add(s.refreshTTL)
	refreshToken, err := s.signToken(jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"role":  user.Role,
		"typ":   "refresh",
		"jti":   refreshJTI,
		"iat":   now.Unix(),
		"exp":   refreshExpiry.Unix(),
	})
	if err != nil {
		return model.TokenPair{}, err
	}

	// bcrypt truncates input at 72 bytes, far shorter than a signed JWT.
	// Hashing the sha256 hex digest keeps the full token in play while
	// retaining bcrypt's slow, salted comparison.
	tokenHash, err := bcrypt.GenerateFromPassword([]byte(sha256Hex(refreshToken)), s.bcryptCost)
	if err != nil {
		return model.TokenPair{}, fmt.Errorf("hash refresh token: %w", err)
	}

	err = s.tokens.Store(ctx, model.RefreshToken{
		ID:        refreshJTI,
		UserID:    user.ID,
		TokenHash: string(tokenHash),
		ExpiresAt: refreshExpiry,
		CreatedAt: now,
	})
	if err != nil {
		return model.TokenPair{}, err
	}

	return model.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		User:         user.Public(),
	}, nil
}

func (s *AuthService) signToken(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *AuthService) parseClaims(rawToken string, expectedType string) (*model.AuthClaims, error) {
	parsed, err := jwt.Parse(rawToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apierror.Unauthorized("invalid token signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, apierror.Unauthorized("invalid or expired token")
	}

	claimsMap, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierror.Unauthorized("invalid token claims")
	}

	typ, _ := claimsMap["typ"].(string)
	if expectedType != "" && typ != expectedType {
		return nil, apierror.Unauthorized("invalid token type")
	}

	claims := &model.AuthClaims{Type: typ}
	claims.UserID, _ = claimsMap["sub"].(string)
	claims.Email, _ = claimsMap["email"].(string)
	claims.Role, _ = claimsMap["role"].(string)
	claims.TokenID, _ = claimsMap["jti"].(string)
	if exp, err := claimsMap.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	if claims.UserID == "" || claims.TokenID == "" {
		return nil, apierror.Unauthorized("invalid token subject")
	}

	return claims, nil
}

func (s *AuthService) refreshHashMatches(storedHash string, rawToken string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(sha256Hex(rawToken))) == nil
}

func (s *AuthService) recordFailedLogin(ctx context.Context, attemptsKey string) {
	metrics.LoginsTotal.WithLabelValues("invalid_credentials").Inc()
	if _, err := s.kv.Incr(ctx, attemptsKey, s.attemptWindow); err != nil {
		slog.Warn("failed to record login attempt", "error", err)
	}
}

func invalidCredentials() error {
	return apierror.New("INVALID_CREDENTIALS", "invalid credentials", "", http.StatusUnauthorized)
}

func revokedKey(rawToken string) string {
	return revokedKeyPrefix + sha256Hex(rawToken)
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
