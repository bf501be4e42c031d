// Package identity supplies the stable current-user identity and profile
// lookup the call and chat layers depend on.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"unitynets-realtime/internal/domain/user"
	"unitynets-realtime/internal/repository"
	unity_errors "unitynets-realtime/pkg/errors"
)

const profileCacheTTL = time.Minute

type cachedProfile struct {
	profile   user.Profile
	fetchedAt time.Time
}

type Service struct {
	users  repository.UserRepository
	secret []byte
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[uuid.UUID]cachedProfile
}

func NewService(users repository.UserRepository, secret string, ttl time.Duration) *Service {
	return &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		cache:  make(map[uuid.UUID]cachedProfile),
	}
}

func (s *Service) Register(ctx context.Context, email, displayName, password string) (user.User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || displayName == "" || len(password) < 8 {
		return user.User{}, unity_errors.ErrInvalidInput
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, err
	}
	u := user.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := s.users.Create(ctx, &u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

func (s *Service) Login(ctx context.Context, email, password string) (string, user.User, error) {
	u, err := s.users.GetByEmail(ctx, strings.TrimSpace(strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, unity_errors.ErrNotFound) {
			return "", user.User{}, unity_errors.ErrUnauthorized
		}
		return "", user.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", user.User{}, unity_errors.ErrUnauthorized
	}
	token, err := s.issueToken(u.ID)
	if err != nil {
		return "", user.User{}, err
	}
	return token, u, nil
}

func (s *Service) issueToken(userID uuid.UUID) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Service) ParseToken(tokenString string) (uuid.UUID, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, unity_errors.ErrUnauthorized
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return uuid.Nil, unity_errors.ErrUnauthorized
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return uuid.Nil, unity_errors.ErrUnauthorized
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, unity_errors.ErrUnauthorized
	}
	return id, nil
}

// Profile resolves a user id to display metadata through a short-lived
// cache; call and chat decorations hit this on every inbound event.
func (s *Service) Profile(ctx context.Context, id uuid.UUID) (user.Profile, error) {
	s.mu.RLock()
	cached, ok := s.cache[id]
	s.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < profileCacheTTL {
		return cached.profile, nil
	}

	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return user.Profile{}, err
	}
	p := u.Profile()

	s.mu.Lock()
	s.cache[id] = cachedProfile{profile: p, fetchedAt: time.Now()}
	s.mu.Unlock()
	return p, nil
}
