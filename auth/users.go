package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxuejie/go-delta-docs/errs"
	"github.com/xxuejie/go-delta-docs/pg"
)

var ErrEmailTaken = &errs.Error{Message: "User already exists", Err: errs.ErrValidation}

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

func NewUser(username, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return &User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        NormalizeEmail(email),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// UserStore keeps accounts. Emails are unique.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	ByEmail(ctx context.Context, email string) (*User, error)
}

type MemoryUserStore struct {
	mux     sync.RWMutex
	byEmail map[string]*User
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byEmail: make(map[string]*User)}
}

func (s *MemoryUserStore) Create(ctx context.Context, u *User) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.byEmail[u.Email]; ok {
		return ErrEmailTaken
	}
	copied := *u
	s.byEmail[u.Email] = &copied
	return nil
}

func (s *MemoryUserStore) ByEmail(ctx context.Context, email string) (*User, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	u, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
	}
	copied := *u
	return &copied, nil
}

type PostgresUserStore struct {
	db pg.DB
}

func NewPostgresUserStore(db pg.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

func (s *PostgresUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if pg.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("%w: create user: %v", errs.ErrTransientIO, err)
	}
	return nil
}

func (s *PostgresUserStore) ByEmail(ctx context.Context, email string) (*User, error) {
	u := &User{}
	err := s.db.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE email = $1`,
		NormalizeEmail(email)).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", email, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find user: %v", errs.ErrTransientIO, err)
	}
	return u, nil
}
