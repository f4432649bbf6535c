package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mcpx-lol/mcpx-auth/storage"
)

const testClientIP = "192.0.2.10"

func createTestUser(t *testing.T, srv *Server, store storage.UserStore, username, password string) *storage.User {
	t.Helper()

	hash, err := srv.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	user, err := store.CreateUser(context.Background(), username, hash)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	return user
}

func TestHashPassword(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	hash, err := srv.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct horse battery staple")); err != nil {
		t.Errorf("hash does not verify: %v", err)
	}

	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("bcrypt.Cost() error = %v", err)
	}
	if cost < MinBcryptCost {
		t.Errorf("hash cost = %d, want >= %d", cost, MinBcryptCost)
	}
}

func TestVerifyCredentials_Success(t *testing.T) {
	srv, store := newTestServer(t, nil)
	created := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	user, err := srv.VerifyCredentials(context.Background(), "alice", "hunter2hunter2", testClientIP)
	if err != nil {
		t.Fatalf("VerifyCredentials() error = %v", err)
	}
	if user.ID != created.ID {
		t.Errorf("user ID = %d, want %d", user.ID, created.ID)
	}

	// Successful login records a last-login timestamp
	stored, err := store.GetUserByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if stored.LastLogin.IsZero() {
		t.Error("LastLogin should be set after a successful login")
	}
}

func TestVerifyCredentials_FailuresAreIndistinguishable(t *testing.T) {
	srv, store := newTestServer(t, nil)
	createTestUser(t, srv, store, "alice", "hunter2hunter2")

	_, wrongPassErr := srv.VerifyCredentials(context.Background(), "alice", "wrong", testClientIP)
	_, unknownUserErr := srv.VerifyCredentials(context.Background(), "nobody", "whatever", testClientIP)

	if !errors.Is(wrongPassErr, ErrInvalidCredentials) {
		t.Errorf("wrong password error = %v, want ErrInvalidCredentials", wrongPassErr)
	}
	if !errors.Is(unknownUserErr, ErrInvalidCredentials) {
		t.Errorf("unknown user error = %v, want ErrInvalidCredentials", unknownUserErr)
	}
	// A username oracle would need distinct errors; both paths must return
	// the identical sentinel.
	if wrongPassErr.Error() != unknownUserErr.Error() {
		t.Errorf("error messages differ: %q vs %q", wrongPassErr, unknownUserErr)
	}

	// The dummy hash burned on the unknown-user path must carry the same
	// cost as stored password hashes, or the paths diverge in latency.
	cost, err := bcrypt.Cost(srv.dummyPasswordHash)
	if err != nil {
		t.Fatalf("bcrypt.Cost(dummyPasswordHash) error = %v", err)
	}
	if cost != srv.Config.BcryptCost {
		t.Errorf("dummy hash cost = %d, want %d", cost, srv.Config.BcryptCost)
	}
}

func TestVerifyCredentials_FailureLatencyComparable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping bcrypt timing test in short mode")
	}

	srv, store := newTestServer(t, nil)
	createTestUser(t, srv, store, "alice", "hunter2hunter2")
	ctx := context.Background()

	// Warm up both paths once before measuring
	_, _ = srv.VerifyCredentials(ctx, "alice", "wrong", testClientIP)
	_, _ = srv.VerifyCredentials(ctx, "nobody", "wrong", testClientIP)

	const rounds = 5
	var wrongPass, unknownUser time.Duration
	for i := 0; i < rounds; i++ {
		start := time.Now()
		_, _ = srv.VerifyCredentials(ctx, "alice", "wrong", testClientIP)
		wrongPass += time.Since(start)

		start = time.Now()
		_, _ = srv.VerifyCredentials(ctx, "nobody", "wrong", testClientIP)
		unknownUser += time.Since(start)
	}

	slower, faster := wrongPass, unknownUser
	if faster > slower {
		slower, faster = faster, slower
	}
	// Both failure paths run one bcrypt comparison at the configured cost,
	// so their latencies should be within noise of each other. A generous
	// bound still catches a dummy hash at the wrong cost, which shows up
	// as a 2-4x gap.
	if ratio := float64(slower) / float64(faster); ratio > 1.5 {
		t.Errorf("failure latency ratio = %.2f (wrong-password avg %v, unknown-user avg %v), want comparable",
			ratio, wrongPass/rounds, unknownUser/rounds)
	}
}

func TestVerifyCredentials_FailureDoesNotTouchLastLogin(t *testing.T) {
	srv, store := newTestServer(t, nil)
	created := createTestUser(t, srv, store, "alice", "hunter2hunter2")

	_, _ = srv.VerifyCredentials(context.Background(), "alice", "wrong", testClientIP)

	stored, err := store.GetUserByID(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if !stored.LastLogin.IsZero() {
		t.Error("failed login must not update LastLogin")
	}
}

func TestBootstrap(t *testing.T) {
	srv, store := newTestServer(t, func(c *Config) {
		c.BootstrapUsername = "mcpuser"
		c.BootstrapPassword = "OMG!letmein"
	})

	if err := srv.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	user, err := store.GetUserByUsername(context.Background(), "mcpuser")
	if err != nil {
		t.Fatalf("bootstrap user not created: %v", err)
	}

	// The seeded credentials verify through the normal login path
	if _, err := srv.VerifyCredentials(context.Background(), "mcpuser", "OMG!letmein", testClientIP); err != nil {
		t.Errorf("VerifyCredentials() for bootstrap user error = %v", err)
	}

	// A second boot is a no-op, not a duplicate
	if err := srv.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second Bootstrap() error = %v", err)
	}
	again, err := store.GetUserByUsername(context.Background(), "mcpuser")
	if err != nil {
		t.Fatalf("GetUserByUsername() error = %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("bootstrap user recreated: ID %d -> %d", user.ID, again.ID)
	}
}

func TestBootstrap_DisabledWhenUsernameEmpty(t *testing.T) {
	srv, store := newTestServer(t, nil)

	if err := srv.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if _, err := store.GetUserByUsername(context.Background(), "mcpuser"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("no user should be created when BootstrapUsername is empty, got err = %v", err)
	}
}
