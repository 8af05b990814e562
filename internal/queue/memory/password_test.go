package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"rapidlog/internal/queue"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	h, err := HashPassword(password)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestHashPassword(t *testing.T) {
	h := mustHash(t, "s3cret")
	if !strings.HasPrefix(h, "$argon2id$v=19$m=19456,t=2,p=1$") {
		t.Fatalf("hash = %q", h)
	}
	if strings.Contains(h, "s3cret") {
		t.Fatal("hash contains the password")
	}
	if h == mustHash(t, "s3cret") {
		t.Error("two hashes share a salt")
	}

	tests := []struct {
		password string
		want     bool
	}{
		{"s3cret", true},
		{"s3cret ", false},
		{"", false},
		{"S3CRET", false},
	}
	for _, tt := range tests {
		ok, err := verifyPassword(tt.password, h)
		if err != nil {
			t.Fatal(err)
		}
		if ok != tt.want {
			t.Errorf("verify(%q) = %v, want %v", tt.password, ok, tt.want)
		}
	}
}

func TestVerifyPasswordMalformed(t *testing.T) {
	good := mustHash(t, "pw")
	parts := strings.Split(good, "$")
	tests := map[string]string{
		"plaintext":     "pw",
		"empty":         "",
		"bcrypt":        "$2a$10$abcdefghijklmnopqrstuv",
		"wrong version": strings.Join([]string{"", "argon2id", "v=16", parts[3], parts[4], parts[5]}, "$"),
		"bad params":    strings.Join([]string{"", "argon2id", parts[2], "m=x", parts[4], parts[5]}, "$"),
		"bad salt":      strings.Join([]string{"", "argon2id", parts[2], parts[3], "!!", parts[5]}, "$"),
		"empty key":     strings.Join([]string{"", "argon2id", parts[2], parts[3], parts[4], ""}, "$"),
	}
	for name, encoded := range tests {
		t.Run(name, func(t *testing.T) {
			ok, err := verifyPassword("pw", encoded)
			if ok || !errors.Is(err, errBadHash) {
				t.Fatalf("verify = %v, %v", ok, err)
			}
		})
	}
}

func TestMalformedHashDeniesSession(t *testing.T) {
	b := New(Config{Users: map[string]User{
		"legacy": {PasswordHash: "pw", Roles: []string{"send"}},
	}})
	defer func() { _ = b.Close() }()
	_, err := b.CreateSession(context.Background(), queue.Credentials{User: "legacy", Password: "pw"}, false)
	if !errors.Is(err, queue.ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}
