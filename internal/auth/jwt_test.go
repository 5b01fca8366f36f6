package auth

import (
	"errors"
	"testing"
	"time"
)

func TestGenerateAndValidateToken(t *testing.T) {
	secret := "super-secret-key"
	issuer := "miniblog"
	auth := NewAuthenticator(secret, issuer, time.Hour)

	token, err := auth.GenerateToken(123, "Ada")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}
	if token == "" {
		t.Fatal("generated token is empty")
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("failed to validate token: %v", err)
	}

	id, err := claims.UserID()
	if err != nil {
		t.Fatalf("failed to read user id: %v", err)
	}
	if id != 123 {
		t.Errorf("expected user ID 123, got %d", id)
	}
	if claims.Name != "Ada" {
		t.Errorf("expected name Ada, got %s", claims.Name)
	}
	if claims.Issuer != issuer {
		t.Errorf("expected issuer %s, got %s", issuer, claims.Issuer)
	}
}

func TestExpiredToken(t *testing.T) {
	auth := NewAuthenticator("super-secret-key", "miniblog", -time.Minute)

	token, err := auth.GenerateToken(1, "user")
	if err != nil {
		t.Fatalf("failed to generate token: %v", err)
	}

	_, err = auth.ValidateToken(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestInvalidSignature(t *testing.T) {
	auth1 := NewAuthenticator("secret1", "miniblog", time.Hour)
	auth2 := NewAuthenticator("secret2", "miniblog", time.Hour)

	token, _ := auth1.GenerateToken(1, "user")

	_, err := auth2.ValidateToken(token)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestWrongIssuer(t *testing.T) {
	token, _ := NewAuthenticator("secret", "other", time.Hour).GenerateToken(1, "user")

	if _, err := NewAuthenticator("secret", "miniblog", time.Hour).ValidateToken(token); err == nil {
		t.Fatal("expected error for foreign issuer, got nil")
	}
}

func TestChannelGrant(t *testing.T) {
	auth := NewAuthenticator("secret", "miniblog", time.Hour)

	grant, err := auth.SignChannel(7, "sock-1", "private-conversation.3")
	if err != nil {
		t.Fatalf("failed to sign channel: %v", err)
	}

	id, err := auth.VerifyChannel(grant, "sock-1", "private-conversation.3")
	if err != nil {
		t.Fatalf("failed to verify grant: %v", err)
	}
	if id != 7 {
		t.Errorf("expected user 7, got %d", id)
	}

	if _, err := auth.VerifyChannel(grant, "sock-2", "private-conversation.3"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("grant accepted for another socket: %v", err)
	}
	if _, err := auth.VerifyChannel(grant, "sock-1", "private-conversation.4"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("grant accepted for another channel: %v", err)
	}
}

func TestSessionTokenIsNotAChannelGrant(t *testing.T) {
	auth := NewAuthenticator("secret", "miniblog", time.Hour)
	token, _ := auth.GenerateToken(7, "user")

	if _, err := auth.VerifyChannel(token, "", ""); err == nil {
		t.Fatal("session token accepted as channel grant")
	}
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Errorf("expected match, got %v", err)
	}
	if err := CheckPassword(hash, "battery staple"); !errors.Is(err, ErrPasswordMismatch) {
		t.Errorf("expected ErrPasswordMismatch, got %v", err)
	}
}
