package auth_test

import (
	"testing"

	"github.com/mikroscope/mikroscope/internal/auth"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := auth.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !auth.IsPasswordHashed(hash) {
		t.Fatalf("generated hash not recognized: %q", hash)
	}
	if !auth.CheckPassword("hunter2", hash) {
		t.Fatalf("correct password rejected against hash")
	}
	if auth.CheckPassword("wrong", hash) {
		t.Fatalf("wrong password accepted against hash")
	}
}

func TestCheckPasswordPlain(t *testing.T) {
	if !auth.CheckPassword("secret", "secret") {
		t.Fatalf("plain comparison failed")
	}
	if auth.CheckPassword("secret", "other") {
		t.Fatalf("mismatched plain password accepted")
	}
	if auth.CheckPassword("anything", "") {
		t.Fatalf("empty configured password accepted")
	}
}

func TestIsPasswordHashed(t *testing.T) {
	if auth.IsPasswordHashed("plaintext") {
		t.Fatalf("plain string detected as hash")
	}
	if auth.IsPasswordHashed("$2a$tooshort") {
		t.Fatalf("short string detected as hash")
	}
}

func TestCheckToken(t *testing.T) {
	if !auth.CheckToken("abc", "abc") {
		t.Fatalf("matching token rejected")
	}
	if auth.CheckToken("abc", "abd") {
		t.Fatalf("mismatched token accepted")
	}
	if auth.CheckToken("", "") {
		t.Fatalf("empty configured token accepted")
	}
}
