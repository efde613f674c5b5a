package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"
	"time"
)

func hs256(t *testing.T, secret, claims string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	input := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString([]byte(claims))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return input + "." + enc.EncodeToString(mac.Sum(nil))
}

func TestDevToken(t *testing.T) {
	v := &Verifier{Mode: "dev"}
	p, err := v.Verify("labA:Driver:d7")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.LabID != "labA" || p.Role != RoleDriver || p.UserID != "d7" || !p.IsDriver() {
		t.Fatalf("principal = %+v", p)
	}
	p, err = v.Verify("labB:dispatcher")
	if err != nil || p.UserID != "" || !p.IsDispatcher() {
		t.Fatalf("principal = %+v, %v", p, err)
	}
	for _, bad := range []string{"", "labA", ":driver", "a:b:c:d"} {
		if _, err := v.Verify(bad); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Verify(%q) = %v", bad, err)
		}
	}
}

func TestHMACToken(t *testing.T) {
	v := &Verifier{Mode: "hmac", HMACSecret: []byte("k"), LabClaim: "lab", RoleClaim: "role", UserClaim: "sub"}
	tok := hs256(t, "k", `{"lab":"labA","role":"dispatcher","sub":"u1"}`)
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p != (Principal{LabID: "labA", Role: "dispatcher", UserID: "u1"}) {
		t.Fatalf("principal = %+v", p)
	}

	if _, err := v.Verify(hs256(t, "wrong", `{"lab":"labA"}`)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("wrong secret = %v", err)
	}
	if _, err := v.Verify(hs256(t, "k", `{"role":"driver"}`)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("missing lab = %v", err)
	}
	expired := hs256(t, "k", `{"lab":"labA","exp":`+strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)+`}`)
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired = %v", err)
	}
}
