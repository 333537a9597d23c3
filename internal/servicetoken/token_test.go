package servicetoken

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123"

func TestSignerVerifierHS256(t *testing.T) {
	signer, err := NewSigner(testSecret, "scanner", 2*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	verifier, err := NewVerifier(testSecret, "processor", []string{"scanner"}, time.Second)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := signer.Sign("processor")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Issuer != "scanner" {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
}

func TestSignerRejectsShortSecret(t *testing.T) {
	if _, err := NewSigner("short", "scanner", 0); err == nil {
		t.Fatalf("expected short secret to fail")
	}
}

func TestVerifierRejectsWrongAudienceAndIssuer(t *testing.T) {
	signer, _ := NewSigner(testSecret, "scanner", time.Minute)
	verifier, _ := NewVerifier(testSecret, "scanner", []string{"processor"}, time.Second)

	token, _ := signer.Sign("processor")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected audience mismatch")
	}
	token, _ = signer.Sign("scanner")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected issuer not allowed")
	}
}

func TestVerifierRejectsOtherSecretAndAlgorithm(t *testing.T) {
	other, _ := NewSigner("another-secret-value!!", "scanner", time.Minute)
	verifier, _ := NewVerifier(testSecret, "processor", []string{"scanner"}, time.Second)
	token, _ := other.Sign("processor")
	if _, err := verifier.Verify(token); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer:    "scanner",
		Audience:  jwt.ClaimStrings{"processor"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		ID:        "jti-1",
	})
	signed, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := verifier.Verify(signed); err == nil {
		t.Fatalf("expected alg none to fail")
	}
}

func TestRequireMiddleware(t *testing.T) {
	signer, _ := NewSigner(testSecret, "processor", time.Minute)
	verifier, _ := NewVerifier(testSecret, "scanner", []string{"processor"}, time.Second)
	h := Require(verifier, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/chunk_callback", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/chunk_callback", nil)
	if err := signer.Authorize(req, "scanner"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("authorized status = %d", rec.Code)
	}
}
