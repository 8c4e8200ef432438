package identity_test

import (
	"errors"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zsprackett/eventsync/internal/identity"
)

func sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("unused"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFromToken(t *testing.T) {
	cases := []struct {
		claims jwt.MapClaims
		want   string
	}{
		{jwt.MapClaims{"sub": "alice"}, "alice"},
		{jwt.MapClaims{"sub": "id-1", "username": "bob"}, "bob"},
		{jwt.MapClaims{"preferred_username": "carol"}, "carol"},
	}
	for _, tc := range cases {
		got, err := identity.FromToken(sign(t, tc.claims))
		if err != nil {
			t.Fatalf("%v: %v", tc.claims, err)
		}
		if got != tc.want {
			t.Errorf("%v: got %q want %q", tc.claims, got, tc.want)
		}
	}
}

func TestFromToken_Errors(t *testing.T) {
	if _, err := identity.FromToken("not-a-jwt"); err == nil {
		t.Error("expected parse error")
	}
	_, err := identity.FromToken(sign(t, jwt.MapClaims{"exp": 1}))
	if !errors.Is(err, identity.ErrNoIdentity) {
		t.Errorf("got %v want ErrNoIdentity", err)
	}
}

func TestResolve(t *testing.T) {
	got, err := identity.Resolve("override", sign(t, jwt.MapClaims{"sub": "alice"}))
	if err != nil || got != "override" {
		t.Errorf("got %q, %v", got, err)
	}
	if _, err := identity.Resolve("", ""); !errors.Is(err, identity.ErrNoIdentity) {
		t.Errorf("got %v want ErrNoIdentity", err)
	}
}
