package auth

import (
	"errors"
	"testing"

	"github.com/danmuck/nfcrelay/internal/testutil/testlog"
	"github.com/rs/zerolog/log"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty stored token denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty input is missing", stored: "abc", input: "", wantErr: ErrMissingToken},
		{name: "mismatched token denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: "abc", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
			log.Debug().Str("stored", tc.stored).Str("input", tc.input).AnErr("result", err).Msg("auth/static-token")
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		header  string
		want    string
		wantErr error
	}{
		{header: "Bearer secret", want: "secret"},
		{header: "bearer   secret ", want: "secret"},
		{header: "", wantErr: ErrMissingToken},
		{header: "Bearer", wantErr: ErrMissingToken},
		{header: "Bearer  ", wantErr: ErrMissingToken},
		{header: "Basic c2VjcmV0", wantErr: ErrMissingToken},
	}
	for _, tc := range tests {
		got, err := BearerToken(tc.header)
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("header %q: expected err %v, got %v", tc.header, tc.wantErr, err)
		}
		if got != tc.want {
			t.Fatalf("header %q: expected token %q, got %q", tc.header, tc.want, got)
		}
	}
}

func TestCheckHeader(t *testing.T) {
	testlog.Start(t)
	open := ForToken("  ")
	if err := CheckHeader(open, ""); err != nil {
		t.Fatalf("open validator rejected request: %v", err)
	}

	strict := ForToken("secret")
	if err := CheckHeader(strict, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if err := CheckHeader(strict, "Bearer nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if err := CheckHeader(strict, "Bearer secret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}
