package api

import (
	"errors"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tolerance := 5 * time.Minute

	valid := SignPayload(secret, now.Unix(), body)

	cases := []struct {
		name    string
		header  string
		body    []byte
		wantErr error
	}{
		{
			name:   "valid signature",
			header: valid,
			body:   body,
		},
		{
			name:   "valid signature just inside tolerance",
			header: SignPayload(secret, now.Add(-tolerance+time.Second).Unix(), body),
			body:   body,
		},
		{
			name:   "extra unknown scheme parts are skipped",
			header: "v0=garbage," + valid,
			body:   body,
		},
		{
			name:    "missing header",
			header:  "",
			body:    body,
			wantErr: ErrMissingSignature,
		},
		{
			name:    "no v1 part",
			header:  "t=1700000000",
			body:    body,
			wantErr: ErrMalformedSignature,
		},
		{
			name:    "no timestamp part",
			header:  "v1=deadbeef",
			body:    body,
			wantErr: ErrMalformedSignature,
		},
		{
			name:    "non-numeric timestamp",
			header:  "t=soon,v1=deadbeef",
			body:    body,
			wantErr: ErrMalformedSignature,
		},
		{
			name:    "timestamp too old",
			header:  SignPayload(secret, now.Add(-tolerance-time.Minute).Unix(), body),
			body:    body,
			wantErr: ErrSignatureExpired,
		},
		{
			name:    "timestamp in the future",
			header:  SignPayload(secret, now.Add(tolerance+time.Minute).Unix(), body),
			body:    body,
			wantErr: ErrSignatureExpired,
		},
		{
			name:    "wrong secret",
			header:  SignPayload("whsec_other", now.Unix(), body),
			body:    body,
			wantErr: ErrSignatureMismatch,
		},
		{
			name:    "tampered body",
			header:  valid,
			body:    []byte(`{"id":"evt_1","type":"invoice.paid","amount":9}`),
			wantErr: ErrSignatureMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(secret, tc.header, tc.body, tolerance, now)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("expected valid signature, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestVerifySignatureZeroToleranceSkipsTimestampCheck(t *testing.T) {
	secret := "whsec_test"
	body := []byte(`{}`)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	old := SignPayload(secret, now.Add(-48*time.Hour).Unix(), body)

	if err := VerifySignature(secret, old, body, 0, now); err != nil {
		t.Fatalf("zero tolerance must skip the timestamp check, got %v", err)
	}
}
