package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
	"github.com/solarcrm/fieldsync/internal/models"
)

// verifyToken parses and validates a token the way the backend does.
func verifyToken(s *TokenSigner, token string) (*ServiceClaims, error) {
	claims := &ServiceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func leadRequest() SubmitRequest {
	return SubmitRequest{
		Kind:     models.KindLead,
		Payload:  json.RawMessage(`{"name":"Ana","email":"ana@example.com"}`),
		OwnerKey: "vendor-7",
		LocalID:  "0b6f1d5e-3b7c-4f1a-9d55-1d2b6f9c0a11",
	}
}

// TestRESTSubmitter_accepted verifies headers, body and id parsing.
func TestRESTSubmitter_accepted(t *testing.T) {
	signer := NewTokenSigner("shh")
	var gotPath, gotKey, gotAuth string
	var gotBody restBody

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 4021}`))
	}))
	defer srv.Close()

	s, err := NewRESTSubmitter(srv.URL+"/", signer, nil)
	require.NoError(t, err)

	res := s.Submit(context.Background(), leadRequest())
	assert.Equal(t, Accepted("4021"), res)
	assert.Equal(t, "/leads", gotPath)
	assert.Equal(t, "0b6f1d5e-3b7c-4f1a-9d55-1d2b6f9c0a11", gotKey)
	assert.Equal(t, "0b6f1d5e-3b7c-4f1a-9d55-1d2b6f9c0a11", gotBody.ClientRef)
	assert.JSONEq(t, `{"name":"Ana","email":"ana@example.com"}`, string(gotBody.Payload))

	require.True(t, strings.HasPrefix(gotAuth, "Bearer "))
	claims, err := verifyToken(signer, strings.TrimPrefix(gotAuth, "Bearer "))
	require.NoError(t, err)
	assert.Equal(t, "vendor-7", claims.Owner)
}

func TestRESTSubmitter_outcomes(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
		reason  string
	}{
		{"string id", http.StatusOK, `{"id":"lead_9"}`, OutcomeAccepted, ""},
		{"conflict", http.StatusConflict, `{"message":"lead with this phone exists"}`, OutcomeConflict, "lead with this phone exists"},
		{"conflict without body", http.StatusConflict, ``, OutcomeConflict, "duplicate record"},
		{"server error", http.StatusBadGateway, `{"error":"upstream down"}`, OutcomeTransient, "upstream down"},
		{"rate limited", http.StatusTooManyRequests, ``, OutcomeTransient, "429"},
		{"missing id", http.StatusOK, `{}`, OutcomeTransient, "without an id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			s, err := NewRESTSubmitter(srv.URL, nil, nil)
			require.NoError(t, err)
			res := s.Submit(context.Background(), leadRequest())
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Contains(t, res.Reason, tt.reason)
		})
	}
}

func TestRESTSubmitter_transportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewRESTSubmitter(url, nil, &http.Client{Timeout: time.Second})
	require.NoError(t, err)
	res := s.Submit(context.Background(), leadRequest())
	assert.Equal(t, OutcomeTransient, res.Outcome)
}

func TestNewRESTSubmitter_requiresURL(t *testing.T) {
	_, err := NewRESTSubmitter("", nil, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncNotConfigured))
}

func TestTokenSigner(t *testing.T) {
	assert.Nil(t, NewTokenSigner(""))

	s := NewTokenSigner("k1")
	token, err := s.Sign("ana")
	require.NoError(t, err)

	_, err = verifyToken(NewTokenSigner("k2"), token)
	assert.Error(t, err, "wrong key")

	expired := NewTokenSigner("k1")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Sign("ana")
	require.NoError(t, err)
	_, err = verifyToken(s, old)
	assert.Error(t, err, "expired")
}
