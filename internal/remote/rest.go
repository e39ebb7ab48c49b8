package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/solarcrm/fieldsync/internal/errors"
)

// IdempotencyHeader carries the record's local id on every REST submission.
const IdempotencyHeader = "Idempotency-Key"

// ServiceClaims are the claims of the service token sent to the REST backend.
type ServiceClaims struct {
	Owner string `json:"owner"`
	jwt.RegisteredClaims
}

// TokenSigner issues short-lived HS256 service tokens.
type TokenSigner struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner creates a signer. An empty secret disables signing.
func NewTokenSigner(secret string) *TokenSigner {
	if secret == "" {
		return nil
	}
	return &TokenSigner{secret: []byte(secret), issuer: "fieldsync", ttl: 5 * time.Minute, now: time.Now}
}

// Sign returns a token scoped to owner.
func (s *TokenSigner) Sign(owner string) (string, error) {
	now := s.now()
	claims := &ServiceClaims{
		Owner: owner,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   owner,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// RESTSubmitter posts records as JSON to {base}/{table}.
type RESTSubmitter struct {
	base   string
	client *http.Client
	signer *TokenSigner
}

// NewRESTSubmitter creates a REST submitter. client may be nil.
func NewRESTSubmitter(baseURL string, signer *TokenSigner, client *http.Client) (*RESTSubmitter, error) {
	if baseURL == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "rest base url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTSubmitter{base: strings.TrimSuffix(baseURL, "/"), client: client, signer: signer}, nil
}

type restBody struct {
	ClientRef string          `json:"client_ref"`
	OwnerKey  string          `json:"owner_key"`
	Payload   json.RawMessage `json:"payload"`
	Force     bool            `json:"force,omitempty"`
}

type restReply struct {
	ID      json.RawMessage `json:"id"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// Submit implements Submitter.
func (s *RESTSubmitter) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	table := req.Kind.Table()
	if table == "" {
		return Transientf("unknown record kind %q", req.Kind)
	}

	body, err := json.Marshal(restBody{
		ClientRef: req.LocalID.String(),
		OwnerKey:  req.OwnerKey,
		Payload:   req.Payload,
		Force:     req.Force,
	})
	if err != nil {
		return Transientf("encode request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.base+"/"+table, bytes.NewReader(body))
	if err != nil {
		return Transientf("build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.LocalID.String())
	if s.signer != nil {
		token, err := s.signer.Sign(req.OwnerKey)
		if err != nil {
			return Transientf("sign token: %v", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Transientf("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var reply restReply
	_ = json.Unmarshal(raw, &reply)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		id := remoteIDFrom(reply.ID)
		if id == "" {
			return Transientf("backend returned %d without an id", resp.StatusCode)
		}
		return Accepted(id)
	case resp.StatusCode == http.StatusConflict:
		return Conflict(reasonOf(reply, "duplicate record"))
	default:
		return Transientf("backend returned %d: %s", resp.StatusCode, reasonOf(reply, http.StatusText(resp.StatusCode)))
	}
}

// remoteIDFrom accepts both numeric and string ids.
func remoteIDFrom(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func reasonOf(r restReply, fallback string) string {
	if r.Message != "" {
		return r.Message
	}
	if r.Error != "" {
		return r.Error
	}
	return fallback
}
