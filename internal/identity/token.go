package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// トークン種別。ブリッジ資格情報はベアラートークンとして受け付けない。
const (
	TokenTypeSession = "session"
	TokenTypeBridge  = "bridge"
)

// MaxBridgeTTL はブリッジ資格情報の有効期間の上限。
const MaxBridgeTTL = 5 * time.Minute

const verifyLeeway = 30 * time.Second

// Claims はトークンに含めるプロフィール情報。
type Claims struct {
	Name    string
	Picture string
	Email   string
}

// VerifiedToken は検証済みトークンの内容。
type VerifiedToken struct {
	SubjectID string
	Type      string
	Claims    Claims
	ExpiresAt time.Time
}

// TokenSigner はHS256でトークンの署名と検証を行う。
type TokenSigner struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// NewTokenSigner はTokenSignerを生成する。secretが空の場合はエラーを返す。
func NewTokenSigner(secret, issuer, audience string) (*TokenSigner, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	return &TokenSigner{
		key:      []byte(secret),
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}, nil
}

// Sign は指定種別・有効期間のトークンを発行する。
func (s *TokenSigner) Sign(subjectID, typ string, claims Claims, ttl time.Duration) (string, error) {
	now := s.now().UTC()
	mc := jwt.MapClaims{
		"sub": subjectID,
		"typ": typ,
		"iss": s.issuer,
		"aud": s.audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if claims.Name != "" {
		mc["name"] = claims.Name
	}
	if claims.Picture != "" {
		mc["picture"] = claims.Picture
	}
	if claims.Email != "" {
		mc["email"] = claims.Email
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証し、期待する種別であれば内容を返す。
func (s *TokenSigner) Parse(tokenStr, wantType string) (*VerifiedToken, error) {
	mc := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithLeeway(verifyLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	token, err := parser.ParseWithClaims(tokenStr, mc, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	})
	if err != nil || token == nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	typ, _ := mc["typ"].(string)
	if typ != wantType {
		return nil, fmt.Errorf("unexpected token type %q", typ)
	}
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return nil, errors.New("subject missing")
	}

	v := &VerifiedToken{SubjectID: sub, Type: typ}
	v.Claims.Name, _ = mc["name"].(string)
	v.Claims.Picture, _ = mc["picture"].(string)
	v.Claims.Email, _ = mc["email"].(string)
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		v.ExpiresAt = exp.Time
	}
	return v, nil
}
