package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// signer holds the signing method and key material for access tokens.
type signer struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	keyID     string
}

func hmacSigner(secret string) (*signer, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 32 {
		return nil, errors.New("auth: HS256 secret must be at least 32 bytes")
	}
	return &signer{method: jwt.SigningMethodHS256, signKey: []byte(secret), verifyKey: []byte(secret)}, nil
}

func rsaSigner(privatePEM, publicPEM string) (*signer, error) {
	privatePEM = strings.TrimSpace(privatePEM)
	publicPEM = strings.TrimSpace(publicPEM)
	if privatePEM == "" || publicPEM == "" {
		return nil, errors.New("auth: both private and public keys are required")
	}
	priv, err := parseRSAPrivateKey(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	pub, err := parseRSAPublicKey(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		return nil, errors.New("auth: public key does not match private key")
	}
	return &signer{method: jwt.SigningMethodRS256, signKey: priv, verifyKey: pub}, nil
}

func (s *signer) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	return token.SignedString(s.signKey)
}

func (s *signer) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() != s.method.Alg() {
		return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
	}
	return s.verifyKey, nil
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
