package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"

	"github.com/totegamma/clearance/core"
)

const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
)

// GenerateSigningKey creates a fresh key pair in PEM form.
func GenerateSigningKey(alg string, notBefore time.Time, notAfter time.Time) (core.SigningKey, error) {
	var privDER, pubDER []byte
	var err error

	switch alg {
	case AlgRS256:
		priv, genErr := rsa.GenerateKey(rand.Reader, 2048)
		if genErr != nil {
			return core.SigningKey{}, genErr
		}
		privDER, err = x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return core.SigningKey{}, err
		}
		pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return core.SigningKey{}, err
		}
	case AlgES256:
		priv, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if genErr != nil {
			return core.SigningKey{}, genErr
		}
		privDER, err = x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return core.SigningKey{}, err
		}
		pubDER, err = x509.MarshalPKIXPublicKey(&priv.PublicKey)
		if err != nil {
			return core.SigningKey{}, err
		}
	default:
		return core.SigningKey{}, fmt.Errorf("unsupported algorithm %s", alg)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return core.SigningKey{
		KID:        xid.New().String(),
		Algorithm:  alg,
		PublicPEM:  string(pubPEM),
		PrivatePEM: string(privPEM),
		NotBefore:  notBefore,
		NotAfter:   notAfter,
	}, nil
}

func ParsePrivateKey(key core.SigningKey) (any, error) {
	switch key.Algorithm {
	case AlgRS256:
		return jwt.ParseRSAPrivateKeyFromPEM([]byte(key.PrivatePEM))
	case AlgES256:
		return jwt.ParseECPrivateKeyFromPEM([]byte(key.PrivatePEM))
	}
	return nil, fmt.Errorf("unsupported algorithm %s", key.Algorithm)
}

func ParsePublicKey(key core.SigningKey) (crypto.PublicKey, error) {
	switch key.Algorithm {
	case AlgRS256:
		return jwt.ParseRSAPublicKeyFromPEM([]byte(key.PublicPEM))
	case AlgES256:
		return jwt.ParseECPublicKeyFromPEM([]byte(key.PublicPEM))
	}
	return nil, fmt.Errorf("unsupported algorithm %s", key.Algorithm)
}

// KeyToJWK renders the public half of a signing key in JWK form.
func KeyToJWK(key core.SigningKey) (core.JWK, error) {
	pub, err := ParsePublicKey(key)
	if err != nil {
		return core.JWK{}, err
	}

	switch p := pub.(type) {
	case *rsa.PublicKey:
		return core.JWK{
			Kty: "RSA",
			Kid: key.KID,
			Use: "sig",
			Alg: key.Algorithm,
			N:   base64.RawURLEncoding.EncodeToString(p.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.E)).Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		size := (p.Curve.Params().BitSize + 7) / 8
		return core.JWK{
			Kty: "EC",
			Kid: key.KID,
			Use: "sig",
			Alg: key.Algorithm,
			Crv: p.Curve.Params().Name,
			X:   base64.RawURLEncoding.EncodeToString(p.X.FillBytes(make([]byte, size))),
			Y:   base64.RawURLEncoding.EncodeToString(p.Y.FillBytes(make([]byte, size))),
		}, nil
	}

	return core.JWK{}, fmt.Errorf("unsupported key type")
}
