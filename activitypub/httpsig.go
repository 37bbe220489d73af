package activitypub

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/go-fed/httpsig"
	"github.com/rs/zerolog/log"
)

// Headers covered by every signature this server produces.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// Digest returns the Digest header value for body.
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// SignRequest sets Date, Host and Digest on req and signs it.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Digest", Digest(body))

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// KeyResolver returns the remote actor owning keyId. With refresh set the cached copy
// is bypassed.
type KeyResolver interface {
	ResolveKey(ctx context.Context, keyId string, refresh bool) (*domain.RemoteActor, error)
}

// Verifier checks inbound HTTP signatures.
type Verifier struct {
	keys    KeyResolver
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(keys KeyResolver, maxSkew time.Duration) *Verifier {
	return &Verifier{keys: keys, maxSkew: maxSkew, now: time.Now}
}

// VerifyRequest authenticates req and returns the signing actor. Every failure is a
// verification error.
func (v *Verifier) VerifyRequest(ctx context.Context, req *http.Request, body []byte) (*domain.RemoteActor, error) {
	if req.Header.Get("Signature") == "" && req.Header.Get("Authorization") == "" {
		return nil, domain.VerificationFailed(nil, "missing signature header")
	}

	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return nil, domain.VerificationFailed(nil, "missing date header")
	}
	date, err := http.ParseTime(dateHeader)
	if err != nil {
		return nil, domain.VerificationFailed(err, "malformed date header")
	}
	if skew := v.now().Sub(date); skew > v.maxSkew || skew < -v.maxSkew {
		return nil, domain.VerificationFailed(nil, "date outside of the allowed clock skew")
	}

	if len(body) > 0 || req.Header.Get("Digest") != "" {
		if !digestMatches(req.Header.Get("Digest"), body) {
			return nil, domain.VerificationFailed(nil, "digest mismatch")
		}
	}

	if len(body) > 0 {
		covered := coveredHeaders(req)
		for _, h := range signedHeaders {
			if !covered[h] {
				return nil, domain.VerificationFailed(nil, h+" not signed")
			}
		}
	}

	// net/http moves Host out of the header map, the signing string needs it back
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.Host)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return nil, domain.VerificationFailed(err, "malformed signature header")
	}
	keyId := verifier.KeyId()

	actor, err := v.keys.ResolveKey(ctx, keyId, false)
	if err != nil {
		return nil, domain.VerificationFailed(err, "unresolvable keyId")
	}
	if err := verifyWith(verifier, actor); err == nil {
		return actor, nil
	}

	// the remote side may have rotated its key since we cached it
	log.Debug().Str("keyId", keyId).Msg("Signature: verification failed with cached key, refetching")
	actor, err = v.keys.ResolveKey(ctx, keyId, true)
	if err != nil {
		return nil, domain.VerificationFailed(err, "unresolvable keyId")
	}
	if err := verifyWith(verifier, actor); err != nil {
		return nil, domain.VerificationFailed(err, "signature mismatch")
	}
	return actor, nil
}

func verifyWith(verifier httpsig.Verifier, actor *domain.RemoteActor) error {
	pub, err := ParsePublicKey(actor.PublicKeyPem)
	if err != nil {
		return err
	}
	return verifier.Verify(pub, httpsig.RSA_SHA256)
}

// coveredHeaders lists the headers named in the signature's headers parameter. Without
// one the signature covers only date.
func coveredHeaders(req *http.Request) map[string]bool {
	sig := req.Header.Get("Signature")
	if sig == "" {
		auth := req.Header.Get("Authorization")
		if len(auth) > len("Signature ") && strings.EqualFold(auth[:len("Signature ")], "Signature ") {
			sig = auth[len("Signature "):]
		}
	}
	list := "date"
	for _, param := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "headers") {
			list = strings.Trim(strings.TrimSpace(v), `"`)
			break
		}
	}
	covered := map[string]bool{}
	for _, h := range strings.Fields(list) {
		covered[strings.ToLower(h)] = true
	}
	return covered
}

// digestMatches accepts a Digest header listing several algorithms as long as the
// SHA-256 entry matches.
func digestMatches(header string, body []byte) bool {
	if header == "" {
		return false
	}
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if i := strings.IndexByte(part, '='); i > 0 && strings.EqualFold(part[:i], "SHA-256") {
			if part[i+1:] == want[len("SHA-256="):] {
				return true
			}
		}
	}
	return false
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "PRIVATE KEY" {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key")
		}
		return rsaKey, nil
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey. Both PKIX and PKCS#1 blocks are
// accepted since remote servers publish either.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
