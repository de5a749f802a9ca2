// Package signature signs outgoing requests and verifies incoming ones with HTTP Signatures,
// the scheme ActivityPub servers use to authenticate each other.
package signature

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	ErrNoKey          = errors.New("no public key to verify request signature")
	ErrDigestMismatch = errors.New("body digest does not match")
	ErrBadKey         = errors.New("unusable key")
	ErrDigestUnsigned = errors.New("signature does not cover the body digest")
	ErrStaleSignature = errors.New("signature date missing or outside the allowed window")
)

// MaxClockSkew is how far a signature's date may be from the local clock, either way.
const MaxClockSkew = 12 * time.Hour

var now = time.Now

// KeyLoader resolves a signature keyId to the public key and the id of the actor owning it.
type KeyLoader interface {
	PublicKey(ctx context.Context, keyID string) (crypto.PublicKey, string, error)
}

// Signer signs requests on behalf of one actor.
type Signer struct {
	KeyID string
	Key   crypto.PrivateKey
}

// NewSigner parses a PEM private key for keyID.
func NewSigner(keyID string, privatePEM string) (*Signer, error) {
	key, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	return &Signer{KeyID: keyID, Key: key}, nil
}

func (s *Signer) Sign(r *http.Request) error {
	return sign(s.Key, s.KeyID, r)
}

func computeDigest(body []byte) string {
	hash := sha256.New()
	hash.Write(body)
	return base64.StdEncoding.EncodeToString(hash.Sum(nil))
}

func requestTarget(r *http.Request) string {
	target := r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}

func computeSigningString(signedHeaders []string, r *http.Request) string {
	signingStrings := make([]string, 0)
	for _, hdr := range signedHeaders {
		var s string
		switch hdr {
		case "(request-target)":
			s = fmt.Sprintf("(request-target): %s %s", strings.ToLower(r.Method), requestTarget(r))
		default:
			s = fmt.Sprintf("%s: %s", hdr, r.Header.Get(hdr))
		}
		signingStrings = append(signingStrings, s)
	}
	return strings.Join(signingStrings, "\n")
}

func hasBody(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil
}

// sign an http request with a private key.
// The signature is generated by hand; Mastodon is picky about the header set.
func sign(privateKey crypto.PrivateKey, pubKeyId string, r *http.Request) error {
	rsaKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("cannot sign with this private key: %w", ErrBadKey)
	}

	if r.Header.Get("Date") == "" {
		r.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if r.Header.Get("Host") == "" {
		host := r.Host
		if host == "" {
			host = r.URL.Host
		}
		r.Header.Set("Host", host)
	}

	signedHeaders := []string{"(request-target)", "host", "date"}
	if hasBody(r) {
		// Read and replace the request body so we can create a digest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("reading body to sign: %w", err)
		}
		r.Body.Close()
		r.Body = io.NopCloser(bytes.NewBuffer(body))

		r.Header.Set("Digest", fmt.Sprintf("SHA-256=%s", computeDigest(body)))
		signedHeaders = append(signedHeaders, "digest", "content-type")
	}
	return writeSignature(rsaKey, pubKeyId, r, signedHeaders)
}

// writeSignature signs the given headers of r and sets the Signature header.
func writeSignature(rsaKey *rsa.PrivateKey, pubKeyId string, r *http.Request, signedHeaders []string) error {
	signingString := computeSigningString(signedHeaders, r)

	created := time.Now().UTC()
	expires := created.Add(time.Hour)

	sigHash := sha256.New()
	sigHash.Write([]byte(signingString))
	signature, err := rsa.SignPKCS1v15(rand.Reader, rsaKey, crypto.SHA256, sigHash.Sum(nil))
	if err != nil {
		return err
	}
	signature64 := base64.StdEncoding.EncodeToString(signature)
	r.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",created=%d,expires=%d,headers="%s",signature="%s"`,
		pubKeyId, created.Unix(), expires.Unix(), strings.Join(signedHeaders, " "), signature64))
	return nil
}

// Verify checks the signature of r and returns the id of the actor that owns the signing key.
// A key that can't be found or parsed fails the same way a bad signature does.
// Requests with a body must sign their digest, and every signature must sign a recent date.
func Verify(ctx context.Context, keys KeyLoader, r *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return "", err
	}
	if err := checkCoverage(r, signatureParams(r)); err != nil {
		return "", err
	}
	pubKeyId := verifier.KeyId()
	pubKey, owner, err := keys.PublicKey(ctx, pubKeyId)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNoKey, pubKeyId, err)
	}
	if pubKey == nil {
		return "", fmt.Errorf("%w: %s", ErrNoKey, pubKeyId)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", err
	}
	if hasBody(r) {
		if err := verifyDigest(r); err != nil {
			return "", err
		}
	}
	return owner, nil
}

var paramRegex = regexp.MustCompile(`([A-Za-z]+)=(?:"([^"]*)"|([^,\s]*))`)

// signatureParams parses the Signature header, or a Signature Authorization header.
func signatureParams(r *http.Request) map[string]string {
	value := r.Header.Get("Signature")
	if value == "" {
		auth := r.Header.Get("Authorization")
		if scheme, rest, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Signature") {
			value = rest
		}
	}
	params := make(map[string]string)
	for _, m := range paramRegex.FindAllStringSubmatch(value, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		params[strings.ToLower(m[1])] = v
	}
	return params
}

// checkCoverage rejects signatures that leave the body digest unsigned, or that
// don't sign a date within MaxClockSkew of now.
func checkCoverage(r *http.Request, params map[string]string) error {
	signed := make(map[string]bool)
	headers := strings.Fields(strings.ToLower(params["headers"]))
	if len(headers) == 0 {
		headers = []string{"date"} // default when the headers parameter is absent
	}
	for _, h := range headers {
		signed[h] = true
	}
	if hasBody(r) && !signed["digest"] {
		return ErrDigestUnsigned
	}

	var at time.Time
	switch {
	case signed["date"]:
		t, err := http.ParseTime(r.Header.Get("Date"))
		if err != nil {
			return fmt.Errorf("%w: bad date %q", ErrStaleSignature, r.Header.Get("Date"))
		}
		at = t
	case signed["(created)"]:
		sec, err := strconv.ParseInt(params["created"], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad created %q", ErrStaleSignature, params["created"])
		}
		at = time.Unix(sec, 0)
	default:
		return fmt.Errorf("%w: no date signed", ErrStaleSignature)
	}
	if skew := now().Sub(at); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("%w: %s", ErrStaleSignature, at.UTC().Format(time.RFC3339))
	}
	return nil
}

// verifyDigest compares the Digest header with the body, leaving the body readable.
func verifyDigest(r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	expected := computeDigest(body)
	for _, d := range strings.Split(r.Header.Get("Digest"), ",") {
		algo, value, ok := strings.Cut(strings.TrimSpace(d), "=")
		if ok && strings.EqualFold(algo, "SHA-256") && value == expected {
			return nil
		}
	}
	return ErrDigestMismatch
}

// ParsePrivateKey decodes a PKCS#8 or PKCS#1 RSA private key.
func ParsePrivateKey(s string) (crypto.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("decoding private key pem: %w", ErrBadKey)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", ErrBadKey)
	}
	return key, nil
}

// ParsePublicKey decodes a PKIX or PKCS#1 RSA public key.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("decoding public key pem: %w", ErrBadKey)
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", ErrBadKey)
	}
	return key, nil
}

// GenerateKeyPair creates a new 2048 bit RSA key pair as PEM strings.
func GenerateKeyPair() (publicPEM string, privatePEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generating key: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling public key: %w", err)
	}
	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}))
	return publicPEM, privatePEM, nil
}
