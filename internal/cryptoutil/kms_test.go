package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

type fakeKeyFetcher struct {
	der      []byte
	usage    kmstypes.KeyUsageType
	err      error
	getCalls atomic.Int64
}

func (f *fakeKeyFetcher) GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.getCalls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{
		PublicKey: f.der,
		KeyUsage:  f.usage,
	}, nil
}

func newECDSAVerifier(t *testing.T, curve elliptic.Curve) (*KMSVerifier, *ecdsa.PrivateKey, *fakeKeyFetcher) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	fake := &fakeKeyFetcher{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
	return &KMSVerifier{client: fake, keyARN: "arn:aws:kms:us-east-1:000000000000:key/test"}, priv, fake
}

func TestVerifySignature_ECDSAP256(t *testing.T) {
	v, priv, _ := newECDSAVerifier(t, elliptic.P256())

	msg := []byte(`{"login_ip":{"max_attempts":5}}`)
	digest := sha256.Sum256(msg)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := v.VerifySignature(context.Background(), msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignature_ECDSATampered(t *testing.T) {
	v, priv, _ := newECDSAVerifier(t, elliptic.P256())

	msg := []byte("original")
	digest := sha256.Sum256(msg)
	sig, _ := ecdsa.SignASN1(rand.Reader, priv, digest[:])

	if err := v.VerifySignature(context.Background(), []byte("tampered"), sig); err == nil {
		t.Fatal("tampered message must fail verification")
	}
}

func TestVerifySignature_RSAPSS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	fake := &fakeKeyFetcher{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
	v := &KMSVerifier{client: fake, keyARN: "test"}

	msg := []byte("overrides document")
	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if err := v.VerifySignature(context.Background(), msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignature_RSAPKCS1v15Rejected(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	fake := &fakeKeyFetcher{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
	v := &KMSVerifier{client: fake, keyARN: "test"}

	msg := []byte("doc")
	digest := sha256.Sum256(msg)
	sig, _ := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])

	if err := v.VerifySignature(context.Background(), msg, sig); err == nil {
		t.Fatal("PKCS1v15 signature must be rejected")
	}
}

func TestPublicKey_Cached(t *testing.T) {
	v, _, fake := newECDSAVerifier(t, elliptic.P256())

	for i := 0; i < 3; i++ {
		if _, err := v.PublicKey(context.Background()); err != nil {
			t.Fatalf("PublicKey: %v", err)
		}
	}
	if got := fake.getCalls.Load(); got != 1 {
		t.Fatalf("GetPublicKey called %d times, want 1 (cached)", got)
	}
}

func TestPublicKey_WrongUsageRejected(t *testing.T) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	der, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	fake := &fakeKeyFetcher{der: der, usage: kmstypes.KeyUsageTypeEncryptDecrypt}
	v := &KMSVerifier{client: fake, keyARN: "test"}

	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("ENCRYPT_DECRYPT key must be rejected")
	}
}

func TestPublicKey_NilClient(t *testing.T) {
	v := &KMSVerifier{keyARN: "test"}
	if _, err := v.PublicKey(context.Background()); err == nil {
		t.Fatal("nil client must error")
	}
}

func TestVerifySignature_P384UsesSHA384(t *testing.T) {
	v, priv, _ := newECDSAVerifier(t, elliptic.P384())

	msg := []byte("msg")
	_, digest, err := ecdsaDigest(&priv.PublicKey, msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if len(digest) != 48 {
		t.Fatalf("digest length = %d, want 48 (SHA-384)", len(digest))
	}
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.VerifySignature(context.Background(), msg, sig); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}
