package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zen-systems/arbiter/pkg/schema"
)

// Signer signs compliance verdicts.
type Signer struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	KeyID      string
	keyDir     string
}

// NewSigner loads the key for keyID from keyDir, generating and
// persisting one if absent. An empty keyDir defaults to ~/.arbiter/keys.
func NewSigner(keyDir, keyID string) (*Signer, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id required")
	}
	if keyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		keyDir = filepath.Join(home, ".arbiter", "keys")
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, err
	}

	keyPath := filepath.Join(keyDir, keyID+".key")

	var privateKey ed25519.PrivateKey

	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid private key size for %s", keyID)
		}
		privateKey = ed25519.PrivateKey(data)
	} else {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		privateKey = priv
		if err := os.WriteFile(keyPath, []byte(privateKey), 0600); err != nil {
			return nil, err
		}
	}

	return &Signer{
		PrivateKey: privateKey,
		PublicKey:  privateKey.Public().(ed25519.PublicKey),
		KeyID:      keyID,
		keyDir:     keyDir,
	}, nil
}

// SignVerdict signs the verdict's canonical payload and attaches the
// signature. The payload excludes the signature block itself.
func (s *Signer) SignVerdict(v *schema.VerdictV1) error {
	if v == nil {
		return fmt.Errorf("verdict required")
	}

	data, err := verdictSigningPayload(v)
	if err != nil {
		return err
	}

	sig := ed25519.Sign(s.PrivateKey, data)
	v.Signature = &schema.Signature{
		Alg:      schema.SignatureAlgEd25519,
		PubKeyID: s.KeyID,
		Sig:      base64.StdEncoding.EncodeToString(sig),
	}
	return nil
}

// VerifyVerdictSignature checks the attached signature against the
// verdict payload using the key material in keyDir.
func VerifyVerdictSignature(v *schema.VerdictV1, keyDir string) error {
	if v == nil {
		return fmt.Errorf("verdict required")
	}
	if v.Signature == nil {
		return fmt.Errorf("signature required")
	}
	if err := v.Signature.Validate(); err != nil {
		return err
	}

	data, err := verdictSigningPayload(v)
	if err != nil {
		return err
	}

	sigBytes, err := base64.StdEncoding.DecodeString(v.Signature.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	pubKey, err := loadPublicKey(keyDir, v.Signature.PubKeyID)
	if err != nil {
		return err
	}

	if !ed25519.Verify(pubKey, data, sigBytes) {
		return fmt.Errorf("invalid verdict signature for task %s", v.TaskID)
	}
	return nil
}

func verdictSigningPayload(v *schema.VerdictV1) ([]byte, error) {
	vCopy := *v
	vCopy.Signature = nil
	if err := vCopy.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&vCopy)
}

func loadPublicKey(keyDir, keyID string) (ed25519.PublicKey, error) {
	if keyID == "" {
		return nil, fmt.Errorf("pubkey_id required")
	}
	if keyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		keyDir = filepath.Join(home, ".arbiter", "keys")
	}
	data, err := os.ReadFile(filepath.Join(keyDir, keyID+".key"))
	if err != nil {
		return nil, err
	}
	priv := ed25519.PrivateKey(data)
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return priv.Public().(ed25519.PublicKey), nil
}
