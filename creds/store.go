// Package creds implements C10: per-shop credential envelopes,
// encrypted at rest with a scrypt-derived key and AES-GCM, plus the
// "set" validation probe. Grounded in construction style on the
// teacher's store/postgres.go (read-modify-write around the shops
// table) with the encryption layer adopting golang.org/x/crypto/scrypt
// (already an indirect dependency across the example pack) in front of
// the standard library's AES-GCM — see DESIGN.md for why the AEAD
// itself stays on crypto/cipher rather than a third-party envelope
// library (none in the pack addresses symmetric envelope encryption).
package creds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/flux-commerce/mp-ingest/shopmodel"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// WildberriesCredentials is the decrypted credential struct for a
// Wildberries shop: a single API key grants every sub-API.
type WildberriesCredentials struct {
	APIKey string `json:"api_key"`
}

// OzonCredentials is the decrypted credential struct for an Ozon shop:
// seller API client/key plus an optional separate Performance API
// client/secret pair.
type OzonCredentials struct {
	ClientID        string `json:"client_id"`
	APIKey          string `json:"api_key"`
	PerfClientID    string `json:"perf_client_id,omitempty"`
	PerfClientSecret string `json:"perf_client_secret,omitempty"`
}

// ShopReader/ShopWriter let this package read/write the envelope
// columns without depending on the full store package (small
// interface at point of use, the teacher's idiom).
type ShopReader interface {
	GetShop(ctx context.Context, shopID int64) (*shopmodel.Shop, error)
}

type ShopWriter interface {
	UpsertShop(ctx context.Context, shop *shopmodel.Shop) error
}

// Prober validates newly-set credentials by hitting each marketplace
// sub-API's no-op/ping endpoint. Implemented by mpclient call sites
// registered per marketplace; kept as an interface here so creds has
// no mpclient import (avoids a store<->client<->creds import cycle).
type Prober interface {
	Probe(ctx context.Context, marketplace shopmodel.MarketplaceKind, creds interface{}) (warnings []string, err error)
}

// Store encrypts/decrypts credential envelopes using a master key
// (typically sourced from an environment variable or KMS-decrypted
// secret at process start).
type Store struct {
	shops      ShopReader
	writer     ShopWriter
	prober     Prober
	masterKey  []byte
}

func New(shops ShopReader, writer ShopWriter, prober Prober, masterKey []byte) *Store {
	return &Store{shops: shops, writer: writer, prober: prober, masterKey: masterKey}
}

// envelope is the on-disk format: salt || nonce || ciphertext, stored
// directly as the Shop's *_envelope bytes column.
func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := scrypt.Key(s.masterKey, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("creds: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, saltLen+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func (s *Store) decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < saltLen {
		return nil, errors.New("creds: envelope too short")
	}
	salt := envelope[:saltLen]
	rest := envelope[saltLen:]

	key, err := scrypt.Key(s.masterKey, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("creds: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("creds: envelope missing nonce")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Get decrypts and returns the shop's primary marketplace credentials.
func (s *Store) Get(ctx context.Context, shopID int64) (interface{}, error) {
	shop, err := s.shops.GetShop(ctx, shopID)
	if err != nil {
		return nil, err
	}
	if shop == nil {
		return nil, fmt.Errorf("creds: shop %d not found", shopID)
	}

	plaintext, err := s.decrypt(shop.SecretEnvelope)
	if err != nil {
		return nil, fmt.Errorf("creds: decrypt shop %d: %w", shopID, err)
	}

	switch shop.Marketplace {
	case shopmodel.Wildberries:
		var c WildberriesCredentials
		if err := json.Unmarshal(plaintext, &c); err != nil {
			return nil, err
		}
		return c, nil
	case shopmodel.Ozon:
		var c OzonCredentials
		if err := json.Unmarshal(plaintext, &c); err != nil {
			return nil, err
		}
		if len(shop.OzonPerfSecretEnvelope) > 0 {
			perfPlain, err := s.decrypt(shop.OzonPerfSecretEnvelope)
			if err == nil {
				var perf struct {
					ClientID string `json:"client_id"`
					Secret   string `json:"client_secret"`
				}
				if json.Unmarshal(perfPlain, &perf) == nil {
					c.PerfClientID = perf.ClientID
					c.PerfClientSecret = perf.Secret
				}
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("creds: unknown marketplace %q", shop.Marketplace)
	}
}

// Set validates then encrypts the given credentials for shopID.
// Probing failures are returned as a warnings list and never block the
// write (spec.md §4.10: "warnings do not block storage").
func (s *Store) Set(ctx context.Context, shop *shopmodel.Shop, creds interface{}) (warnings []string, err error) {
	if s.prober != nil {
		warnings, err = s.prober.Probe(ctx, shop.Marketplace, creds)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("probe failed: %v", err))
		}
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return warnings, err
	}
	envelope, err := s.encrypt(plaintext)
	if err != nil {
		return warnings, err
	}
	shop.SecretEnvelope = envelope

	if err := s.writer.UpsertShop(ctx, shop); err != nil {
		return warnings, err
	}
	return warnings, nil
}
