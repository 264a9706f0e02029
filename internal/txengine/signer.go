package txengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrUserCancelled  = errors.New("signing cancelled by user")
	ErrSignerNotFound = errors.New("no signing key for wallet")
)

// Signer signs a transaction on behalf of a custodial wallet. Implementations
// return an error wrapping ErrUserCancelled when the owner declines.
type Signer interface {
	Sign(ctx context.Context, wallet solana.PublicKey, tx *solana.Transaction) error
}

// KeyringSigner loads wallet keypairs from <dir>/<pubkey>.json in solana-keygen
// format and caches them.
type KeyringSigner struct {
	dir string

	mu   sync.RWMutex
	keys map[solana.PublicKey]solana.PrivateKey
}

func NewKeyringSigner(dir string) *KeyringSigner {
	return &KeyringSigner{
		dir:  dir,
		keys: make(map[solana.PublicKey]solana.PrivateKey),
	}
}

func (s *KeyringSigner) Sign(ctx context.Context, wallet solana.PublicKey, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUserCancelled, err)
	}
	key, err := s.key(wallet)
	if err != nil {
		return err
	}
	return signWith(tx, wallet, key)
}

func (s *KeyringSigner) key(wallet solana.PublicKey) (solana.PrivateKey, error) {
	s.mu.RLock()
	key, ok := s.keys[wallet]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	path := filepath.Join(s.dir, wallet.String()+".json")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSignerNotFound, wallet)
		}
		return nil, fmt.Errorf("stat keypair %q: %w", path, err)
	}
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	if !key.PublicKey().Equals(wallet) {
		return nil, fmt.Errorf("keypair %q does not belong to %s", path, wallet)
	}

	s.mu.Lock()
	s.keys[wallet] = key
	s.mu.Unlock()
	return key, nil
}

// StaticSigner signs with an in-memory key set.
type StaticSigner struct {
	keys map[solana.PublicKey]solana.PrivateKey
}

func NewStaticSigner(keys ...solana.PrivateKey) *StaticSigner {
	out := &StaticSigner{keys: make(map[solana.PublicKey]solana.PrivateKey, len(keys))}
	for _, key := range keys {
		out.keys[key.PublicKey()] = key
	}
	return out
}

func (s *StaticSigner) Sign(ctx context.Context, wallet solana.PublicKey, tx *solana.Transaction) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUserCancelled, err)
	}
	key, ok := s.keys[wallet]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSignerNotFound, wallet)
	}
	return signWith(tx, wallet, key)
}

func signWith(tx *solana.Transaction, wallet solana.PublicKey, key solana.PrivateKey) error {
	_, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(wallet) {
			return &key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}
