package txengine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

func writeKeygenFile(t *testing.T, dir string, key solana.PrivateKey) {
	t.Helper()
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	body, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal keypair: %v", err)
	}
	path := filepath.Join(dir, key.PublicKey().String()+".json")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write keypair: %v", err)
	}
}

func unsignedTransfer(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	ix, err := system.NewTransferInstruction(1, payer, solana.NewWallet().PublicKey()).ValidateAndBuild()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(payer))
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}
	return tx
}

func TestKeyringSignerLoadsAndSigns(t *testing.T) {
	dir := t.TempDir()
	key := solana.NewWallet().PrivateKey
	writeKeygenFile(t, dir, key)

	signer := NewKeyringSigner(dir)
	tx := unsignedTransfer(t, key.PublicKey())
	if err := signer.Sign(context.Background(), key.PublicKey(), tx); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := tx.VerifySignatures(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// cached after first load
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove: %v", err)
	}
	tx2 := unsignedTransfer(t, key.PublicKey())
	if err := signer.Sign(context.Background(), key.PublicKey(), tx2); err != nil {
		t.Fatalf("sign from cache: %v", err)
	}
}

func TestKeyringSignerUnknownWallet(t *testing.T) {
	signer := NewKeyringSigner(t.TempDir())
	wallet := solana.NewWallet().PublicKey()
	err := signer.Sign(context.Background(), wallet, unsignedTransfer(t, wallet))
	if !errors.Is(err, ErrSignerNotFound) {
		t.Fatalf("expected ErrSignerNotFound, got %v", err)
	}
}

func TestKeyringSignerCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	wallet := solana.NewWallet().PublicKey()
	err := NewKeyringSigner(t.TempDir()).Sign(ctx, wallet, unsignedTransfer(t, wallet))
	if !errors.Is(err, ErrUserCancelled) {
		t.Fatalf("expected ErrUserCancelled, got %v", err)
	}
}

func TestTransactionInfoChanges(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()
	info := &TransactionInfo{
		AccountKeys:       []solana.PublicKey{owner},
		PreBalances:       []uint64{100},
		PostBalances:      []uint64{250},
		PreTokenBalances:  []TokenBalance{{Owner: owner, Mint: mint, Amount: 10}},
		PostTokenBalances: []TokenBalance{{Owner: owner, Mint: mint, Amount: 40}, {Owner: owner, Mint: mint, Amount: 5}},
	}

	pre, post, ok := info.LamportChange(owner)
	if !ok || pre != 100 || post != 250 {
		t.Fatalf("unexpected lamport change %d -> %d (%v)", pre, post, ok)
	}
	pre, post, ok = info.TokenChange(owner, mint)
	if !ok || pre != 10 || post != 45 {
		t.Fatalf("unexpected token change %d -> %d (%v)", pre, post, ok)
	}
	if _, _, ok := info.TokenChange(owner, solana.SolMint); ok {
		t.Fatal("expected no match for another mint")
	}
}
