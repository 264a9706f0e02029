package dex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestBuyETFInstructionLayout(t *testing.T) {
	lister := solana.NewWallet().PublicKey()
	investor := solana.NewWallet().PublicKey()
	etf := MustDeriveETFPDA(DefaultETFProgramID, lister)

	ix, err := NewBuyETFInstruction(DefaultETFProgramID, etf, investor, lister, 5_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ix.ProgramID().Equals(DefaultETFProgramID) {
		t.Fatalf("unexpected program id %s", ix.ProgramID())
	}

	data, err := ix.Data()
	if err != nil {
		t.Fatalf("data: %v", err)
	}
	if len(data) != 16 {
		t.Fatalf("expected 16 bytes of data, got %d", len(data))
	}
	if !bytes.Equal(data[:8], buyETFDisc[:]) {
		t.Errorf("unexpected discriminator %x", data[:8])
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != 5_000_000 {
		t.Errorf("expected amount 5_000_000, got %d", got)
	}

	accounts := ix.Accounts()
	if len(accounts) != 4 {
		t.Fatalf("expected 4 accounts, got %d", len(accounts))
	}
	if !accounts[1].PublicKey.Equals(investor) || !accounts[1].IsSigner {
		t.Error("investor must be the signer in slot 1")
	}
	if !accounts[3].PublicKey.Equals(solana.SystemProgramID) {
		t.Error("system program must be last")
	}
}

func TestBuyETFInstructionRejectsZero(t *testing.T) {
	if _, err := NewBuyETFInstruction(DefaultETFProgramID, solana.PublicKey{}, solana.PublicKey{}, solana.PublicKey{}, 0); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestParseETFAccount(t *testing.T) {
	want := ETFAccount{
		Lister:         solana.NewWallet().PublicKey(),
		TokenAddresses: []solana.PublicKey{solana.SolMint, solana.NewWallet().PublicKey()},
		TotalSupply:    42,
		Bump:           254,
	}
	data, err := EncodeETFAccount(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := ParseETFAccount(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !got.Lister.Equals(want.Lister) || got.TotalSupply != 42 || got.Bump != 254 {
		t.Fatalf("unexpected account %+v", got)
	}
	if len(got.TokenAddresses) != 2 || !got.TokenAddresses[0].Equals(solana.SolMint) {
		t.Fatalf("unexpected token addresses %v", got.TokenAddresses)
	}
}

func TestParseETFAccountWrongDiscriminator(t *testing.T) {
	data := make([]byte, 64)
	if _, err := ParseETFAccount(data); !errors.Is(err, ErrNotETFAccount) {
		t.Fatalf("expected ErrNotETFAccount, got %v", err)
	}
}

func TestDeriveETFPDAIsDeterministic(t *testing.T) {
	lister := solana.NewWallet().PublicKey()
	a, bumpA, err := DeriveETFPDA(DefaultETFProgramID, lister)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, bumpB, _ := DeriveETFPDA(DefaultETFProgramID, lister)
	if !a.Equals(b) || bumpA != bumpB {
		t.Fatal("expected identical PDA for the same lister")
	}
}
