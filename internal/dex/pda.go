package dex

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var DefaultETFProgramID = solana.MustPublicKeyFromBase58("6ZuD488g1DR652G2zmBsr7emXuQXQ26ZbkFZPyRyr627")

func DeriveETFPDA(etfProgramID solana.PublicKey, lister solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("etf"), lister.Bytes()}, etfProgramID)
}

func MustDeriveETFPDA(etfProgramID solana.PublicKey, lister solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveETFPDA(etfProgramID, lister)
	if err != nil {
		panic(fmt.Errorf("derive etf PDA: %w", err))
	}
	return pk
}
