package dex

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	buyETFDisc     = anchorInstructionDiscriminator("buy_etf")
	etfAccountDisc = anchorAccountDiscriminator("ETF")
)

var ErrNotETFAccount = errors.New("account is not an etf account")

// ETFAccount mirrors the on-chain basket registry account.
type ETFAccount struct {
	Lister         solana.PublicKey
	TokenAddresses []solana.PublicKey
	TotalSupply    uint64
	Bump           uint8
}

type amountArgs struct {
	Discriminator [8]byte
	Amount        uint64
}

func ParseETFAccount(data []byte) (*ETFAccount, error) {
	if len(data) < len(etfAccountDisc) {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotETFAccount, len(data))
	}
	if !bytes.Equal(data[:8], etfAccountDisc[:]) {
		return nil, ErrNotETFAccount
	}

	var acc ETFAccount
	if err := bin.NewBorshDecoder(data[8:]).Decode(&acc); err != nil {
		return nil, fmt.Errorf("decode etf account: %w", err)
	}
	return &acc, nil
}

// EncodeETFAccount is the inverse of ParseETFAccount.
func EncodeETFAccount(acc ETFAccount) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(etfAccountDisc[:])
	if err := bin.NewBorshEncoder(buf).Encode(acc); err != nil {
		return nil, fmt.Errorf("encode etf account: %w", err)
	}
	return buf.Bytes(), nil
}

// NewBuyETFInstruction moves solAmount from investor into the etf vault; the
// program forwards its lister cut to listerAccount.
func NewBuyETFInstruction(
	programID solana.PublicKey,
	etf solana.PublicKey,
	investor solana.PublicKey,
	listerAccount solana.PublicKey,
	solAmount uint64,
) (solana.Instruction, error) {
	return newAmountInstruction(programID, buyETFDisc, etf, investor, listerAccount, solAmount)
}

func newAmountInstruction(
	programID solana.PublicKey,
	disc [8]byte,
	etf solana.PublicKey,
	investor solana.PublicKey,
	listerAccount solana.PublicKey,
	amount uint64,
) (solana.Instruction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("etf instruction amount must be > 0")
	}

	buf := new(bytes.Buffer)
	if err := bin.NewBorshEncoder(buf).Encode(amountArgs{Discriminator: disc, Amount: amount}); err != nil {
		return nil, fmt.Errorf("encode etf instruction: %w", err)
	}

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(etf, true, false),
		solana.NewAccountMeta(investor, true, true),
		solana.NewAccountMeta(listerAccount, true, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}
	return solana.NewInstruction(programID, accounts, buf.Bytes()), nil
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func anchorAccountDiscriminator(accountName string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + accountName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
