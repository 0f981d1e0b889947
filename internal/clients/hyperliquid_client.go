package clients

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

// DefaultHyperliquidURL is the mainnet API.
const DefaultHyperliquidURL = "https://api.hyperliquid.xyz"

// HyperliquidClient is a signing exchange client bound to one account.
// The signer differs from the account when trading through an API wallet.
type HyperliquidClient struct {
	exchange *hyperliquid.Exchange
	signer   common.Address
	account  common.Address
}

// NewHyperliquidClient derives the signer from privateKeyHex. account may be
// empty, in which case the signer's own account is traded.
func NewHyperliquidClient(privateKeyHex, account, baseURL string) (*HyperliquidClient, error) {
	if baseURL == "" {
		baseURL = DefaultHyperliquidURL
	}

	key, signer, err := parseSigningKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	owner := signer
	if account != "" {
		if !common.IsHexAddress(account) {
			return nil, errors.Errorf("invalid hyperliquid account address %q", account)
		}
		owner = common.HexToAddress(account)
	}

	ex := hyperliquid.NewExchange(context.Background(), key, baseURL, nil, "", owner.Hex(), nil)
	return &HyperliquidClient{exchange: ex, signer: signer, account: owner}, nil
}

func (c *HyperliquidClient) Exchange() *hyperliquid.Exchange { return c.exchange }

// AccountAddress is the account whose balances and orders the venue sees.
func (c *HyperliquidClient) AccountAddress() string { return c.account.Hex() }

// SignerAddress is the address of the key signing actions.
func (c *HyperliquidClient) SignerAddress() string { return c.signer.Hex() }

func parseSigningKey(privateKeyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	raw := strings.TrimSpace(privateKeyHex)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")

	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, common.Address{}, errors.Wrap(err, "parse hyperliquid private key")
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}
