package leverage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// getUserAccountData(address) on the AAVE v3 Pool contract.
var getUserAccountDataSelector = []byte{0xbf, 0x92, 0x85, 0x7c}

const (
	accountDataWords = 6
	wordSize         = 32

	// A debt-free account reports max uint256; clamp so the factor stays a
	// finite, JSON-safe float.
	maxHealthFactor = 1e6

	baseCurrencyDecimals = 1e8 // AAVE v3 reports USD amounts with 8 decimals
	wad                  = 1e18
	basisPoints          = 1e4
)

// AaveProvider reads loan health from an AAVE v3 Pool via eth_call. Read-only:
// it never signs or sends a transaction.
type AaveProvider struct {
	rpcURL string
	pool   common.Address
	user   common.Address

	client *ethclient.Client
	mu     sync.Mutex
}

// NewAaveProvider creates a provider for one user's position on one pool.
// The RPC connection is dialed lazily on first use.
func NewAaveProvider(rpcURL, poolAddress, userAddress string) (*AaveProvider, error) {
	if !common.IsHexAddress(poolAddress) {
		return nil, fmt.Errorf("pool address '%s' is not a valid hex address", poolAddress)
	}
	if !common.IsHexAddress(userAddress) {
		return nil, fmt.Errorf("user address '%s' is not a valid hex address", userAddress)
	}
	return &AaveProvider{
		rpcURL: rpcURL,
		pool:   common.HexToAddress(poolAddress),
		user:   common.HexToAddress(userAddress),
	}, nil
}

// Health calls getUserAccountData and decodes the six-word response.
func (p *AaveProvider) Health(ctx context.Context) (Health, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("failed to dial rpc (%v): %w", err, ErrUnavailable)
	}

	msg := ethereum.CallMsg{
		To:   &p.pool,
		Data: accountDataCalldata(p.user),
	}
	out, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return Health{}, fmt.Errorf("getUserAccountData call failed (%v): %w", err, ErrUnavailable)
	}

	health, err := parseAccountData(out, time.Now())
	if err != nil {
		return Health{}, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return health, nil
}

func (p *AaveProvider) dial(ctx context.Context) (*ethclient.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	client, err := ethclient.DialContext(ctx, p.rpcURL)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// accountDataCalldata builds the eth_call payload: 4-byte selector plus the
// user address left-padded to a word.
func accountDataCalldata(user common.Address) []byte {
	data := make([]byte, 0, len(getUserAccountDataSelector)+wordSize)
	data = append(data, getUserAccountDataSelector...)
	return append(data, common.LeftPadBytes(user.Bytes(), wordSize)...)
}

// parseAccountData decodes the getUserAccountData return values:
// totalCollateralBase, totalDebtBase, availableBorrowsBase,
// currentLiquidationThreshold (bps), ltv (bps), healthFactor (WAD).
func parseAccountData(out []byte, asOf time.Time) (Health, error) {
	if len(out) < accountDataWords*wordSize {
		return Health{}, fmt.Errorf("short getUserAccountData response: %d bytes", len(out))
	}

	word := func(i int) *big.Int {
		return new(big.Int).SetBytes(out[i*wordSize : (i+1)*wordSize])
	}

	collateral := word(0)
	debt := word(1)
	availableBorrows := word(2)
	liqThreshold := word(3)
	healthFactor := word(5) // word 4 is the ltv, unused here

	health := Health{
		CollateralUSD:        scaleBig(collateral, baseCurrencyDecimals),
		DebtUSD:              scaleBig(debt, baseCurrencyDecimals),
		AvailableBorrowsUSD:  scaleBig(availableBorrows, baseCurrencyDecimals),
		LiquidationThreshold: scaleBig(liqThreshold, basisPoints),
		ObservedAt:           asOf,
	}

	if debt.Sign() == 0 {
		health.HealthFactor = maxHealthFactor
		return health, nil
	}
	hf := scaleBig(healthFactor, wad)
	if hf > maxHealthFactor {
		hf = maxHealthFactor
	}
	health.HealthFactor = hf
	return health, nil
}

func scaleBig(v *big.Int, denom float64) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(denom)).Float64()
	return f
}
