package chain

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/oakvault/wallet-engine/pkg/logger"
)

// Fallback fees used when estimation fails or times out. They are
// deliberately generous so a sponsored operation is never underpriced.
var (
	fallbackMaxFee      = big.NewInt(152_500_000_000) // 152.5 gwei
	fallbackPriorityFee = big.NewInt(2_500_000_000)   // 2.5 gwei
)

// GasPriceOracle estimates EIP-1559 fees from recent fee history. Every
// lookup is bounded by a short timeout; estimation must never stall a
// transfer, so failures fall back to fixed fees.
type GasPriceOracle struct {
	client  *Client
	timeout time.Duration
	log     *logger.Logger
}

// NewGasPriceOracle creates an oracle over the given client.
func NewGasPriceOracle(client *Client, timeout time.Duration, log *logger.Logger) *GasPriceOracle {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("gas-oracle")
	}
	return &GasPriceOracle{client: client, timeout: timeout, log: log}
}

type feeHistoryResult struct {
	BaseFeePerGas []string   `json:"baseFeePerGas"`
	Reward        [][]string `json:"reward"`
}

// Fees returns a fee pair for the next operation: the latest base fee
// with a 10% volatility buffer plus the median priority fee of the last
// four blocks.
func (o *GasPriceOracle) Fees(ctx context.Context) GasFees {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	result, err := o.client.Call(ctx, o.client.rpcURL, "eth_feeHistory", []any{"0x4", "latest", []int{25, 50, 75}})
	if err != nil {
		o.log.WithError(err).Warn("fee history unavailable, using fallback fees")
		return fallbackFees()
	}

	var history feeHistoryResult
	if err := json.Unmarshal(result, &history); err != nil || len(history.BaseFeePerGas) == 0 {
		o.log.WithError(err).Warn("fee history malformed, using fallback fees")
		return fallbackFees()
	}

	baseFee, err := ParseHexBig(history.BaseFeePerGas[len(history.BaseFeePerGas)-1])
	if err != nil {
		return fallbackFees()
	}

	priority := medianPriorityFee(history.Reward)
	if priority == nil {
		// A tenth of the base fee keeps inclusion likely on quiet chains.
		priority = new(big.Int).Div(baseFee, big.NewInt(10))
	}

	maxFee := new(big.Int).Mul(baseFee, big.NewInt(110))
	maxFee.Div(maxFee, big.NewInt(100))
	maxFee.Add(maxFee, priority)

	return GasFees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}
}

// medianPriorityFee averages the 50th-percentile rewards across the
// sampled blocks.
func medianPriorityFee(rewards [][]string) *big.Int {
	sum := new(big.Int)
	count := int64(0)
	for _, block := range rewards {
		if len(block) < 2 {
			continue
		}
		fee, err := ParseHexBig(block[1])
		if err != nil {
			continue
		}
		sum.Add(sum, fee)
		count++
	}
	if count == 0 {
		return nil
	}
	return sum.Div(sum, big.NewInt(count))
}

func fallbackFees() GasFees {
	return GasFees{
		MaxFeePerGas:         new(big.Int).Set(fallbackMaxFee),
		MaxPriorityFeePerGas: new(big.Int).Set(fallbackPriorityFee),
	}
}
