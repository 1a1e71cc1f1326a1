package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/oakvault/wallet-engine/internal/app/metrics"
	"github.com/oakvault/wallet-engine/pkg/logger"
)

// factoryABI covers the account factory calls the gateway needs: resolving
// the counterfactual address and building deployment init code.
const factoryABIJSON = `[
	{"type":"function","name":"getAddress","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"owner","type":"address"},{"name":"salt","type":"uint256"}],"outputs":[{"name":"","type":"address"}]}
]`

// accountABI covers the smart account's execute entry point.
const accountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","inputs":[{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}
]`

// entryPointABI covers the EntryPoint nonce lookup.
const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	factoryABI    abi.ABI
	accountABI    abi.ABI
	entryPointABI abi.ABI
)

func init() {
	var err error
	factoryABI, err = abi.JSON(strings.NewReader(factoryABIJSON))
	if err != nil {
		panic(fmt.Sprintf("factory abi: %v", err))
	}
	accountABI, err = abi.JSON(strings.NewReader(accountABIJSON))
	if err != nil {
		panic(fmt.Sprintf("account abi: %v", err))
	}
	entryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Sprintf("entrypoint abi: %v", err))
	}
}

// GetUserOpNonce reads the sender's next nonce from the EntryPoint.
func (c *Client) GetUserOpNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	input, err := entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, err
	}
	output, err := c.CallContract(ctx, c.entryPoint, input)
	if err != nil {
		return nil, fmt.Errorf("get nonce for %s: %w", sender.Hex(), err)
	}
	results, err := entryPointABI.Unpack("getNonce", output)
	if err != nil || len(results) != 1 {
		return nil, fmt.Errorf("get nonce for %s: bad entrypoint response", sender.Hex())
	}
	nonce, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("get nonce for %s: bad entrypoint response", sender.Hex())
	}
	return nonce, nil
}

// EncodeExecute builds the account execute(target, value, data) calldata.
func EncodeExecute(target common.Address, value *big.Int, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	return accountABI.Pack("execute", target, value, data)
}

// SmartAccountGateway resolves counterfactual account addresses and
// deploys accounts on demand. Deployments are serialized per address so
// two concurrent transfers from the same fresh wallet cannot race each
// other's init code.
type SmartAccountGateway struct {
	client  *Client
	oracle  *GasPriceOracle
	factory common.Address

	locks keyedMutex
	log   *logger.Logger
}

// NewSmartAccountGateway creates a gateway against the given factory.
func NewSmartAccountGateway(client *Client, oracle *GasPriceOracle, factory string, log *logger.Logger) *SmartAccountGateway {
	if log == nil {
		log = logger.NewDefault("account-gateway")
	}
	return &SmartAccountGateway{
		client:  client,
		oracle:  oracle,
		factory: common.HexToAddress(factory),
		log:     log,
	}
}

// deploySalt is fixed at zero: one account per owner key.
var deploySalt = new(big.Int)

// Resolve asks the factory for the counterfactual address of the owner's
// account. The factory computes the CREATE2 address whether or not the
// account is deployed yet.
func (g *SmartAccountGateway) Resolve(ctx context.Context, owner common.Address) (common.Address, error) {
	input, err := factoryABI.Pack("getAddress", owner, deploySalt)
	if err != nil {
		return common.Address{}, err
	}
	output, err := g.client.CallContract(ctx, g.factory.Hex(), input)
	if err != nil {
		return common.Address{}, fmt.Errorf("resolve account for %s: %w", owner.Hex(), err)
	}
	results, err := factoryABI.Unpack("getAddress", output)
	if err != nil || len(results) != 1 {
		return common.Address{}, fmt.Errorf("resolve account for %s: bad factory response", owner.Hex())
	}
	address, ok := results[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("resolve account for %s: bad factory response", owner.Hex())
	}
	return address, nil
}

// InitCode builds the EntryPoint init code for the owner's account:
// factory address followed by the createAccount calldata.
func (g *SmartAccountGateway) InitCode(owner common.Address) (string, error) {
	input, err := factoryABI.Pack("createAccount", owner, deploySalt)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(append(g.factory.Bytes(), input...)), nil
}

// EnsureDeployed checks the account's bytecode and deploys it with a
// sponsored zero-value self-call when missing. Deployment state is always
// re-read on-chain because accounts can be deployed out-of-band.
func (g *SmartAccountGateway) EnsureDeployed(ctx context.Context, account, owner common.Address) error {
	unlock := g.locks.lock(account.Hex())
	defer unlock()

	deployed, err := g.client.IsDeployed(ctx, account.Hex())
	if err != nil {
		return fmt.Errorf("check deployment of %s: %w", account.Hex(), err)
	}
	if deployed {
		return nil
	}

	g.log.WithField("account", account.Hex()).Info("deploying smart account")

	initCode, err := g.InitCode(owner)
	if err != nil {
		return err
	}
	callData, err := EncodeExecute(account, nil, nil)
	if err != nil {
		return err
	}
	fees := g.oracle.Fees(ctx)

	op := UserOperation{
		Sender:               account,
		Nonce:                "0x0",
		InitCode:             initCode,
		CallData:             "0x" + hex.EncodeToString(callData),
		MaxFeePerGas:         HexBig(fees.MaxFeePerGas),
		MaxPriorityFeePerGas: HexBig(fees.MaxPriorityFeePerGas),
	}

	op, err = g.client.SponsorUserOperation(ctx, op)
	if err != nil {
		metrics.RecordAccountDeployment(false)
		return fmt.Errorf("sponsor deployment of %s: %w", account.Hex(), err)
	}

	userOpHash, err := g.client.SubmitUserOperation(ctx, op)
	if err != nil {
		metrics.RecordAccountDeployment(false)
		return fmt.Errorf("submit deployment of %s: %w", account.Hex(), err)
	}
	if _, err := g.client.WaitForUserOperationReceipt(ctx, userOpHash); err != nil {
		metrics.RecordAccountDeployment(false)
		return fmt.Errorf("confirm deployment of %s: %w", account.Hex(), err)
	}

	metrics.RecordAccountDeployment(true)
	g.log.WithField("account", account.Hex()).
		WithField("user_op_hash", userOpHash).
		Info("smart account deployed")
	return nil
}

// keyedMutex serializes work per string key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
