package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Only the methods the pipeline touches are declared.
const (
	incentivesABIJSON = `[
  {"type":"function","name":"getRewardsBalance","stateMutability":"view",
   "inputs":[{"name":"assets","type":"address[]"},{"name":"user","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"claimRewards","stateMutability":"nonpayable",
   "inputs":[{"name":"assets","type":"address[]"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

	dataProviderABIJSON = `[
  {"type":"function","name":"getAllReservesTokens","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"symbol","type":"string"},{"name":"tokenAddress","type":"address"}]}]},
  {"type":"function","name":"getReserveTokensAddresses","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"aTokenAddress","type":"address"},{"name":"stableDebtTokenAddress","type":"address"},{"name":"variableDebtTokenAddress","type":"address"}]}
]`

	lendingPoolABIJSON = `[
  {"type":"function","name":"deposit","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],
   "outputs":[]}
]`

	erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

	routerABIJSON = `[
  {"type":"function","name":"getAmountsOut","stateMutability":"view",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable",
   "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
   "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`
)

var (
	IncentivesABI   = parseABI("incentives", incentivesABIJSON)
	DataProviderABI = parseABI("data provider", dataProviderABIJSON)
	LendingPoolABI  = parseABI("lending pool", lendingPoolABIJSON)
	ERC20ABI        = parseABI("erc20", erc20ABIJSON)
	RouterABI       = parseABI("router", routerABIJSON)
)

func parseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s abi: %v", name, err))
	}
	return parsed
}
