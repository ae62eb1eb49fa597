package lending

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Subset of the Aave v3 protocol data provider
const dataProviderABI = `[
  {"type":"function","name":"getAllReservesTokens","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"tuple[]","components":[
     {"name":"symbol","type":"string"},{"name":"tokenAddress","type":"address"}]}]},
  {"type":"function","name":"getReserveData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"unbacked","type":"uint256"},
     {"name":"accruedToTreasuryScaled","type":"uint256"},
     {"name":"totalAToken","type":"uint256"},
     {"name":"totalStableDebt","type":"uint256"},
     {"name":"totalVariableDebt","type":"uint256"},
     {"name":"liquidityRate","type":"uint256"},
     {"name":"variableBorrowRate","type":"uint256"},
     {"name":"stableBorrowRate","type":"uint256"},
     {"name":"averageStableBorrowRate","type":"uint256"},
     {"name":"liquidityIndex","type":"uint256"},
     {"name":"variableBorrowIndex","type":"uint256"},
     {"name":"lastUpdateTimestamp","type":"uint40"}]},
  {"type":"function","name":"getReserveTokensAddresses","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"aTokenAddress","type":"address"},
     {"name":"stableDebtTokenAddress","type":"address"},
     {"name":"variableDebtTokenAddress","type":"address"}]},
  {"type":"function","name":"getReserveConfigurationData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"decimals","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"liquidationThreshold","type":"uint256"},
     {"name":"liquidationBonus","type":"uint256"},
     {"name":"reserveFactor","type":"uint256"},
     {"name":"usageAsCollateralEnabled","type":"bool"},
     {"name":"borrowingEnabled","type":"bool"},
     {"name":"stableBorrowRateEnabled","type":"bool"},
     {"name":"isActive","type":"bool"},
     {"name":"isFrozen","type":"bool"}]}
]`

var providerABI = mustParse(dataProviderABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
