package decoder

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// l1BridgeABI covers the settlement-chain message queue and ERC20 gateway.
const l1BridgeABI = `[
  {"type":"event","name":"QueueDepositTransaction","anonymous":false,"inputs":[
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"chainId","type":"uint64","indexed":false},
    {"name":"blockNumber","type":"uint256","indexed":false},
    {"name":"l1Token","type":"address","indexed":false},
    {"name":"l2Token","type":"address","indexed":false},
    {"name":"from","type":"address","indexed":true},
    {"name":"toTwineAddress","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"QueueWithdrawalTransaction","anonymous":false,"inputs":[
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"chainId","type":"uint64","indexed":false},
    {"name":"blockNumber","type":"uint256","indexed":false},
    {"name":"l1Token","type":"address","indexed":false},
    {"name":"l2Token","type":"address","indexed":false},
    {"name":"from","type":"address","indexed":true},
    {"name":"toTwineAddress","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"FinalizeWithdrawETH","anonymous":false,"inputs":[
    {"name":"l1Token","type":"string","indexed":false},
    {"name":"l2Token","type":"string","indexed":false},
    {"name":"to","type":"string","indexed":true},
    {"name":"amount","type":"string","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"chainId","type":"uint64","indexed":false},
    {"name":"blockNumber","type":"uint256","indexed":false}]},
  {"type":"event","name":"FinalizeWithdrawERC20","anonymous":false,"inputs":[
    {"name":"l1Token","type":"string","indexed":true},
    {"name":"l2Token","type":"string","indexed":true},
    {"name":"to","type":"string","indexed":false},
    {"name":"amount","type":"string","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"chainId","type":"uint64","indexed":false},
    {"name":"blockNumber","type":"uint256","indexed":false}]}
]`

// l2MessengerABI covers the Twine L2 messenger.
const l2MessengerABI = `[
  {"type":"event","name":"SentMessage","anonymous":false,"inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"l2Token","type":"address","indexed":false},
    {"name":"to","type":"address","indexed":true},
    {"name":"l1Token","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false},
    {"name":"nonce","type":"uint64","indexed":false},
    {"name":"value","type":"uint256","indexed":false},
    {"name":"chainId","type":"uint64","indexed":false},
    {"name":"blockNumber","type":"uint256","indexed":false},
    {"name":"gasLimit","type":"uint256","indexed":false}]},
  {"type":"event","name":"EthereumTransactionsHandled","anonymous":false,"inputs":[
    {"name":"transactionOutput","type":"bytes","indexed":false}]},
  {"type":"event","name":"SolanaTransactionsHandled","anonymous":false,"inputs":[
    {"name":"transactionOutput","type":"bytes","indexed":false}]}
]`

var (
	l1Bridge    = mustParseABI(l1BridgeABI)
	l2Messenger = mustParseABI(l2MessengerABI)

	// precompileReturn is the payload of a relayed-transactions event:
	// (deposit[], withdraws[]) where each entry is (l1Nonce, detail).
	precompileReturn = abi.Arguments{{Name: "ret", Type: mustTupleType()}}
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustTupleType() abi.Type {
	detail := []abi.ArgumentMarshaling{
		{Name: "chainId", Type: "uint64"},
		{Name: "status", Type: "uint8"},
		{Name: "slotNumber", Type: "uint64"},
		{Name: "fromAddress", Type: "string"},
		{Name: "toTwineAddress", Type: "string"},
		{Name: "l1Token", Type: "string"},
		{Name: "l2Token", Type: "string"},
		{Name: "amount", Type: "string"},
	}
	txn := []abi.ArgumentMarshaling{
		{Name: "l1Nonce", Type: "uint64"},
		{Name: "detail", Type: "tuple", Components: detail},
	}
	t, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "deposit", Type: "tuple[]", Components: txn},
		{Name: "withdraws", Type: "tuple[]", Components: txn},
	})
	if err != nil {
		panic(err)
	}
	return t
}
