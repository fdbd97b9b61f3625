package adapter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/bridge-indexer/internal/bridge"
)

// AttachLogs assigns logs to their blocks. A log whose block hash disagrees
// with the header fetched for that height means the node switched forks
// between the two calls; the batch is retried.
func AttachLogs(chain string, blocks []Block, logs []types.Log) error {
	if len(blocks) == 0 {
		return nil
	}
	from := blocks[0].Height
	for _, l := range logs {
		if l.BlockNumber < from || l.BlockNumber > blocks[len(blocks)-1].Height {
			return &bridge.RpcProtocolError{Chain: chain, Op: "filter logs", Err: fmt.Errorf("log for block %d outside requested range", l.BlockNumber)}
		}
		b := &blocks[l.BlockNumber-from]
		if l.Removed || l.BlockHash.Hex() != b.ID {
			return &bridge.TransientRpcError{Chain: chain, Op: "filter logs", Err: fmt.Errorf("log in block %d belongs to %s, header is %s", l.BlockNumber, l.BlockHash.Hex(), b.ID)}
		}
		b.Logs = append(b.Logs, Log{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
			TxHash:  l.TxHash,
			TxIndex: l.TxIndex,
			Index:   l.Index,
		})
	}
	return nil
}
