package http

import (
	"context"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	x402 "github.com/x402-foundation/x402-delegate"
	"github.com/x402-foundation/x402-delegate/mechanisms/evm"
)

// RelayerSource lists the chains a facilitator submits on.
// signers/evm.ChainRegistry satisfies it.
type RelayerSource interface {
	ChainIDs() []*big.Int
	Client(chainID *big.Int) (evm.ChainClient, error)
}

// RelayerInfo is one chain's entry in GET /info
type RelayerInfo struct {
	Network    x402.Network `json:"network"`
	Address    string       `json:"address,omitempty"`
	BalanceWei string       `json:"balanceWei,omitempty"`
	Balance    string       `json:"balance,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// InfoResponse is the body of GET /info
type InfoResponse struct {
	Relayers []RelayerInfo `json:"relayers"`
}

const maxConcurrentBalanceReads = 8

func (s *Server) handleInfo(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.infoTimeout)
	defer cancel()

	c.JSON(http.StatusOK, InfoResponse{Relayers: s.relayerInfo(ctx)})
}

// relayerInfo reads every relayer balance concurrently. A failing chain is
// reported in place and does not fail the others.
func (s *Server) relayerInfo(ctx context.Context) []RelayerInfo {
	chainIDs := s.relayers.ChainIDs()
	infos := make([]RelayerInfo, len(chainIDs))

	var g errgroup.Group
	g.SetLimit(maxConcurrentBalanceReads)
	for i, chainID := range chainIDs {
		g.Go(func() error {
			infos[i] = s.readRelayer(ctx, chainID)
			return nil
		})
	}
	_ = g.Wait()

	return infos
}

func (s *Server) readRelayer(ctx context.Context, chainID *big.Int) RelayerInfo {
	info := RelayerInfo{Network: x402.EVMNetwork(chainID)}

	client, err := s.relayers.Client(chainID)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	addrs := client.GetAddresses()
	if len(addrs) == 0 {
		info.Error = "no relayer address"
		return info
	}
	info.Address = addrs[0]

	balance, err := client.GetBalance(ctx, common.HexToAddress(info.Address))
	if err != nil {
		s.log.Warn("relayer balance unavailable", map[string]any{
			"network": string(info.Network),
			"error":   err,
		})
		info.Error = "balance unavailable"
		return info
	}
	info.BalanceWei = balance.String()
	info.Balance = FormatEther(balance)
	return info
}

// FormatEther renders a wei amount in ether without trailing zeros
func FormatEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}
