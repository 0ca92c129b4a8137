package p2p

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"

	"shieldrelay/pkg/consensus"
)

// VerifyProtocolID is the request/response protocol validators serve.
const VerifyProtocolID = protocol.ID("/shieldrelay/verify/1.0.0")

// VerifyHandler produces this validator's answer to one verify request.
type VerifyHandler func(ctx context.Context, req *consensus.VerifyRequest) *consensus.VerifyResponse

// SetVerifyHandler installs the validator-side stream handler. Each stream
// carries one request and one response.
func (n *Node) SetVerifyHandler(handler VerifyHandler) {
	n.Host.SetStreamHandler(VerifyProtocolID, func(s network.Stream) {
		defer s.Close()

		var req consensus.VerifyRequest
		if err := json.NewDecoder(s).Decode(&req); err != nil {
			log.Warn().Err(err).Msg("Failed to decode verify request")
			return
		}

		resp := handler(context.Background(), &req)
		if resp == nil {
			resp = &consensus.VerifyResponse{RequestID: req.RequestID, Error: "verification unavailable"}
		}
		resp.RequestID = req.RequestID

		if err := json.NewEncoder(s).Encode(resp); err != nil {
			log.Warn().Err(err).Str("request_id", req.RequestID).Msg("Failed to send verify response")
		}
	})
}

// Verify implements the consensus querier over libp2p. The endpoint is the
// validator's full multiaddr including its peer id.
func (n *Node) Verify(ctx context.Context, endpoint string, req *consensus.VerifyRequest) (*consensus.VerifyResponse, error) {
	addr, err := multiaddr.NewMultiaddr(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid validator address: %v", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to get peer info: %v", err)
	}
	if err := n.Host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("failed to connect to validator: %v", err)
	}

	stream, err := n.Host.NewStream(ctx, info.ID, VerifyProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to open verify stream: %v", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}

	if err := json.NewEncoder(stream).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send verify request: %v", err)
	}
	var resp consensus.VerifyResponse
	if err := json.NewDecoder(stream).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read verify response: %v", err)
	}
	if resp.RequestID != req.RequestID {
		return nil, fmt.Errorf("response for unexpected request %s", resp.RequestID)
	}
	return &resp, nil
}
