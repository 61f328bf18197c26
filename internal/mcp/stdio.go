package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/toolmesh/internal/auth"
	"github.com/toolmesh/toolmesh/pkg/models"
)

// stdio lines can carry large tool schemas.
const stdioBufferSize = 1 << 20

// ServeStdio runs the JSON-RPC loop over a newline-delimited stream,
// typically stdin/stdout for local development. Authorization does not
// apply on this transport; the local identity is fixed.
func (gw *Gateway) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	identity := &auth.ResolvedIdentity{AgentID: "local", TenantName: "default"}
	sess := newSSESession("stdio", identity, "", gw.tenants.SecHeaders(identity, ""))
	defer sess.Close()

	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), stdioBufferSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req models.MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(rpcError(nil, models.RPCParseError, "Parse error", err.Error())); err != nil {
				return err
			}
			continue
		}

		resp := gw.HandleJSONRPC(ctx, sess, &req)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error().Err(err).Msg("stdio transport read failed")
		return err
	}
	return nil
}
