package remotemcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/agentdesk/agentdesk/internal/common/apperr"
)

const connectTimeout = 15 * time.Second

// Tool is the trimmed tool descriptor persisted as toolsJson.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// connect dials the server over streamable HTTP and completes the MCP
// initialize handshake. The caller must Close the returned client.
func connect(ctx context.Context, url, bearerToken string) (*mcpclient.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if bearerToken != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + bearerToken,
		}))
	}

	c, err := mcpclient.NewStreamableHttpClient(url, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamError, "failed to create MCP client", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, apperr.Wrap(apperr.KindUpstreamError, "failed to reach MCP server", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "agentdesk", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, apperr.Wrap(apperr.KindUpstreamError, "MCP initialize failed", err)
	}
	return c, nil
}

// probe verifies the server completes an MCP handshake.
func probe(ctx context.Context, url, bearerToken string) error {
	c, err := connect(ctx, url, bearerToken)
	if err != nil {
		return err
	}
	c.Close()
	return nil
}

// discoverTools lists the server's tools and returns them as JSON.
func discoverTools(ctx context.Context, url, bearerToken string) (string, error) {
	c, err := connect(ctx, url, bearerToken)
	if err != nil {
		return "", err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return "", apperr.Wrap(apperr.KindUpstreamError, "failed to list MCP tools", err)
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description})
	}
	data, err := json.Marshal(tools)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "failed to encode tool list", err)
	}
	return string(data), nil
}

// isAuthError guesses whether a handshake failure was an auth rejection.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "401") || strings.Contains(msg, "Unauthorized") ||
		strings.Contains(msg, "403") || strings.Contains(msg, "Forbidden")
}
