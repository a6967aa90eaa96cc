package mcp

import (
	"context"

	"github.com/bobmcallan/vmbridge/internal/common"
	"github.com/bobmcallan/vmbridge/internal/discovery"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// versionInfo holds version fields for one component.
type versionInfo struct {
	Version string `json:"version"`
	Build   string `json:"build"`
	Commit  string `json:"commit"`
}

type versionResponse struct {
	VMBridge  versionInfo       `json:"vmbridge"`
	VMService *discovery.Status `json:"vm_service,omitempty"`
}

// VersionTool returns the mcp.Tool definition for get_version.
func VersionTool() mcp.Tool {
	return mcp.NewTool("get_version",
		mcp.WithDescription("Get vmbridge version and VM service connection status. Use this to verify connectivity."),
	)
}

// VersionToolHandler reports the bridge version and, when available, the
// discovery status of the VM service connection.
func VersionToolHandler(d Discovery) server.ToolHandlerFunc {
	return func(ctx context.Context, r mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		resp := versionResponse{
			VMBridge: versionInfo{
				Version: common.GetVersion(),
				Build:   common.GetBuild(),
				Commit:  common.GetGitCommit(),
			},
		}
		if d != nil {
			status := d.Status()
			resp.VMService = &status
		}
		return jsonResult(resp), nil
	}
}
