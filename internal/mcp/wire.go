package mcp

import (
	"strings"

	"github.com/Jai-Dhiman/arrowhead/internal/tools"
)

// ServerCapabilities is what the server advertised during the
// handshake, plus the version the two sides settled on. Immutable once
// negotiation completes.
type ServerCapabilities struct {
	// ProtocolVersion is the negotiated protocol version.
	ProtocolVersion Version `json:"protocolVersion"`

	// Methods are the method names the server claims to support.
	Methods []string `json:"methods,omitempty"`

	// Experimental are opt-in feature identifiers.
	Experimental []string `json:"experimental,omitempty"`

	// Features are server-advertised feature-flag values, merged into
	// the flag registry's server layer.
	Features map[string]bool `json:"features,omitempty"`

	ServerName    string `json:"serverName,omitempty"`
	ServerVersion string `json:"serverVersion,omitempty"`
}

// Supports reports whether the server advertised the given method. An
// empty advertisement claims nothing either way, so it counts as
// support.
func (sc ServerCapabilities) Supports(method string) bool {
	if len(sc.Methods) == 0 {
		return true
	}
	for _, m := range sc.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Wire payloads. MCP method names use the slash-namespaced current
// form; legacy underscore aliases are handled by methodResolver.

type versionExchangeParams struct {
	Versions []string `json:"versions"`
}

type versionExchangeResult struct {
	Versions []string `json:"versions,omitempty"`
	// Version is the singular form some servers return.
	Version string `json:"version,omitempty"`
}

func (r versionExchangeResult) versionSet() ([]Version, error) {
	raw := r.Versions
	if len(raw) == 0 && r.Version != "" {
		raw = []string{r.Version}
	}
	out := make([]Version, 0, len(raw))
	for _, s := range raw {
		v, err := ParseVersion(s)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilitiesPayload struct {
	Methods      []string        `json:"methods"`
	Experimental []string        `json:"experimental"`
	Features     map[string]bool `json:"features"`
}

type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      serverInfo          `json:"serverInfo"`
	Capabilities    capabilitiesPayload `json:"capabilities"`
}

type toolPayload struct {
	Name          string         `json:"name"`
	Version       string         `json:"version,omitempty"`
	Description   string         `json:"description,omitempty"`
	InputSchema   map[string]any `json:"inputSchema,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	CompatVersion string         `json:"compatVersion,omitempty"`
}

func (p toolPayload) metadata(provider string) tools.Metadata {
	return tools.Metadata{
		Name:          p.Name,
		Version:       p.Version,
		Description:   p.Description,
		Schema:        p.InputSchema,
		Capabilities:  p.Capabilities,
		CompatVersion: p.CompatVersion,
		Provider:      provider,
	}
}

type toolsListResult struct {
	Tools []toolPayload `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}

// Resource is a server-exposed resource listed by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}
