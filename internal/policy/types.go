// Package policy implements the LSP-aware decision layer: per-method
// routing, ServerCapabilities merging, and diagnostics aggregation.
// Grounded on the teacher's internal/lsp/types.go wire structs, reused
// near-verbatim since they describe the LSP wire format rather than
// proxy behavior.
package policy

import "encoding/json"

// Position is a zero-based line/character offset into a text document.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location identifies a range inside a document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Diagnostic is one entry of a publishDiagnostics notification.
type Diagnostic struct {
	Range    Range           `json:"range"`
	Severity int             `json:"severity,omitempty"`
	Code     json.RawMessage `json:"code,omitempty"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message"`
}

// PublishDiagnosticsParams is the params object of
// textDocument/publishDiagnostics, server → client.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// TextDocumentSyncKind mirrors the LSP enum; lower numbers are "more
// conservative" in the sense that every server can consume them.
type TextDocumentSyncKind int

const (
	SyncNone        TextDocumentSyncKind = 0
	SyncFull        TextDocumentSyncKind = 1
	SyncIncremental TextDocumentSyncKind = 2
)

// ServerInfo is the optional serverInfo field of an initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ProviderCapability models a capability field that may be encoded on
// the wire as either a bare bool or an options object. Options preserves
// the original object form (if any) so option fields survive merging.
type ProviderCapability struct {
	Enabled bool
	Options json.RawMessage
}

// UnmarshalJSON accepts `true`, `false`, an object, or absence.
func (p *ProviderCapability) UnmarshalJSON(data []byte) error {
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		p.Enabled = asBool
		p.Options = nil
		return nil
	}
	p.Enabled = true
	p.Options = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON re-emits the options object if present, else the bool.
func (p ProviderCapability) MarshalJSON() ([]byte, error) {
	if len(p.Options) > 0 {
		return p.Options, nil
	}
	return json.Marshal(p.Enabled)
}

// CompletionOptions carries the trigger-character fields merged by union.
type CompletionOptions struct {
	ResolveProvider   bool     `json:"resolveProvider,omitempty"`
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
}

// SignatureHelpOptions carries signature-help trigger characters.
type SignatureHelpOptions struct {
	TriggerCharacters []string `json:"triggerCharacters,omitempty"`
}

// ServerCapabilities is the merged capability set the proxy presents
// to the client as the result of initialize. Only the fields the
// routing table and capability-merge rules actually need are modeled;
// fields not listed here are dropped when a server's capabilities are
// decoded and do not appear in the merged result.
type ServerCapabilities struct {
	TextDocumentSync                *TextDocumentSyncKind `json:"textDocumentSync,omitempty"`
	HoverProvider                   *ProviderCapability   `json:"hoverProvider,omitempty"`
	DefinitionProvider              *ProviderCapability   `json:"definitionProvider,omitempty"`
	ReferencesProvider              *ProviderCapability   `json:"referencesProvider,omitempty"`
	ImplementationProvider          *ProviderCapability   `json:"implementationProvider,omitempty"`
	TypeDefinitionProvider          *ProviderCapability   `json:"typeDefinitionProvider,omitempty"`
	DeclarationProvider             *ProviderCapability   `json:"declarationProvider,omitempty"`
	RenameProvider                  *ProviderCapability   `json:"renameProvider,omitempty"`
	CodeActionProvider              *ProviderCapability   `json:"codeActionProvider,omitempty"`
	DocumentFormattingProvider      *ProviderCapability   `json:"documentFormattingProvider,omitempty"`
	DocumentRangeFormattingProvider *ProviderCapability   `json:"documentRangeFormattingProvider,omitempty"`
	CompletionProvider              *CompletionOptions    `json:"completionProvider,omitempty"`
	SignatureHelpProvider           *SignatureHelpOptions `json:"signatureHelpProvider,omitempty"`
	WorkspaceSymbolProvider         *ProviderCapability   `json:"workspaceSymbolProvider,omitempty"`
}

// capabilityFlag reports whether a *ProviderCapability is effectively
// enabled, treating nil as false.
func capabilityFlag(p *ProviderCapability) bool {
	return p != nil && p.Enabled
}

// InitializeResult is the shape of a server's reply to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}
