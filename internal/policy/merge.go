package policy

import (
	"encoding/json"
	"sort"
)

// mergeCapabilities combines N servers' ServerCapabilities per
// spec.md §4.4: booleans OR, textDocumentSync takes the minimum
// (most conservative) sync kind, *Provider fields union their option
// fields preferring the primary (lowest-index) server's values on
// conflict and ORing boolean option fields (work-done/progress flags
// included), trigger-character sets union.
//
// caps is indexed by server_index in ascending order; the caller is
// responsible for passing only live, responding servers.
func mergeCapabilities(caps []ServerCapabilities) ServerCapabilities {
	var merged ServerCapabilities
	if len(caps) == 0 {
		return merged
	}

	for _, c := range caps {
		if c.TextDocumentSync != nil {
			if merged.TextDocumentSync == nil || *c.TextDocumentSync < *merged.TextDocumentSync {
				k := *c.TextDocumentSync
				merged.TextDocumentSync = &k
			}
		}
		merged.HoverProvider = orProvider(merged.HoverProvider, c.HoverProvider)
		merged.DefinitionProvider = orProvider(merged.DefinitionProvider, c.DefinitionProvider)
		merged.ReferencesProvider = orProvider(merged.ReferencesProvider, c.ReferencesProvider)
		merged.ImplementationProvider = orProvider(merged.ImplementationProvider, c.ImplementationProvider)
		merged.TypeDefinitionProvider = orProvider(merged.TypeDefinitionProvider, c.TypeDefinitionProvider)
		merged.DeclarationProvider = orProvider(merged.DeclarationProvider, c.DeclarationProvider)
		merged.RenameProvider = orProvider(merged.RenameProvider, c.RenameProvider)
		merged.CodeActionProvider = orProvider(merged.CodeActionProvider, c.CodeActionProvider)
		merged.DocumentFormattingProvider = orProvider(merged.DocumentFormattingProvider, c.DocumentFormattingProvider)
		merged.DocumentRangeFormattingProvider = orProvider(merged.DocumentRangeFormattingProvider, c.DocumentRangeFormattingProvider)
		merged.WorkspaceSymbolProvider = orProvider(merged.WorkspaceSymbolProvider, c.WorkspaceSymbolProvider)

		merged.CompletionProvider = unionCompletion(merged.CompletionProvider, c.CompletionProvider)
		merged.SignatureHelpProvider = unionSignatureHelp(merged.SignatureHelpProvider, c.SignatureHelpProvider)
	}
	return merged
}

// orProvider ORs the enabled flag and unions the option fields of two
// options objects: a field only next has is added, a boolean field is
// ORed, and any other conflicting field keeps acc's value. Callers
// iterate servers in index order, so acc already holds the lowest-index
// server's Options by construction once seeded.
func orProvider(acc, next *ProviderCapability) *ProviderCapability {
	if next == nil {
		return acc
	}
	if acc == nil {
		cp := *next
		return &cp
	}
	acc.Enabled = acc.Enabled || next.Enabled
	if len(acc.Options) == 0 && len(next.Options) > 0 {
		acc.Options = next.Options
		return acc
	}
	var a, b map[string]json.RawMessage
	if json.Unmarshal(acc.Options, &a) != nil || json.Unmarshal(next.Options, &b) != nil {
		return acc
	}
	for k, v := range b {
		if av, ok := a[k]; !ok || (string(av) == "false" && string(v) == "true") {
			a[k] = v
		}
	}
	if out, err := json.Marshal(a); err == nil {
		acc.Options = out
	}
	return acc
}

func unionCompletion(acc, next *CompletionOptions) *CompletionOptions {
	if next == nil {
		return acc
	}
	if acc == nil {
		acc = &CompletionOptions{}
	}
	acc.ResolveProvider = acc.ResolveProvider || next.ResolveProvider
	acc.TriggerCharacters = unionStrings(acc.TriggerCharacters, next.TriggerCharacters)
	return acc
}

func unionSignatureHelp(acc, next *SignatureHelpOptions) *SignatureHelpOptions {
	if next == nil {
		return acc
	}
	if acc == nil {
		acc = &SignatureHelpOptions{}
	}
	acc.TriggerCharacters = unionStrings(acc.TriggerCharacters, next.TriggerCharacters)
	return acc
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// mergeInitialize is the BroadcastRequest merge_fn for "initialize":
// merges capabilities per mergeCapabilities and synthesizes a
// serverInfo combining every responding server's name/version,
// canonically led by the lowest-index server (spec.md §4.3 step 4).
func mergeInitialize(collected map[int]CollectedResult, addressed []int) (interface{}, *RPCError) {
	indices := sortedKeysPresent(collected, addressed)

	var caps []ServerCapabilities
	var infos []ServerInfo
	for _, i := range indices {
		cr := collected[i]
		if cr.Err != nil {
			continue // a server that failed to initialize contributes nothing; fatal handling happens in the Router
		}
		var res InitializeResult
		if err := json.Unmarshal(cr.Result, &res); err != nil {
			continue
		}
		caps = append(caps, res.Capabilities)
		if res.ServerInfo != nil {
			infos = append(infos, *res.ServerInfo)
		}
	}

	merged := InitializeResult{Capabilities: mergeCapabilities(caps)}
	if len(infos) > 0 {
		name, version, anyVersion := infos[0].Name, infos[0].Version, infos[0].Version != ""
		for _, info := range infos[1:] {
			name += "+" + info.Name
			version += "+" + info.Version
			anyVersion = anyVersion || info.Version != ""
		}
		merged.ServerInfo = &ServerInfo{Name: name}
		if anyVersion {
			merged.ServerInfo.Version = version
		}
	}
	return merged, nil
}

// mergeShutdown replies success after all addressed servers have
// replied (or the deadline elapsed); per-server errors collapse into
// success unless every addressed server failed.
func mergeShutdown(collected map[int]CollectedResult, addressed []int) (interface{}, *RPCError) {
	if len(addressed) == 0 {
		return nil, nil
	}
	allFailed := true
	for _, i := range addressed {
		if cr, ok := collected[i]; ok && cr.Err == nil {
			allFailed = false
			break
		}
	}
	if allFailed {
		return nil, &RPCError{Code: -32603, Message: "all servers failed to shut down cleanly"}
	}
	return nil, nil
}

// mergeConcat concatenates result arrays in server-index order,
// preserving duplicates (textDocument/codeAction).
func mergeConcat(collected map[int]CollectedResult, addressed []int) (interface{}, *RPCError) {
	indices := sortedKeysPresent(collected, addressed)
	out := []json.RawMessage{}
	for _, i := range indices {
		cr := collected[i]
		if cr.Err != nil {
			continue
		}
		items, err := asArray(cr.Result)
		if err != nil {
			continue
		}
		out = append(out, items...)
	}
	return out, nil
}

// locationKey identifies a Location for dedup purposes.
type locationKey struct {
	URI        string
	StartLine  int
	StartChar  int
	EndLine    int
	EndChar    int
}

// mergeConcatDedup concatenates result arrays in server-index order
// and deduplicates by (uri, range) (textDocument/definition and
// siblings). A bare object result is treated as a length-1 array;
// null is treated as empty.
func mergeConcatDedup(collected map[int]CollectedResult, addressed []int) (interface{}, *RPCError) {
	indices := sortedKeysPresent(collected, addressed)
	seen := map[locationKey]bool{}
	out := []json.RawMessage{}
	for _, i := range indices {
		cr := collected[i]
		if cr.Err != nil {
			continue
		}
		items, err := asArray(cr.Result)
		if err != nil {
			continue
		}
		for _, raw := range items {
			var loc Location
			if err := json.Unmarshal(raw, &loc); err != nil {
				out = append(out, raw) // not location-shaped; keep it rather than drop silently
				continue
			}
			key := locationKey{loc.URI, loc.Range.Start.Line, loc.Range.Start.Character, loc.Range.End.Line, loc.Range.End.Character}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, raw)
		}
	}
	return out, nil
}

// asArray normalizes a JSON-RPC result that may be an array, a single
// object, or null into a slice of raw elements.
func asArray(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	return []json.RawMessage{raw}, nil
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// sortedKeysPresent returns the subset of addressed indices that have
// an entry in collected, sorted ascending (server-index order).
func sortedKeysPresent(collected map[int]CollectedResult, addressed []int) []int {
	out := make([]int, 0, len(addressed))
	for _, i := range addressed {
		if _, ok := collected[i]; ok {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}
