package store

import "strings"

// Node types. The set is closed; anything else is stored as TypeNote.
const (
	TypeConversation   = "conversation"
	TypeCode           = "code"
	TypeArchitecture   = "architecture"
	TypeDecision       = "decision"
	TypePattern        = "pattern"
	TypeSummary        = "summary"
	TypeWebKnowledge   = "web_knowledge"
	TypeSecurityThreat = "security_threat"
	TypeDefenseAction  = "defense_action"
	TypeNote           = "note"
)

// NodeTypes lists every accepted node type.
var NodeTypes = []string{
	TypeConversation, TypeCode, TypeArchitecture, TypeDecision, TypePattern,
	TypeSummary, TypeWebKnowledge, TypeSecurityThreat, TypeDefenseAction, TypeNote,
}

var nodeTypeSet = func() map[string]bool {
	m := make(map[string]bool, len(NodeTypes))
	for _, t := range NodeTypes {
		m[t] = true
	}
	return m
}()

// NormalizeType lowercases a node type and maps unknown values to TypeNote.
// ok reports whether the input was a known type.
func NormalizeType(t string) (normalized string, ok bool) {
	t = strings.ToLower(strings.TrimSpace(t))
	t = strings.ReplaceAll(t, "-", "_")
	if nodeTypeSet[t] {
		return t, true
	}
	return TypeNote, false
}

// Common edge relations. Any non-empty relation name is accepted.
const (
	RelImports    = "imports"
	RelDependsOn  = "depends_on"
	RelRelatedTo  = "related_to"
	RelFixes      = "fixes"
	RelReferences = "references"
	RelSupersedes = "supersedes"
)

