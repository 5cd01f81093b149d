package ir

// LedgerVersion is the current ledger document format version.
const LedgerVersion = 1

// Ledger is the persisted record of every deployed target.
type Ledger struct {
	Version int
	Plugins map[string]string // plugin name -> hook source
	Targets []*TargetRecord
}

// TargetRecord is a snapshot of one deployed target: its non-ephemeral
// fields, keyed by the plugin that owns it.
type TargetRecord struct {
	Plugin string
	State  Values

	// IdentityKeys are persisted with the record and hoisted to the top of
	// State when serialized.
	IdentityKeys []string
}

// NewLedger returns an empty ledger at the current version.
func NewLedger() *Ledger {
	return &Ledger{
		Version: LedgerVersion,
		Plugins: map[string]string{},
	}
}
