package program

// Stats counts what a rewrite did. It is filled in by the passes and
// returned to the caller.
type Stats struct {
	FunctionsRewritten      int `json:"functions_rewritten"`
	FunctionsIgnored        int `json:"functions_ignored"`
	Instructions            int `json:"instructions"`
	// UnreachableInstructions have no path from their function's entry.
	UnreachableInstructions int `json:"unreachable_instructions"`
	SwitchesRecovered       int `json:"switches_recovered"`
	SwitchesAbandoned       int `json:"switches_abandoned"`
	PointerTables           int `json:"pointer_tables"`
	GlobalsFixed            int `json:"globals_fixed"`
	GlobalsAmbiguous        int `json:"globals_ambiguous"`
	LiteralsSymbolized      int `json:"literals_symbolized"`
	DataRelocations         int `json:"data_relocations"`
	ShortBranchesFixed      int `json:"short_branches_fixed"`
	JumpTablesWidened       int `json:"jump_tables_widened"`
	LiteralPools            int `json:"literal_pools"`
	FatalTargets            int `json:"fatal_targets"`
}
