package modules

// Dependencies lets tests inject faults into the transfer engine without
// threading a mock HTTP server through every call site. Call sites that
// would otherwise be unconditionally correct consult Disrupt before
// proceeding.
//
// The production engine uses ProductionDependencies, whose methods are
// all no-ops / pass-throughs.
type Dependencies interface {
	// Disrupt returns true if the named disruption point should trigger.
	// Call sites check this before doing something that is normally
	// reliable (e.g. "disk write succeeds") to simulate the failure.
	Disrupt(string) bool
}

// ProductionDependencies is the default, no-op Dependencies
// implementation used outside of tests.
type ProductionDependencies struct{}

// Disrupt always returns false in production.
func (ProductionDependencies) Disrupt(string) bool { return false }
