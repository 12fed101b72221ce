// -*- Mode: Go; indent-tabs-mode: t -*-

package archpass

// SameABIAsTupleForTest exposes (*Pass).sameABIAsTuple for white-box
// testing without requiring a full Pass.Run() invocation.
func SameABIAsTupleForTest(tuple Tuple, path string) (bool, error) {
	p := &Pass{Config: Config{Tuple: tuple}}
	return p.sameABIAsTuple(path)
}
