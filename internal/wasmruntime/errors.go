// Package wasmruntime contains internal symbols shared between modules for error handling.
package wasmruntime

// TrapCode is the category of a fault raised by compiled code or a runtime library routine.
type TrapCode uint8

const (
	// TrapCodeStackOverflow is the default for a fault at a guard page, which is most often the stack guard.
	TrapCodeStackOverflow TrapCode = iota
	TrapCodeMemoryOutOfBounds
	TrapCodeHeapMisaligned
	TrapCodeTableOutOfBounds
	TrapCodeIndirectCallToNull
	TrapCodeBadSignature
	TrapCodeIntegerOverflow
	TrapCodeIntegerDivisionByZero
	TrapCodeBadConversionToInteger
	TrapCodeUnreachableCodeReached
	// TrapCodeInterrupt is set when compiled code stopped because Interrupts were requested.
	TrapCodeInterrupt

	trapCodeEnd
)

var trapCodeMessages = [...]string{
	TrapCodeStackOverflow:          "call stack exhausted",
	TrapCodeMemoryOutOfBounds:      "out of bounds memory access",
	TrapCodeHeapMisaligned:         "misaligned memory access",
	TrapCodeTableOutOfBounds:       "undefined element: out of bounds table access",
	TrapCodeIndirectCallToNull:     "uninitialized element",
	TrapCodeBadSignature:           "indirect call type mismatch",
	TrapCodeIntegerOverflow:        "integer overflow",
	TrapCodeIntegerDivisionByZero:  "integer divide by zero",
	TrapCodeBadConversionToInteger: "invalid conversion to integer",
	TrapCodeUnreachableCodeReached: "unreachable",
	TrapCodeInterrupt:              "interrupt",
}

var trapCodeNames = [...]string{
	TrapCodeStackOverflow:          "stack_overflow",
	TrapCodeMemoryOutOfBounds:      "memory_out_of_bounds",
	TrapCodeHeapMisaligned:         "heap_misaligned",
	TrapCodeTableOutOfBounds:       "table_out_of_bounds",
	TrapCodeIndirectCallToNull:     "indirect_call_to_null",
	TrapCodeBadSignature:           "bad_signature",
	TrapCodeIntegerOverflow:        "integer_overflow",
	TrapCodeIntegerDivisionByZero:  "integer_division_by_zero",
	TrapCodeBadConversionToInteger: "bad_conversion_to_integer",
	TrapCodeUnreachableCodeReached: "unreachable_code_reached",
	TrapCodeInterrupt:              "interrupt",
}

// Error implements error. It returns the human readable message, e.g. "integer divide by zero".
func (c TrapCode) Error() string {
	if c < trapCodeEnd {
		return trapCodeMessages[c]
	}
	return "unknown trap"
}

// String returns the name of the code, e.g. "integer_division_by_zero".
func (c TrapCode) String() string {
	if c < trapCodeEnd {
		return trapCodeNames[c]
	}
	return "unknown"
}
