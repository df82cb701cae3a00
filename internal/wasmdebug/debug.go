// Package wasmdebug renders the symbolic stack trace of a trap: function names with their signatures and the
// module-relative offset of each frame, optionally followed by DWARF source lines.
package wasmdebug

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmcore/internal/wasm"
)

// FuncName returns the naming convention of "moduleName.funcName".
//
//   - moduleName is the possibly empty name the module was instantiated with.
//   - funcName is the name in the Custom Name section.
//   - funcIdx is the position in the function index, prefixed with
//     imported functions.
//
// Note: "moduleName.$funcIdx" is used when the funcName is empty, as commonly
// the case in TinyGo.
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	var ret strings.Builder

	// Start module.function
	ret.WriteString(moduleName)
	ret.WriteByte('.')
	if funcName == "" {
		ret.WriteByte('$')
		ret.WriteString(strconv.Itoa(int(funcIdx)))
	} else {
		ret.WriteString(funcName)
	}

	return ret.String()
}

// signature returns a formatted signature similar to how it is defined in Go.
//
// * paramTypes should be from wasm.FunctionType
// * resultTypes should be from wasm.FunctionType
func signature(funcName string, paramTypes []api.ValueType, resultTypes []api.ValueType) string {
	var ret strings.Builder
	ret.WriteString(funcName)

	// Start params
	ret.WriteByte('(')
	paramCount := len(paramTypes)
	switch paramCount {
	case 0:
	case 1:
		ret.WriteString(wasm.ValueTypeName(paramTypes[0]))
	default:
		ret.WriteString(wasm.ValueTypeName(paramTypes[0]))
		for _, vt := range paramTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(wasm.ValueTypeName(vt))
		}
	}
	ret.WriteByte(')')

	// Start results
	resultCount := len(resultTypes)
	switch resultCount {
	case 0:
	case 1:
		ret.WriteByte(' ')
		ret.WriteString(wasm.ValueTypeName(resultTypes[0]))
	default: // As this is used for errors, don't panic if there are multiple returns, even if that's invalid!
		ret.WriteByte(' ')
		ret.WriteByte('(')
		ret.WriteString(wasm.ValueTypeName(resultTypes[0]))
		for _, vt := range resultTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(wasm.ValueTypeName(vt))
		}
		ret.WriteByte(')')
	}

	return ret.String()
}

// MaxFrames is the maximum number of frames rendered in a stack trace.
// Frames past this are dropped so that a runaway recursion doesn't produce an unbounded error message.
const MaxFrames = 30

// UnknownOffset is passed to StackTrace.AddFrame when the module-relative offset of a frame is not known.
const UnknownOffset = ^uint64(0)

// StackTrace accumulates the frames of a wasm stack trace, innermost first.
// The zero value is ready to use.
type StackTrace struct {
	// lines are the rendered frames, each followed by its indented source lines.
	lines []string
	// frameCount is the number of frames added so far, capped at MaxFrames.
	frameCount int
}

// AddFrame adds the next frame.
//
//   - funcName should be from FuncName
//   - paramTypes should be from wasm.FunctionType
//   - resultTypes should be from wasm.FunctionType
//   - offset is the module-relative offset of the instruction, or UnknownOffset.
//   - sources is the source code information for this frame, innermost inlined call first.
//
// Note: paramTypes and resultTypes are present because signature misunderstanding, mismatch or overflow are common.
func (s *StackTrace) AddFrame(funcName string, paramTypes, resultTypes []api.ValueType, offset uint64, sources []string) {
	if s.frameCount == MaxFrames {
		return
	}
	s.frameCount++
	line := signature(funcName, paramTypes, resultTypes)
	if offset != UnknownOffset {
		line = fmt.Sprintf("%s +%#x", line, offset)
	}
	s.lines = append(s.lines, line)
	for _, source := range sources {
		s.lines = append(s.lines, "\t"+source)
	}
	if s.frameCount == MaxFrames {
		s.lines = append(s.lines, "... maybe followed by omitted frames")
	}
}

// Len returns the number of frames added, at most MaxFrames.
func (s *StackTrace) Len() int {
	return s.frameCount
}

// String renders the stack trace starting with "wasm stack trace:", or returns the empty string when there are no
// frames.
func (s *StackTrace) String() string {
	if s.frameCount == 0 {
		return ""
	}
	return "wasm stack trace:\n\t" + strings.Join(s.lines, "\n\t")
}
