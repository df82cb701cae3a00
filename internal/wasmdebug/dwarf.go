package wasmdebug

import (
	"debug/dwarf"
	"fmt"
	"sort"
)

// SourceLines returns the source locations for the given instructionOffset, which is an offset in the code section of
// the original Wasm binary. The first line is where the instruction is; the rest, if any, are the call sites of the
// functions inlined at that point, innermost first. Returns nil if the info is not found.
func SourceLines(d *dwarf.Data, instructionOffset uint64) []string {
	if d == nil {
		return nil
	}

	r := d.Reader()
	cu, err := r.SeekPC(instructionOffset)
	if err != nil {
		return nil
	}

	lineReader, err := d.LineReader(cu)
	if err != nil || lineReader == nil {
		return nil
	}

	var le dwarf.LineEntry
	if err = lineReader.SeekPC(instructionOffset, &le); err != nil {
		return nil
	}
	ret := []string{fmt.Sprintf("%#x: %s:%d:%d", le.Address, le.File.Name, le.Line, le.Column)}

	// The reader is now positioned at the first child of the compilation unit. Inlined subroutines covering the
	// offset nest outermost first.
	files := lineReader.Files()
	var inlined []string
	for {
		entry, err := r.Next()
		if err != nil || entry == nil || entry.Tag == dwarf.TagCompileUnit {
			break
		}
		if entry.Tag != dwarf.TagInlinedSubroutine || !covers(d, entry, instructionOffset) {
			continue
		}
		fileIdx, _ := entry.Val(dwarf.AttrCallFile).(int64)
		line, _ := entry.Val(dwarf.AttrCallLine).(int64)
		col, _ := entry.Val(dwarf.AttrCallColumn).(int64)
		if fileIdx <= 0 || int(fileIdx) >= len(files) || files[fileIdx] == nil {
			continue
		}
		inlined = append(inlined, fmt.Sprintf("%s:%d:%d (inlined)", files[fileIdx].Name, line, col))
	}
	for i := len(inlined) - 1; i >= 0; i-- {
		ret = append(ret, inlined[i])
	}
	return ret
}

func covers(d *dwarf.Data, entry *dwarf.Entry, pc uint64) bool {
	ranges, err := d.Ranges(entry)
	if err != nil {
		return false
	}
	i := sort.Search(len(ranges), func(i int) bool { return ranges[i][1] > pc })
	return i < len(ranges) && ranges[i][0] <= pc
}
