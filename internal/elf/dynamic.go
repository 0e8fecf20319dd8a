package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// DynTags is the decoded form of a .dynamic section: a closed, small set
// of tags, each mapping to its value (for repeating tags like DT_NEEDED,
// only the first occurrence is kept -- nothing in this pipeline needs the
// full multiset).
type DynTags map[elf.DynTag]uint64

// ParseDynamic decodes the tag/value pairs packed in a PT_DYNAMIC segment
// or .dynamic section. Decoding stops at DT_NULL or when the data runs out.
func ParseDynamic(data []byte, class Class, order binary.ByteOrder) DynTags {
	tags := make(DynTags)
	entsize := class.WordSize() * 2
	r := bytes.NewReader(data)
	for r.Len() >= entsize {
		var tag elf.DynTag
		var val uint64
		if class.Is64() {
			var d elf.Dyn64
			if binary.Read(r, order, &d) != nil {
				break
			}
			tag, val = elf.DynTag(d.Tag), d.Val
		} else {
			var d elf.Dyn32
			if binary.Read(r, order, &d) != nil {
				break
			}
			tag, val = elf.DynTag(d.Tag), uint64(d.Val)
		}
		if tag == elf.DT_NULL {
			break
		}
		if _, ok := tags[tag]; !ok {
			tags[tag] = val
		}
	}
	return tags
}

// Addr returns the value of an address-valued tag, and whether it was present.
func (t DynTags) Addr(tag elf.DynTag) (uint64, bool) {
	v, ok := t[tag]
	return v, ok
}
