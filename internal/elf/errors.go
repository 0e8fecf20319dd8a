package elf

import "github.com/pkg/errors"

var (
	errNotELF           = errors.New("not an ELF file")
	errUnsupportedClass = errors.New("unsupported ELF class")
	errUnknownByteOrder = errors.New("unknown ELF byte order")
	errShortFile        = errors.New("file too short for ELF header")
	errNoNoteSegment    = errors.New("no PT_NOTE segment")
)
