package checkpoints

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinGZIP represents the GZIP compressed binary file format.
	BinGZIP BinFormat = iota
	// BinUncompressed stores the reduction values as they are.
	BinUncompressed
)

func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return fmt.Sprintf("BinFormat(%d)", int(bf))
	}
}

// Mode selects whether a Handler records reduction results or replays a previously recorded run.
type Mode int

const (
	// ModeRecord keeps every reduction result read, to be persisted by Handler.Save.
	ModeRecord Mode = iota
	// ModeReplay answers reduction reads from the latest saved checkpoint of the same rank.
	// Once the saved log is exhausted it falls back to recording.
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModeReplay:
		return "replay"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts "record" or "replay" (case-insensitive) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "record":
		return ModeRecord, nil
	case "replay":
		return ModeReplay, nil
	}
	return ModeRecord, errors.Errorf("unknown checkpoint mode %q, valid values are \"record\" or \"replay\"", s)
}
