// Package engine manages long-lived external analysis-engine child
// processes: spawning, the line-oriented protocol state machine, a
// semaphore-guarded pool, and the analysis driver that multiplexes
// synchronous request/response with asynchronous progress streaming.
package engine

import (
	"strconv"
	"strings"

	"github.com/ironfish/clusterd/internal/model"
)

// InfoLine is the parsed form of one "info ..." line from the engine.
// Unknown tokens are skipped; a trailing "pv <move>+" consumes the rest of
// the line.
type InfoLine struct {
	Depth      *uint8
	SelDepth   *uint8
	MultiPV    *uint8
	ScoreCP    *int32
	ScoreMate  *int32
	Nodes      *uint64
	NPS        *uint64
	TimeMs     *uint64
	HashFull   *uint32
	CurrMove   *string
	PV         []string
}

// HasPVOrScore reports whether this info line carries enough content to be
// worth emitting as a progress snapshot (spec §4.1 step 4).
func (l *InfoLine) HasPVOrScore() bool {
	return len(l.PV) > 0 || l.ScoreCP != nil || l.ScoreMate != nil
}

// ParseInfoLine parses the whitespace-separated tokens of an "info" line.
func ParseInfoLine(line string) InfoLine {
	fields := strings.Fields(line)
	var out InfoLine

	for i := 0; i < len(fields); i++ {
		tok := fields[i]
		switch tok {
		case "depth":
			if v, ok := nextUint8(fields, &i); ok {
				out.Depth = &v
			}
		case "seldepth":
			if v, ok := nextUint8(fields, &i); ok {
				out.SelDepth = &v
			}
		case "multipv":
			if v, ok := nextUint8(fields, &i); ok {
				out.MultiPV = &v
			}
		case "score":
			if i+2 < len(fields) {
				kind := fields[i+1]
				if v, err := strconv.ParseInt(fields[i+2], 10, 32); err == nil {
					vi := int32(v)
					switch kind {
					case "cp":
						out.ScoreCP = &vi
					case "mate":
						out.ScoreMate = &vi
					}
					i += 2
				}
			}
		case "nodes":
			if v, ok := nextUint64(fields, &i); ok {
				out.Nodes = &v
			}
		case "nps":
			if v, ok := nextUint64(fields, &i); ok {
				out.NPS = &v
			}
		case "time":
			if v, ok := nextUint64(fields, &i); ok {
				out.TimeMs = &v
			}
		case "hashfull":
			if i+1 < len(fields) {
				if v, err := strconv.ParseUint(fields[i+1], 10, 32); err == nil {
					vv := uint32(v)
					out.HashFull = &vv
					i++
				}
			}
		case "currmove":
			if i+1 < len(fields) {
				v := fields[i+1]
				out.CurrMove = &v
				i++
			}
		case "pv":
			// Consumes the rest of the line.
			out.PV = append([]string(nil), fields[i+1:]...)
			i = len(fields)
		default:
			// Unknown token, skipped.
		}
	}

	return out
}

func nextUint8(fields []string, i *int) (uint8, bool) {
	if *i+1 >= len(fields) {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[*i+1], 10, 8)
	if err != nil {
		return 0, false
	}
	*i++
	return uint8(v), true
}

func nextUint64(fields []string, i *int) (uint64, bool) {
	if *i+1 >= len(fields) {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[*i+1], 10, 64)
	if err != nil {
		return 0, false
	}
	*i++
	return v, true
}

// BestMoveLine is the parsed form of a terminal "bestmove ..." line.
type BestMoveLine struct {
	BestMove string
	Ponder   string
}

// IsBestMoveLine reports whether line starts with the bestmove token.
func IsBestMoveLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "bestmove")
}

// ParseBestMoveLine parses "bestmove <uci> [ponder <uci>]".
func ParseBestMoveLine(line string) BestMoveLine {
	fields := strings.Fields(line)
	var out BestMoveLine
	for i := 0; i < len(fields); i++ {
		switch fields[i] {
		case "bestmove":
			if i+1 < len(fields) {
				out.BestMove = fields[i+1]
				i++
			}
		case "ponder":
			if i+1 < len(fields) {
				out.Ponder = fields[i+1]
				i++
			}
		}
	}
	return out
}

// toEvaluation converts whichever of ScoreCP/ScoreMate is set on an InfoLine
// into a model.Evaluation, preferring mate if both are somehow present.
func (l *InfoLine) toEvaluation() *model.Evaluation {
	if l.ScoreMate != nil {
		return &model.Evaluation{ScoreType: model.ScoreMate, Value: *l.ScoreMate}
	}
	if l.ScoreCP != nil {
		return &model.Evaluation{ScoreType: model.ScoreCentipawns, Value: *l.ScoreCP}
	}
	return nil
}
