// Package crdt implements the replicated state carried on document sync
// channels: a Logoot-style sequence of runes for text content and a map of
// last-writer-wins registers for cursor presence. Updates from any number of
// replicas merge to the same result regardless of delivery order.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	minDigit uint32 = 0
	maxDigit uint32 = 1 << 31
)

// ErrInvalidUpdate indicates an update payload that cannot be decoded.
var ErrInvalidUpdate = errors.New("crdt: invalid update")

// Segment is one level of a position identifier. Actor and Clock make every
// generated segment globally unique, so a position never collides even when
// two replicas pick the same digit in the same gap.
type Segment struct {
	Digit uint32 `json:"d"`
	Actor string `json:"a"`
	Clock uint64 `json:"c"`
}

// Position is a dense identifier: between any two distinct positions another
// position can always be constructed.
type Position []Segment

func compareSegments(left, right Segment) int {
	switch {
	case left.Digit != right.Digit:
		if left.Digit < right.Digit {
			return -1
		}
		return 1
	case left.Actor != right.Actor:
		return strings.Compare(left.Actor, right.Actor)
	case left.Clock != right.Clock:
		if left.Clock < right.Clock {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Compare orders positions lexicographically; a strict prefix sorts first.
func Compare(left, right Position) int {
	for depth := 0; depth < len(left) && depth < len(right); depth++ {
		if c := compareSegments(left[depth], right[depth]); c != 0 {
			return c
		}
	}
	switch {
	case len(left) < len(right):
		return -1
	case len(left) > len(right):
		return 1
	default:
		return 0
	}
}

func (position Position) key() string {
	var builder strings.Builder
	for _, segment := range position {
		fmt.Fprintf(&builder, "%d.%s.%d/", segment.Digit, segment.Actor, segment.Clock)
	}
	return builder.String()
}

// OpKind discriminates sequence operations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
)

// Op is a single insert or delete addressed by position.
type Op struct {
	Kind OpKind   `json:"kind"`
	Pos  Position `json:"pos"`
	Rune rune     `json:"rune,omitempty"`
}

// Update is a batch of operations generated by one replica in one transaction.
type Update struct {
	Actor string `json:"actor"`
	Ops   []Op   `json:"ops"`
}

// EncodeUpdate serializes an update for the wire.
func EncodeUpdate(update Update) ([]byte, error) {
	return json.Marshal(update)
}

// DecodeUpdate parses a wire update.
func DecodeUpdate(raw []byte) (Update, error) {
	var update Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return update, nil
}

type atom struct {
	pos Position
	r   rune
}

// Sequence is one replica of the text. Deleted positions are remembered in a
// tombstone set so a delete arriving before its insert still converges.
type Sequence struct {
	actor      string
	clock      uint64
	atoms      []atom
	tombstones map[string]Position
}

// NewSequence returns an empty replica owned by actor.
func NewSequence(actor string) *Sequence {
	return &Sequence{
		actor:      actor,
		tombstones: make(map[string]Position),
	}
}

// Actor returns the replica's actor id.
func (sequence *Sequence) Actor() string {
	return sequence.actor
}

// Len returns the number of live runes.
func (sequence *Sequence) Len() int {
	return len(sequence.atoms)
}

// Text materializes the replica content.
func (sequence *Sequence) Text() string {
	var builder strings.Builder
	for _, a := range sequence.atoms {
		builder.WriteRune(a.r)
	}
	return builder.String()
}

func (sequence *Sequence) nextClock() uint64 {
	sequence.clock++
	return sequence.clock
}

// positionBetween constructs a fresh position strictly between left and
// right. Either side may be nil, standing for the sequence boundary.
func (sequence *Sequence) positionBetween(left, right Position) Position {
	prefix := make(Position, 0, len(left)+1)
	rightRelevant := true
	for depth := 0; ; depth++ {
		leftSegment := Segment{Digit: minDigit}
		if depth < len(left) {
			leftSegment = left[depth]
		}
		rightSegment := Segment{Digit: maxDigit}
		if rightRelevant && depth < len(right) {
			rightSegment = right[depth]
		}

		if rightSegment.Digit-leftSegment.Digit > 1 {
			digit := leftSegment.Digit + (rightSegment.Digit-leftSegment.Digit)/2
			return append(prefix, Segment{Digit: digit, Actor: sequence.actor, Clock: sequence.nextClock()})
		}

		// No room at this level: follow the left identifier one level down.
		// Once the copied segment sorts strictly below the right one, any
		// deeper extension stays below right, so right drops out.
		prefix = append(prefix, leftSegment)
		if compareSegments(leftSegment, rightSegment) != 0 {
			rightRelevant = false
		}
	}
}

func (sequence *Sequence) indexOf(position Position) (int, bool) {
	index := sort.Search(len(sequence.atoms), func(i int) bool {
		return Compare(sequence.atoms[i].pos, position) >= 0
	})
	if index < len(sequence.atoms) && Compare(sequence.atoms[index].pos, position) == 0 {
		return index, true
	}
	return index, false
}

// InsertAt generates insert operations for text at rune index and applies
// them locally.
func (sequence *Sequence) InsertAt(index int, text string) Update {
	if index < 0 {
		index = 0
	}
	if index > len(sequence.atoms) {
		index = len(sequence.atoms)
	}

	update := Update{Actor: sequence.actor}
	for _, r := range text {
		var left, right Position
		if index > 0 {
			left = sequence.atoms[index-1].pos
		}
		if index < len(sequence.atoms) {
			right = sequence.atoms[index].pos
		}
		position := sequence.positionBetween(left, right)
		sequence.atoms = append(sequence.atoms, atom{})
		copy(sequence.atoms[index+1:], sequence.atoms[index:])
		sequence.atoms[index] = atom{pos: position, r: r}
		update.Ops = append(update.Ops, Op{Kind: OpInsert, Pos: position, Rune: r})
		index++
	}
	return update
}

// DeleteRange generates delete operations for rune indexes [start, end) and
// applies them locally.
func (sequence *Sequence) DeleteRange(start, end int) Update {
	if start < 0 {
		start = 0
	}
	if end > len(sequence.atoms) {
		end = len(sequence.atoms)
	}
	update := Update{Actor: sequence.actor}
	if start >= end {
		return update
	}
	for _, a := range sequence.atoms[start:end] {
		update.Ops = append(update.Ops, Op{Kind: OpDelete, Pos: a.pos})
		sequence.tombstones[a.pos.key()] = a.pos
	}
	sequence.atoms = append(sequence.atoms[:start], sequence.atoms[end:]...)
	return update
}

// ReplaceAll replaces the whole content with text, trimming the common
// prefix and suffix so only the changed middle produces operations. The
// returned update may be empty when text already matches.
func (sequence *Sequence) ReplaceAll(text string) Update {
	current := []rune(sequence.Text())
	desired := []rune(text)

	prefix := 0
	for prefix < len(current) && prefix < len(desired) && current[prefix] == desired[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(desired)-prefix &&
		current[len(current)-1-suffix] == desired[len(desired)-1-suffix] {
		suffix++
	}

	update := sequence.DeleteRange(prefix, len(current)-suffix)
	inserted := sequence.InsertAt(prefix, string(desired[prefix:len(desired)-suffix]))
	update.Ops = append(update.Ops, inserted.Ops...)
	return update
}

// Snapshot returns an update that reconstructs this replica on an empty
// peer: an insert per live rune plus a delete per tombstoned position. The
// tombstones matter even though their runes are gone; without them a peer
// could resurrect a deleted rune from a late-arriving insert.
func (sequence *Sequence) Snapshot() Update {
	update := Update{Actor: sequence.actor}
	for _, a := range sequence.atoms {
		update.Ops = append(update.Ops, Op{Kind: OpInsert, Pos: a.pos, Rune: a.r})
	}
	for _, position := range sequence.tombstones {
		update.Ops = append(update.Ops, Op{Kind: OpDelete, Pos: position})
	}
	return update
}

// Apply merges a (possibly remote, possibly duplicated) update into the
// replica. It reports whether the visible text changed.
func (sequence *Sequence) Apply(update Update) bool {
	changed := false
	for _, op := range update.Ops {
		switch op.Kind {
		case OpInsert:
			if _, dead := sequence.tombstones[op.Pos.key()]; dead {
				continue
			}
			index, exists := sequence.indexOf(op.Pos)
			if exists {
				continue
			}
			sequence.atoms = append(sequence.atoms, atom{})
			copy(sequence.atoms[index+1:], sequence.atoms[index:])
			sequence.atoms[index] = atom{pos: op.Pos, r: op.Rune}
			changed = true
		case OpDelete:
			key := op.Pos.key()
			if _, dead := sequence.tombstones[key]; dead {
				continue
			}
			sequence.tombstones[key] = op.Pos
			if index, exists := sequence.indexOf(op.Pos); exists {
				sequence.atoms = append(sequence.atoms[:index], sequence.atoms[index+1:]...)
				changed = true
			}
		}
	}
	return changed
}
