// Package randseq provides reproducible pseudo-random sequences so that
// question variants are identical across reloads and across grader and
// learner views of the same session.
package randseq

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Standard linear-congruential constants (Numerical Recipes), modulus 2^32.
const (
	multiplier = 1664525
	increment  = 1013904223
	modulus    = 1 << 32
)

// Sequence is a deterministic pseudo-random sequence. Its output is a
// pure function of the seed and the call order; there is no hidden
// entropy.
type Sequence struct {
	state uint32
}

// New returns a sequence initialized with seed.
func New(seed uint32) *Sequence {
	return &Sequence{state: seed}
}

// SetSeed reinitializes the sequence.
func (s *Sequence) SetSeed(seed uint32) {
	s.state = seed
}

// Float advances the sequence and returns a uniform float in [0, 1).
func (s *Sequence) Float() float64 {
	s.state = s.state*multiplier + increment // mod 2^32 by uint32 wraparound
	return float64(s.state) / float64(modulus)
}

// Range advances the sequence and returns a uniformly-distributed
// integer in [min, max] inclusive.
func (s *Sequence) Range(min, max int) int {
	if max < min {
		min, max = max, min
	}
	return min + int(s.Float()*float64(max-min+1))
}

// Upto advances the sequence and returns an integer in [1, max].
func (s *Sequence) Upto(max int) int {
	return s.Range(1, max)
}

// DerivedSeed computes the seed for a per-slide or per-plugin sequence.
// Each (chapter, slide) pair maps to a distinct offset so two plugin
// instances never share a sequence.
func DerivedSeed(globalSeed uint32, chapterNum, slideNum int) uint32 {
	return globalSeed + 256*uint32((1+chapterNum)*256+slideNum)
}

// NewSeed draws a fresh session seed from the system entropy source.
// This is the only nondeterministic call in the package; it happens once
// per session creation.
func NewSeed() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generate random seed: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// Bank manages named sequences, so independent consumers (plugins,
// choice shuffling) can reseed and advance without interfering.
type Bank struct {
	seqs map[string]*Sequence
}

// NewBank returns an empty sequence bank.
func NewBank() *Bank {
	return &Bank{seqs: make(map[string]*Sequence)}
}

// SetSeed initializes (or reinitializes) the named sequence.
func (b *Bank) SetSeed(name string, seed uint32) {
	if s, ok := b.seqs[name]; ok {
		s.SetSeed(seed)
		return
	}
	b.seqs[name] = New(seed)
}

// Get returns the named sequence, or nil if it was never seeded.
func (b *Bank) Get(name string) *Sequence {
	return b.seqs[name]
}
