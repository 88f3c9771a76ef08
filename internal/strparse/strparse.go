// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package strparse provides facilities for parsing strings, intended for use in
// tests and debug input.
package strparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebblesdb/internal/base"
)

// Parser is a helper used to implement parsing of strings, like
// manifest.ParseVersionEditDebug.
//
// It takes a string and splits it into tokens. Tokens are separated by
// whitespace; in addition user-specified separators are also always separate
// tokens. For example, when passed the separators `:-[]();` the string
// `000001:[a - b]` results in tokens `000001`, `:`, `[`, `a`, `-`, `b`, `]`, .
//
// All Parser methods throw panics instead of returning errors. The code
// that uses a Parser can recover them and convert them to errors.
type Parser struct {
	original  string
	tokens    []token
	lastToken token
}

type token struct {
	tok    string
	offset int
}

// MakeParser constructs a new Parser that converts any instance of the runes
// contained in [separators] into separate tokens, and consumes the provided
// input string.
func MakeParser(separators string, input string) Parser {
	p := Parser{original: input}

	s := input
	off := 0
	for len(s) > 0 {
		nonWhiteSpacePos := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) })
		switch nonWhiteSpacePos {
		case -1:
			// Only whitespace.
			off += len(s)
			s = s[len(s):]
		case 0:
			// s is the beginning of a non-whitespace token.
			// It might be a separator, or it might be an arbitrary token
			wsPos := strings.IndexFunc(s, unicode.IsSpace)
			switch pos := strings.IndexAny(s, separators); pos {
			case -1:
				if wsPos == -1 {
					wsPos = len(s)
				}
				p.tokens = append(p.tokens, token{tok: s[:wsPos], offset: off})
				off += wsPos
				s = s[wsPos:]
			case 0:
				p.tokens = append(p.tokens, token{tok: s[:1], offset: off})
				off += 1
				s = s[1:]
			default:
				if wsPos != -1 && wsPos < pos {
					pos = wsPos
				}
				p.tokens = append(p.tokens, token{tok: s[:pos], offset: off})
				off += pos
				s = s[pos:]
			}
		default:
			// Whitespace.
			off += nonWhiteSpacePos
			s = s[nonWhiteSpacePos:]
		}
	}
	return p
}

// Done returns true if there are no more tokens.
func (p *Parser) Done() bool {
	return len(p.tokens) == 0
}

// Peek returns the next token, without consuming the token. Returns "" if there
// are no more tokens.
func (p *Parser) Peek() string {
	if p.Done() {
		p.lastToken = token{}
		return ""
	}
	p.lastToken = p.tokens[0]
	return p.tokens[0].tok
}

// Next returns the next token, or "" if there are no more tokens.
func (p *Parser) Next() string {
	res := p.Peek()
	if res != "" {
		p.tokens = p.tokens[1:]
	}
	return res
}

// Expect consumes the next tokens, verifying that they exactly match the
// arguments.
func (p *Parser) Expect(tokens ...string) {
	for _, tok := range tokens {
		if res := p.Next(); res != tok {
			p.Errf("expected %q, got %q", tok, res)
		}
	}
}

var levelRE = regexp.MustCompile(`^L([0-9]+)$`)

// TryLevel tries to parse a token as a level (e.g. L1, L12). If successful,
// the token is consumed. Levels beyond the configured level count parse
// successfully; validating them is up to the caller.
func (p *Parser) TryLevel() (level int, ok bool) {
	m := levelRE.FindStringSubmatch(p.Peek())
	if m == nil {
		return 0, false
	}
	p.Next()
	level, err := strconv.Atoi(m[1])
	if err != nil {
		p.Errf("cannot parse level: %v", err)
	}
	return level, true
}

// Level parses the next token as a level.
func (p *Parser) Level() int {
	level, ok := p.TryLevel()
	if !ok {
		p.Errf("cannot parse level")
	}
	return level
}

// Uint64 parses the next token as an uint64.
func (p *Parser) Uint64() uint64 {
	x, err := strconv.ParseUint(p.Next(), 10, 64)
	if err != nil {
		p.Errf("cannot parse number: %v", err)
	}
	return x
}

// Uint32 parses the next token as an uint32.
func (p *Parser) Uint32() uint32 {
	x, err := strconv.ParseUint(p.Next(), 10, 32)
	if err != nil {
		p.Errf("cannot parse number: %v", err)
	}
	return uint32(x)
}

// SeqNum parses the next token as a sequence number.
func (p *Parser) SeqNum() base.SeqNum {
	return base.ParseSeqNum(p.Next())
}

// SeqNumRange parses a sequence number range of the form [lo-hi].
func (p *Parser) SeqNumRange() (lo, hi base.SeqNum) {
	p.Expect("[")
	lo = p.SeqNum()
	p.Expect("-")
	hi = p.SeqNum()
	p.Expect("]")
	if lo > hi {
		p.Errf("invalid sequence number range [%s-%s]", lo, hi)
	}
	return lo, hi
}

// Bool parses the next token as a boolean.
func (p *Parser) Bool() bool {
	x, err := strconv.ParseBool(p.Next())
	if err != nil {
		p.Errf("cannot parse bool: %v", err)
	}
	return x
}

// FileNum parses the next token as a FileNum.
func (p *Parser) FileNum() base.FileNum {
	n, ok := base.ParseFileNum(p.Next())
	if !ok {
		p.Errf("cannot parse file number")
	}
	return n
}

// PathID parses the next token as a PathID.
func (p *Parser) PathID() base.PathID {
	x := p.Uint32()
	if base.PathID(x) > base.MaxPathID {
		p.Errf("path id %d out of range", x)
	}
	return base.PathID(x)
}

// InternalKey parses the next token as an internal key.
func (p *Parser) InternalKey() base.InternalKey {
	return base.ParseInternalKey(p.Next())
}

// KeyRange parses an internal key range of the form [smallest-largest].
func (p *Parser) KeyRange() (smallest, largest base.InternalKey) {
	p.Expect("[")
	smallest = p.InternalKey()
	p.Expect("-")
	largest = p.InternalKey()
	p.Expect("]")
	return smallest, largest
}

// Errf panics with an error which includes the original string and the last
// token.
func (p *Parser) Errf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(errors.Errorf("error parsing %q at token %q: %s", p.original, p.lastToken.tok, msg))
}
