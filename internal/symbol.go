package internal

import (
	"encoding/binary"
	"hash/fnv"
	"hash/maphash"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"unicode/utf8"
	"unique"
	"weak"
)

// Symbol is an interned identifier. Symbols with equal content and encoding
// class obtained from the same table are the same *Symbol.
type Symbol struct {
	str    string
	enc    *Encoding
	handle unique.Handle[string]
	hash   uint64
	id     int
}

// String returns the symbol's raw content.
func (s *Symbol) String() string {
	return s.str
}

// Bytes returns a copy of the symbol's raw content.
func (s *Symbol) Bytes() []byte {
	return []byte(s.str)
}

// Encoding returns the symbol's encoding class.
func (s *Symbol) Encoding() *Encoding {
	return s.enc
}

// Hash returns the symbol's hash, seeded per table.
func (s *Symbol) Hash() uint64 {
	return s.hash
}

// Handle returns the interned representation of the symbol's content. Symbols
// with the same content share a handle regardless of encoding.
func (s *Symbol) Handle() unique.Handle[string] {
	return s.handle
}

// StaticID returns the fixed identifier of an operator symbol.
func (s *Symbol) StaticID() (int, bool) {
	return s.id, s.id >= 0
}

// Inspect returns a Ruby-style literal for the symbol, such as :foo or
// :"foo bar".
func (s *Symbol) Inspect() string {
	d := s.enc.Decode([]byte(s.str))
	if s.id >= 0 || plainSymbol(d) {
		return ":" + d
	}
	return ":" + strconv.Quote(d)
}

// plainSymbol reports whether s can be written as a symbol literal without
// quotes.
func plainSymbol(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= utf8.RuneSelf:
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case (r == '?' || r == '!' || r == '=') && i == len(s)-1 && i > 0:
		default:
			return false
		}
	}
	return true
}

// staticIDs gives operator symbols fixed identifiers. Single-character
// operators use their character code.
var staticIDs = func() map[string]int {
	m := map[string]int{}
	for _, c := range "+-*/%<>!~^&|" {
		m[string(c)] = int(c)
	}
	for i, s := range []string{
		"..", "...", "**", "+@", "-@", "<=>", "==", "===", "!=", "=~", "!~",
		">=", "<=", "&&", "||", "<<", ">>", "[]", "[]=", "::", "`",
	} {
		m[s] = 128 + i
	}
	return m
}()

// symbolKey identifies a symbol by content and encoding class.
type symbolKey struct {
	content  string
	encoding string
}

// SymbolTable interns symbols. Entries are held weakly unless preserved.
type SymbolTable struct {
	seed maphash.Seed
	// fixed is a non-zero seed selecting deterministic hashes.
	fixed uint64

	// symbols maps symbolKey to weak.Pointer[Symbol].
	symbols sync.Map
	// preserved maps symbolKey to *Symbol for symbols that must stay alive.
	preserved sync.Map
}

// NewSymbolTable creates an empty symbol table. A zero seed selects random
// hashes.
func NewSymbolTable(seed uint64) *SymbolTable {
	return &SymbolTable{seed: maphash.MakeSeed(), fixed: seed}
}

// GetSymbol interns a Go string as a UTF-8 symbol.
func (t *SymbolTable) GetSymbol(s string) *Symbol {
	sym, err := t.GetSymbolBytes([]byte(s), UTF8, false)
	if err != nil {
		// Invalid UTF-8 in a Go string is kept as binary content.
		sym, _ = t.GetSymbolBytes([]byte(s), Binary, false)
	}
	return sym
}

// GetSymbolBytes interns raw content in the given encoding. ASCII-only content
// in an ASCII-compatible encoding is folded to US-ASCII. If preserve is true,
// the symbol is kept alive for the lifetime of the table.
func (t *SymbolTable) GetSymbolBytes(raw []byte, enc *Encoding, preserve bool) (*Symbol, error) {
	if enc == nil {
		enc = UTF8
	}
	if enc.ASCIICompatible && isASCII(raw) {
		enc = USASCII
	} else if enc == UTF8 && !utf8.Valid(raw) {
		return nil, NewExceptionf("EncodingError", "invalid symbol in encoding UTF-8 :%q", raw)
	}
	key := symbolKey{content: string(raw), encoding: enc.Name}
	sym := t.lookup(key, enc)
	if preserve {
		t.preserved.LoadOrStore(key, sym)
	}
	return sym, nil
}

// lookup finds or creates the symbol for key. When two goroutines race to
// create the same symbol, the one whose entry lands in the map wins and the
// other returns the winner's symbol.
func (t *SymbolTable) lookup(key symbolKey, enc *Encoding) *Symbol {
	for {
		if v, ok := t.symbols.Load(key); ok {
			if sym := v.(weak.Pointer[Symbol]).Value(); sym != nil {
				return sym
			}
			// The previous symbol was collected but its cleanup has not yet
			// removed the entry.
			sym := t.newSymbol(key, enc)
			wp := weak.Make(sym)
			if t.symbols.CompareAndSwap(key, v, wp) {
				t.track(sym, key, wp)
				return sym
			}
			continue
		}
		sym := t.newSymbol(key, enc)
		wp := weak.Make(sym)
		if v, loaded := t.symbols.LoadOrStore(key, wp); loaded {
			if other := v.(weak.Pointer[Symbol]).Value(); other != nil {
				return other
			}
			continue
		}
		t.track(sym, key, wp)
		return sym
	}
}

// track removes a symbol's entry once the symbol is collected, unless the
// entry has since been replaced.
func (t *SymbolTable) track(sym *Symbol, key symbolKey, wp weak.Pointer[Symbol]) {
	runtime.AddCleanup(sym, func(wp weak.Pointer[Symbol]) {
		t.symbols.CompareAndDelete(key, wp)
	}, wp)
}

func (t *SymbolTable) newSymbol(key symbolKey, enc *Encoding) *Symbol {
	id, ok := staticIDs[key.content]
	if !ok || enc != USASCII {
		id = -1
	}
	return &Symbol{
		str:    key.content,
		enc:    enc,
		handle: unique.Make(key.content),
		hash:   t.hashOf(key),
		id:     id,
	}
}

func (t *SymbolTable) hashOf(key symbolKey) uint64 {
	if t.fixed == 0 {
		var h maphash.Hash
		h.SetSeed(t.seed)
		h.WriteString(key.content)
		h.WriteByte(0)
		h.WriteString(key.encoding)
		return h.Sum64()
	}
	h := fnv.New64a()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], t.fixed)
	h.Write(b[:])
	h.Write([]byte(key.content))
	h.Write([]byte{0})
	h.Write([]byte(key.encoding))
	return h.Sum64()
}

// AllSymbols returns the live symbols of the table sorted by content, then by
// encoding name.
func (t *SymbolTable) AllSymbols() []*Symbol {
	var r []*Symbol
	t.symbols.Range(func(_, v any) bool {
		if sym := v.(weak.Pointer[Symbol]).Value(); sym != nil {
			r = append(r, sym)
		}
		return true
	})
	sort.Slice(r, func(i, j int) bool {
		if r[i].str != r[j].str {
			return r[i].str < r[j].str
		}
		return r[i].enc.Name < r[j].enc.Name
	})
	return r
}

// PreservedCount returns the number of preserved symbols.
func (t *SymbolTable) PreservedCount() int {
	n := 0
	t.preserved.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
