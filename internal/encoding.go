package internal

import (
	"strings"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// Encoding is a Ruby encoding class. Encodings are canonical: each name
// resolves to one *Encoding.
type Encoding struct {
	// Name is the canonical Ruby name of the encoding.
	Name string
	// ASCIICompatible is whether ASCII bytes mean ASCII characters in this
	// encoding. Symbols with only ASCII content in such encodings are folded
	// to US-ASCII.
	ASCIICompatible bool

	// enc decodes the encoding to UTF-8 for display. It is nil for encodings
	// with no character meaning.
	enc encoding.Encoding
}

// Well-known encodings.
var (
	USASCII = &Encoding{Name: "US-ASCII", ASCIICompatible: true, enc: unicode.UTF8}
	Binary  = &Encoding{Name: "ASCII-8BIT", ASCIICompatible: true}
	UTF8    = &Encoding{Name: "UTF-8", ASCIICompatible: true, enc: unicode.UTF8}
)

// encodings caches encodings resolved through the IANA index by canonical
// name.
var encodings sync.Map

// LookupEncoding resolves an encoding name, case-insensitively, to its
// canonical encoding.
func LookupEncoding(name string) (*Encoding, error) {
	switch strings.ToUpper(name) {
	case "US-ASCII", "ASCII", "ANSI_X3.4-1968":
		return USASCII, nil
	case "ASCII-8BIT", "BINARY":
		return Binary, nil
	case "UTF-8", "UTF8", "CP65001":
		return UTF8, nil
	}
	e, err := ianaindex.IANA.Encoding(name)
	if err != nil || e == nil {
		return nil, NewExceptionf("ArgumentError", "unknown encoding name - %s", name)
	}
	canon, err := ianaindex.IANA.Name(e)
	if err != nil {
		canon = strings.ToUpper(name)
	}
	if r, ok := encodings.Load(canon); ok {
		return r.(*Encoding), nil
	}
	r, _ := encodings.LoadOrStore(canon, &Encoding{
		Name:            canon,
		ASCIICompatible: asciiCompatible(e),
		enc:             e,
	})
	return r.(*Encoding), nil
}

// asciiCompatible checks whether e decodes printable ASCII to itself.
func asciiCompatible(e encoding.Encoding) bool {
	const probe = "azAZ09 !~"
	r, err := e.NewDecoder().String(probe)
	return err == nil && r == probe
}

// Decode converts b from e to a UTF-8 string for display. Bytes of encodings
// with no character meaning are returned unchanged.
func (e *Encoding) Decode(b []byte) string {
	if e.enc == nil {
		return string(b)
	}
	r, err := e.enc.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(r)
}

// String returns the encoding name.
func (e *Encoding) String() string {
	return e.Name
}
