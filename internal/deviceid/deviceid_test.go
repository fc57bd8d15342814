// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

package deviceid

import (
	"errors"
	"strings"
	"testing"
	"testing/quick"
)

func TestRoundTrip(t *testing.T) {
	f := func(raw [32]byte) bool {
		id := DeviceID(raw)
		s := id.String()
		id2, err := FromString(s)
		if err != nil {
			t.Log(err)
			return false
		}
		return id == id2
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	cert := []byte("not a real certificate, just some bytes")
	id := FromCertificate(cert)
	s := id.String()
	id2, err := FromString(s)
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Errorf("round trip mismatch: %v != %v", id, id2)
	}
}

func TestStringLengthAndCheckDigitPositions(t *testing.T) {
	id := FromCertificate([]byte("some certificate bytes"))
	s := id.String()
	stripped := strings.ReplaceAll(s, "-", "")
	if len(stripped) != 56 {
		t.Fatalf("expected 56 characters, got %d: %q", len(stripped), stripped)
	}
	for _, pos := range []int{13, 27, 41, 55} {
		// A single character change at a check position must invalidate the ID.
		mutated := []byte(stripped)
		for _, c := range alphabet {
			if byte(c) != mutated[pos] {
				mutated[pos] = byte(c)
				break
			}
		}
		if _, err := FromString(string(mutated)); !errors.Is(err, ErrCheckDigitMismatch) {
			t.Errorf("position %d: expected check digit mismatch, got %v", pos, err)
		}
	}
}

func TestFlipDataCharacterInvalidates(t *testing.T) {
	id := FromCertificate([]byte("some other certificate bytes"))
	s := strings.ReplaceAll(id.String(), "-", "")
	mutated := []byte(s)
	// Flip the first data character (position 0) to something else valid in
	// the alphabet but different.
	for _, c := range alphabet {
		if byte(c) != mutated[0] {
			mutated[0] = byte(c)
			break
		}
	}
	if _, err := FromString(string(mutated)); err == nil {
		t.Error("expected flipped data character to invalidate the device ID")
	}
}

func TestInvalidLength(t *testing.T) {
	if _, err := FromString("TOOSHORT"); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
}

func TestHyphensAreStripped(t *testing.T) {
	id := FromCertificate([]byte("yet another certificate"))
	display := id.String()
	if !strings.Contains(display, "-") {
		t.Fatal("expected display form to contain hyphens")
	}
	id2, err := FromString(display)
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Error("hyphenated and stripped forms should parse identically")
	}

	noHyphens := strings.ReplaceAll(display, "-", "")
	id3, err := FromString(noHyphens)
	if err != nil {
		t.Fatal(err)
	}
	if id != id3 {
		t.Error("hyphen-free form should parse identically")
	}
}

func TestInvalidCharacter(t *testing.T) {
	s := strings.ReplaceAll(FromCertificate([]byte("cert")).String(), "-", "")
	mutated := []byte(s)
	mutated[0] = '!'
	if _, err := FromString(string(mutated)); !errors.Is(err, ErrInvalidCharacter) {
		t.Errorf("expected ErrInvalidCharacter, got %v", err)
	}
}

func TestShort(t *testing.T) {
	id := FromCertificate([]byte("short form test"))
	short := id.Short()
	if len(short) != 7 {
		t.Errorf("expected 7 character short form, got %q", short)
	}
	if !strings.HasPrefix(strings.ReplaceAll(id.String(), "-", ""), short) {
		t.Errorf("short form %q is not a prefix of %q", short, id.String())
	}
}

func TestEqualsAndCompare(t *testing.T) {
	a := FromCertificate([]byte("a"))
	b := FromCertificate([]byte("b"))
	if !a.Equals(a) {
		t.Error("a should equal itself")
	}
	if a.Equals(b) {
		t.Error("a should not equal b")
	}
	if a.Compare(a) != 0 {
		t.Error("a.Compare(a) should be 0")
	}
}

func TestIsZero(t *testing.T) {
	var zero DeviceID
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
	id := FromCertificate([]byte("nonzero"))
	if id.IsZero() {
		t.Error("derived ID should not be zero")
	}
}
