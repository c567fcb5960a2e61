package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeISBN(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		want  string
		valid bool
	}{
		{"hyphenated 13", "978-0-547-92822-7", "9780547928227", true},
		{"spaced 13", "978 0547 928227", "9780547928227", true},
		{"plain 10", "0547928227", "0547928227", true},
		{"lowercase check digit", "080442957x", "080442957X", true},
		{"mixed separators", " 0-8044-2957-X ", "080442957X", true},
		{"too short", "12345", "12345", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, valid := NormalizeISBN(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.valid, valid)
		})
	}
}

func TestNormalizeISBN_SeparatorInvariance(t *testing.T) {
	variants := []string{"9780547928227", "978-0547928227", "978-0-547-92822-7", "978 0 547 92822 7"}

	for _, v := range variants {
		got, valid := NormalizeISBN(v)
		assert.True(t, valid, v)
		assert.Equal(t, "9780547928227", got, v)
	}
}

func TestISBNEquivalent(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		want bool
	}{
		{"13 to 10 conversion", "9780547928227", "0547928227", true},
		{"10 to 13 conversion", "0547928227", "9780547928227", true},
		{"identical 13", "9780547928227", "9780547928227", true},
		{"hyphenation ignored", "978-0-547-92822-7", "0547928227", true},
		{"different books", "9780547928227", "9780261102217", false},
		{"979 prefix has no isbn-10 form", "9798886451740", "8886451741", false},
		{"invalid side", "not-an-isbn", "9780547928227", false},
		{"both empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ISBNEquivalent(tt.a, tt.b))
		})
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"subtitle and edition", "The Hobbit: 75th Anniversary Edition", "hobbit"},
		{"plain", "Hobbit", "hobbit"},
		{"leading article", "The Fellowship of the Ring", "fellowship of the ring"},
		{"dash subtitle", "Dune - The Graphic Novel", "dune"},
		{"bracketed noise", "1984 [retail] (epub)", "1984"},
		{"format token", "Neuromancer EPUB", "neuromancer"},
		{"punctuation", "Do Androids Dream of Electric Sheep?", "do androids dream of electric sheep"},
		{"whitespace collapse", "  A   Wizard  of Earthsea ", "wizard of earthsea"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeTitle(tt.raw))
		})
	}
}

func TestNormalizeTitle_SubtitleEquivalence(t *testing.T) {
	assert.Equal(t, NormalizeTitle("Hobbit"), NormalizeTitle("The Hobbit: 75th Anniversary Edition"))
}

func TestNormalizeAuthor(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"initials", "J.R.R. Tolkien", "j r r tolkien"},
		{"spaced initials", "J. R. R. Tolkien", "j r r tolkien"},
		{"reversed", "Tolkien, J.R.R.", "j r r tolkien"},
		{"honorific", "Dr. Oliver Sacks", "oliver sacks"},
		{"suffix", "Martin Luther King Jr.", "martin luther king"},
		{"plain", "Ursula K. Le Guin", "ursula k le guin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAuthor(tt.raw))
		})
	}
}

func TestSplitAuthors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{"ampersand", "Terry Pratchett & Neil Gaiman", []string{"terry pratchett", "neil gaiman"}},
		{"and", "Terry Pratchett and Neil Gaiman", []string{"terry pratchett", "neil gaiman"}},
		{"semicolon", "Terry Pratchett; Neil Gaiman", []string{"terry pratchett", "neil gaiman"}},
		{"comma list", "Anne Smith, John Doe", []string{"anne smith", "john doe"}},
		{"reversed single name", "Tolkien, J.R.R.", []string{"j r r tolkien"}},
		{"single", "Frank Herbert", []string{"frank herbert"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitAuthors(tt.raw))
		})
	}
}

func TestReverseName(t *testing.T) {
	assert.Equal(t, "tolkien r r j", ReverseName("j r r tolkien"))
	assert.Equal(t, "single", ReverseName("single"))
}

func TestExtractYear(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"published 2012", 2012},
		{"1899 is out of range", 0},
		{"(1954) first edition", 1954},
		{"ISBN 9780547928227", 0},
		{"2099 ok, 2100 not", 2099},
		{"", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtractYear(tt.raw), tt.raw)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"en", "english"},
		{"ENG", "english"},
		{"English", "english"},
		{"deu", "german"},
		{"Deutsch", "german"},
		{"pt-BR", "portuguese"},
		{"klingon", "klingon"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLanguage(tt.raw), tt.raw)
	}
}
