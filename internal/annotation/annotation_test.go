package annotation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planetatlas/atlas-cli/internal/coords"
)

func TestNewClientID_UniqueAndLocal(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewClientID()
		assert.True(t, strings.HasPrefix(id, "local-"))
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestValidate(t *testing.T) {
	pt := &coords.LatLng{Lat: 1, Lng: 2}
	rect := &coords.Bounds{South: 0, West: 0, North: 1, East: 1}

	tests := []struct {
		name    string
		a       Annotation
		wantErr error
	}{
		{name: "point ok", a: Annotation{Category: "crater", Point: pt}},
		{name: "rect ok", a: Annotation{Category: "crater", Rect: rect}},
		{name: "percent ok", a: Annotation{Category: "crater", PercentPoint: &coords.PercentPoint{X: 50, Y: 50}}},
		{name: "no geometry", a: Annotation{Category: "crater"}, wantErr: ErrBadGeometry},
		{name: "two geometries", a: Annotation{Category: "crater", Point: pt, Rect: rect}, wantErr: ErrBadGeometry},
		{name: "empty category", a: Annotation{Category: "  ", Point: pt}, wantErr: ErrEmptyCategory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.a.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNormalizeLabel(t *testing.T) {
	s, err := NormalizeLabel("  ridge near crater rim  ")
	require.NoError(t, err)
	assert.Equal(t, "ridge near crater rim", s)

	_, err = NormalizeLabel("   ")
	assert.ErrorIs(t, err, ErrEmptyLabel)

	long := strings.Repeat("x", 150)
	s, err = NormalizeLabel(long)
	require.NoError(t, err)
	assert.Len(t, s, MaxLabelLen)
}

func TestNormalizeLabel_CapsRunesNotBytes(t *testing.T) {
	long := strings.Repeat("山", MaxLabelLen+1)
	s, err := NormalizeLabel(long)
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(s), "truncation must not split a rune")
	assert.Equal(t, MaxLabelLen, utf8.RuneCountInString(s))

	// A multi-byte label at the cap is kept whole.
	exact := strings.Repeat("é", MaxLabelLen)
	s, err = NormalizeLabel(exact)
	require.NoError(t, err)
	assert.Equal(t, exact, s)
}

func TestNormalizeNotes(t *testing.T) {
	assert.Equal(t, "", NormalizeNotes("   "))
	assert.Equal(t, "rim shadow", NormalizeNotes("  rim shadow  "))

	long := NormalizeNotes(strings.Repeat("山", 150))
	assert.Equal(t, MaxLabelLen, utf8.RuneCountInString(long))
	assert.True(t, utf8.ValidString(long))
}

func TestSafeLabel_StripsMarkup(t *testing.T) {
	a := Annotation{Label: `<script>alert("x")</script>dune & "field"`}
	safe := a.SafeLabel()
	assert.NotContains(t, safe, "<script>")
	assert.NotContains(t, safe, `"field"`)
	assert.Contains(t, safe, "dune")
}

func TestPosition(t *testing.T) {
	p := Annotation{Point: &coords.LatLng{Lat: 3, Lng: 4}}
	assert.Equal(t, coords.LatLng{Lat: 3, Lng: 4}, p.Position())

	r := Annotation{Rect: &coords.Bounds{South: 0, West: 0, North: 10, East: 20}}
	assert.Equal(t, coords.LatLng{Lat: 5, Lng: 10}, r.Position())
}

func TestStore_Ordering(t *testing.T) {
	s := NewStore()
	s.Add(Annotation{ID: "a"})
	s.Add(Annotation{ID: "b"})
	s.Add(Annotation{ID: "c"})

	ids := func() []string {
		var out []string
		for _, a := range s.List() {
			out = append(out, a.ID)
		}
		return out
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids())

	assert.True(t, s.Remove("b"))
	assert.False(t, s.Remove("b"))
	assert.Equal(t, []string{"a", "c"}, ids())

	s.ReplaceAll([]Annotation{{ID: "z"}, {ID: "y"}})
	assert.Equal(t, []string{"z", "y"}, ids())
	assert.Equal(t, 2, s.Len())
}

func TestStore_GetUpdate(t *testing.T) {
	s := NewStore()
	s.Add(Annotation{ID: "a", Category: "crater"})

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "crater", got.Category)

	got.Verified = true
	assert.True(t, s.Update(got))

	got, _ = s.Get("a")
	assert.True(t, got.Verified)

	_, ok = s.Get("missing")
	assert.False(t, ok)
	assert.False(t, s.Update(Annotation{ID: "missing"}))
}

func TestStore_ListIsCopy(t *testing.T) {
	s := NewStore()
	s.Add(Annotation{ID: "a"})
	list := s.List()
	list[0].ID = "mutated"
	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)
}
