package endpoint

import (
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path string
		want []string
	}{
		{"/games", []string{"games"}},
		{"games/", []string{"games"}},
		{"//games//grand-theft-auto-v/", []string{"games", "grand-theft-auto-v"}},
		{"/", nil},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitPath(tt.path), "path %q", tt.path)
	}
}

func TestResolve_GamesList(t *testing.T) {
	t.Run("filters query to whitelist", func(t *testing.T) {
		q := url.Values{
			"genres":           {"4"},
			"parent_platforms": {"1,2,3"},
			"ordering":         {"-released"},
			"search":           {"zelda"},
			"page":             {"2"},
			"key":              {"attacker-supplied"},
			"page_size":        {"9999"},
		}
		resolved, rej := Resolve([]string{"games"}, q)
		require.Nil(t, rej)
		assert.Equal(t, "games", resolved.Path)
		assert.Equal(t, "4", resolved.Query.Get("genres"))
		assert.Equal(t, "zelda", resolved.Query.Get("search"))
		assert.Equal(t, "2", resolved.Query.Get("page"))
		assert.Empty(t, resolved.Query.Get("key"), "unknown params must be dropped")
		assert.Empty(t, resolved.Query.Get("page_size"))
	})

	t.Run("collapses repeated values to the first", func(t *testing.T) {
		q := url.Values{"page": {"1", "2"}}
		resolved, rej := Resolve([]string{"games"}, q)
		require.Nil(t, rej)
		assert.Equal(t, []string{"1"}, resolved.Query["page"])
	})

	t.Run("rejects over-long query values", func(t *testing.T) {
		q := url.Values{"search": {strings.Repeat("a", 101)}}
		_, rej := Resolve([]string{"games"}, q)
		require.NotNil(t, rej)
		assert.Equal(t, http.StatusBadRequest, rej.Status)
		assert.Contains(t, rej.Message, "search")
	})

	t.Run("accepts values at exactly the limit", func(t *testing.T) {
		q := url.Values{"search": {strings.Repeat("a", 100)}}
		resolved, rej := Resolve([]string{"games"}, q)
		require.Nil(t, rej)
		assert.Len(t, resolved.Query.Get("search"), 100)
	})
}

func TestResolve_GameSlug(t *testing.T) {
	valid := []string{"grand-theft-auto-v", "doom", "half-life-2", "x9"}
	for _, slug := range valid {
		t.Run("accepts "+slug, func(t *testing.T) {
			resolved, rej := Resolve([]string{"games", slug}, nil)
			require.Nil(t, rej)
			assert.Equal(t, "games/"+slug, resolved.Path)
			assert.Empty(t, resolved.Query, "slug route has no query passthrough")
		})
	}

	invalid := []string{"Grand-Theft-Auto", "-slug", "slug-", "slug--v", "sl_ug", ""}
	for _, slug := range invalid {
		t.Run("rejects "+slug, func(t *testing.T) {
			_, rej := Resolve([]string{"games", slug}, nil)
			require.NotNil(t, rej)
			assert.Equal(t, http.StatusBadRequest, rej.Status)
		})
	}

	t.Run("slug route drops query entirely", func(t *testing.T) {
		resolved, rej := Resolve([]string{"games", "doom"}, url.Values{"page": {"2"}})
		require.Nil(t, rej)
		assert.Empty(t, resolved.Query)
	})
}

func TestResolve_GameMedia(t *testing.T) {
	t.Run("accepts screenshots and movies", func(t *testing.T) {
		for _, kind := range []string{"screenshots", "movies"} {
			resolved, rej := Resolve([]string{"games", "3498", kind}, nil)
			require.Nil(t, rej)
			assert.Equal(t, "games/3498/"+kind, resolved.Path)
		}
	})

	t.Run("rejects invalid ids", func(t *testing.T) {
		for _, id := range []string{"0", "01", "abc", "-5", ""} {
			_, rej := Resolve([]string{"games", id, "screenshots"}, nil)
			require.NotNil(t, rej, "id %q should be rejected", id)
			assert.Equal(t, http.StatusBadRequest, rej.Status)
		}
	})

	t.Run("rejects unknown media kinds", func(t *testing.T) {
		_, rej := Resolve([]string{"games", "3498", "trailers"}, nil)
		require.NotNil(t, rej)
		assert.Equal(t, http.StatusBadRequest, rej.Status)
		assert.Contains(t, rej.Message, "trailers")
	})

	t.Run("id is checked before media kind", func(t *testing.T) {
		_, rej := Resolve([]string{"games", "abc", "trailers"}, nil)
		require.NotNil(t, rej)
		assert.Contains(t, rej.Message, "abc")
	})
}

func TestResolve_Genres(t *testing.T) {
	t.Run("accepts bare genres", func(t *testing.T) {
		resolved, rej := Resolve([]string{"genres"}, nil)
		require.Nil(t, rej)
		assert.Equal(t, "genres", resolved.Path)
	})

	t.Run("rejects any extra segment", func(t *testing.T) {
		for _, extra := range []string{"4", "action", "lists"} {
			_, rej := Resolve([]string{"genres", extra}, nil)
			require.NotNil(t, rej, "genres/%s should be rejected", extra)
			assert.Equal(t, http.StatusNotFound, rej.Status)
		}
	})
}

func TestResolve_Platforms(t *testing.T) {
	t.Run("accepts exactly platforms/lists/parents", func(t *testing.T) {
		resolved, rej := Resolve([]string{"platforms", "lists", "parents"}, nil)
		require.Nil(t, rej)
		assert.Equal(t, "platforms/lists/parents", resolved.Path)
	})

	t.Run("rejects any other shape", func(t *testing.T) {
		shapes := [][]string{
			{"platforms"},
			{"platforms", "lists"},
			{"platforms", "lists", "children"},
			{"platforms", "x", "parents"},
			{"platforms", "x", "y"},
		}
		for _, segs := range shapes {
			_, rej := Resolve(segs, nil)
			require.NotNil(t, rej, "%v should be rejected", segs)
			assert.Equal(t, http.StatusNotFound, rej.Status)
		}
	})
}

func TestResolve_Unknown(t *testing.T) {
	t.Run("unknown discriminant is not found", func(t *testing.T) {
		_, rej := Resolve([]string{"publishers"}, nil)
		require.NotNil(t, rej)
		assert.Equal(t, http.StatusNotFound, rej.Status)
	})

	t.Run("empty segment list is not found", func(t *testing.T) {
		_, rej := Resolve(nil, nil)
		require.NotNil(t, rej)
		assert.Equal(t, http.StatusNotFound, rej.Status)
	})

	t.Run("too many segments is not found", func(t *testing.T) {
		_, rej := Resolve([]string{"games", "3498", "screenshots", "extra"}, nil)
		require.NotNil(t, rej)
		assert.Equal(t, http.StatusNotFound, rej.Status)
	})
}
