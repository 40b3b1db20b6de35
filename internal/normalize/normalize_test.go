package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/scriptorium/internal/doctree"
)

const now = int64(1_700_000_000_000)

func TestDocumentJSON_Valid(t *testing.T) {
	res := DocumentJSON([]byte(`{"id":"d1","title":"T","content":[{"type":"p","children":[{"text":"x"}]}],"createdAt":1,"updatedAt":2,"version":3,"contentVersion":2,"deletedAt":5}`), now)
	require.True(t, res.OK())
	assert.Equal(t, "d1", res.Doc.ID)
	assert.Equal(t, "T", res.Doc.Title)
	assert.EqualValues(t, 3, res.Doc.Version)
	require.NotNil(t, res.Doc.DeletedAt)
	assert.EqualValues(t, 5, *res.Doc.DeletedAt)
}

func TestDocumentJSON_FieldDefaults(t *testing.T) {
	res := DocumentJSON([]byte(`{"id":"  d2 ","title":42,"content":"oops","version":"3","deletedAt":null}`), now)
	require.True(t, res.OK())
	assert.Equal(t, "d2", res.Doc.ID)
	assert.Equal(t, doctree.DefaultTitle, res.Doc.Title)
	assert.True(t, doctree.Equal(doctree.DefaultContent(), res.Doc.Content))
	assert.EqualValues(t, 1, res.Doc.Version)
	assert.Equal(t, now, res.Doc.CreatedAt)
	assert.Equal(t, now, res.Doc.UpdatedAt)
	assert.Nil(t, res.Doc.DeletedAt)
}

func TestDocumentJSON_TitleDerivedFromContent(t *testing.T) {
	res := DocumentJSON([]byte(`{"id":"d3","content":[{"type":"p","children":[{"text":"Derived"}]}]}`), now)
	require.True(t, res.OK())
	assert.Equal(t, "Derived", res.Doc.Title)
}

func TestDocumentJSON_Rejected(t *testing.T) {
	cases := map[string]string{
		`[1,2]`:          ReasonNotObject,
		`{"title":"x"}`:  ReasonMissingID,
		`{"id":"   "}`:   ReasonMissingID,
		`{"id":1}`:       ReasonMissingID,
		`{broken`:        ReasonNotObject,
		``:               ReasonNotObject,
	}
	for input, reason := range cases {
		res := DocumentJSON([]byte(input), now)
		assert.False(t, res.OK(), input)
		assert.Equal(t, reason, res.Reason, input)
	}
}

func TestMetaJSON(t *testing.T) {
	res := MetaJSON([]byte(`{"id":"m1","updatedAt":10,"version":0}`), now)
	require.True(t, res.OK())
	assert.EqualValues(t, 10, res.Meta.UpdatedAt)
	assert.EqualValues(t, 1, res.Meta.Version)
	assert.EqualValues(t, 0, res.Meta.ContentVersion)
	assert.Equal(t, now, res.Meta.CreatedAt)

	assert.False(t, MetaJSON([]byte(`{"title":"no id"}`), now).OK())
}
