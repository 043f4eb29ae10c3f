package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct{ ID string }

func TestPageTrimsExtraRow(t *testing.T) {
	data := []*row{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	out, info := Page(data, 2, func(r *row) Cursor { return Cursor{ID: r.ID} })
	require.Len(t, out, 2)
	require.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextCursor)
	require.NoError(t, err)
	require.Equal(t, "2", cursor.ID)
}

func TestPageLastPage(t *testing.T) {
	data := []*row{{ID: "1"}}

	out, info := Page(data, 10, func(r *row) Cursor { return Cursor{ID: r.ID} })
	require.Len(t, out, 1)
	require.False(t, info.HasMore)
	require.Empty(t, info.NextCursor)
}
