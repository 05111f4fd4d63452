package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTransformConvergence is TP1 (spec.md §8 property 2): for any two
// concurrent operations a, b on base S by distinct authors,
// apply(T(a,b), apply(b,S)) == apply(T(b,a), apply(a,S)).
func TestTransformConvergence(t *testing.T) {
	tr := NewTransformer()

	cases := []struct {
		name string
		base string
		a, b Operation
	}{
		{
			name: "S1 concurrent insert at same position",
			base: "",
			a:    Operation{Type: OpInsert, Position: 0, Content: "Hello", Author: "alice"},
			b:    Operation{Type: OpInsert, Position: 0, Content: "World", Author: "bob"},
		},
		{
			name: "S2 insert vs delete overlap",
			base: "abcdef",
			a:    Operation{Type: OpDelete, Position: 1, Length: 3, Author: "alice"},
			b:    Operation{Type: OpInsert, Position: 2, Content: "X", Author: "bob"},
		},
		{
			name: "two disjoint inserts",
			base: "0123456789",
			a:    Operation{Type: OpInsert, Position: 1, Content: "AA", Author: "alice"},
			b:    Operation{Type: OpInsert, Position: 8, Content: "BB", Author: "bob"},
		},
		{
			name: "two disjoint deletes",
			base: "0123456789",
			a:    Operation{Type: OpDelete, Position: 1, Length: 2, Author: "alice"},
			b:    Operation{Type: OpDelete, Position: 7, Length: 2, Author: "bob"},
		},
		{
			name: "overlapping deletes",
			base: "0123456789",
			a:    Operation{Type: OpDelete, Position: 2, Length: 4, Author: "alice"},
			b:    Operation{Type: OpDelete, Position: 4, Length: 4, Author: "bob"},
		},
		{
			name: "delete fully contains another delete",
			base: "0123456789",
			a:    Operation{Type: OpDelete, Position: 1, Length: 6, Author: "alice"},
			b:    Operation{Type: OpDelete, Position: 3, Length: 2, Author: "bob"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			aPrime := tr.Transform(tc.a, tc.b)
			bPrime := tr.Transform(tc.b, tc.a)

			leftState, err := tc.base, error(nil)
			leftState, err = applyTo(leftState, tc.b)
			require.NoError(t, err)
			for _, op := range aPrime {
				leftState, err = applyTo(leftState, op)
				require.NoError(t, err)
			}

			rightState := tc.base
			rightState, err = applyTo(rightState, tc.a)
			require.NoError(t, err)
			for _, op := range bPrime {
				rightState, err = applyTo(rightState, op)
				require.NoError(t, err)
			}

			assert.Equal(t, leftState, rightState, "TP1 convergence violated")
		})
	}
}

// TestInsertInsertTieBreak is S1 literally: same position, distinct
// authors, lower author wins the position (spec.md §4.1, Open Question b).
func TestInsertInsertTieBreak(t *testing.T) {
	tr := NewTransformer()
	a := Operation{Type: OpInsert, Position: 0, Content: "Hello", Author: "alice"}
	b := Operation{Type: OpInsert, Position: 0, Content: "World", Author: "bob"}

	bPrime := tr.Transform(b, a)
	require.Len(t, bPrime, 1)
	assert.Equal(t, 5, bPrime[0].Position)

	text, err := applyTo("", a)
	require.NoError(t, err)
	text, err = applyTo(text, bPrime[0])
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld", text)
}

// TestInsertVsDeleteOverlap is S2 literally.
func TestInsertVsDeleteOverlap(t *testing.T) {
	tr := NewTransformer()
	del := Operation{Type: OpDelete, Position: 1, Length: 3, Author: "alice"} // deletes "bcd"
	ins := Operation{Type: OpInsert, Position: 2, Content: "X", Author: "bob"}

	text, err := applyTo("abcdef", del)
	require.NoError(t, err)
	assert.Equal(t, "aef", text)

	insPrime := tr.Transform(ins, del)
	require.Len(t, insPrime, 1)
	assert.Equal(t, 1, insPrime[0].Position)

	text, err = applyTo(text, insPrime[0])
	require.NoError(t, err)
	assert.Equal(t, "aXef", text)
}

// TestDeleteInsertTrueSplit exercises Open Question (c): an insert landing
// in the middle of a delete range splits the delete into two operations
// rather than lossily merging it.
func TestDeleteInsertTrueSplit(t *testing.T) {
	tr := NewTransformer()
	del := Operation{Type: OpDelete, Position: 0, Length: 10, Author: "alice"} // deletes "0123456789"
	ins := Operation{Type: OpInsert, Position: 5, Content: "XYZ", Author: "bob"}

	delPrime := tr.Transform(del, ins)
	require.Len(t, delPrime, 2)
	assert.Equal(t, 0, delPrime[0].Position)
	assert.Equal(t, 5, delPrime[0].Length)
	assert.Equal(t, 3, delPrime[1].Position) // 5 + len("XYZ") - 5 already removed by the first half
	assert.Equal(t, 5, delPrime[1].Length)

	text, err := applyTo("0123456789", ins)
	require.NoError(t, err)
	assert.Equal(t, "01234XYZ56789", text)
	for _, op := range delPrime {
		text, err = applyTo(text, op)
		require.NoError(t, err)
	}
	assert.Equal(t, "XYZ", text)
}

func TestDeleteDeleteFullOverlapDegeneratesToRetain(t *testing.T) {
	tr := NewTransformer()
	a := Operation{Type: OpDelete, Position: 2, Length: 3, Author: "alice"}
	b := Operation{Type: OpDelete, Position: 2, Length: 3, Author: "bob"}

	aPrime := tr.deleteDelete(a, b)
	assert.Equal(t, OpRetain, aPrime.Type)
	assert.Equal(t, 0, aPrime.Length)
}
