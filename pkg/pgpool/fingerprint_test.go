package pgpool_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/pgsteward/pkg/pgpool"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	t.Run("whitespace insensitive", func(t *testing.T) {
		t.Parallel()

		a := pgpool.Fingerprint("SELECT * FROM clicks WHERE id = $1")
		b := pgpool.Fingerprint("SELECT  *\n\tFROM clicks\n\tWHERE id = $1")
		require.Equal(t, a, b)
	})

	t.Run("placeholder numbering insensitive", func(t *testing.T) {
		t.Parallel()

		a := pgpool.Fingerprint("UPDATE campaigns SET name = $1 WHERE id = $2")
		b := pgpool.Fingerprint("UPDATE campaigns SET name = $3 WHERE id = $7")
		require.Equal(t, a, b)
	})

	t.Run("case folded outside literals", func(t *testing.T) {
		t.Parallel()

		a := pgpool.Fingerprint("select NAME from users")
		b := pgpool.Fingerprint("SELECT name FROM users")
		require.Equal(t, a, b)

		// String literal contents stay significant.
		c := pgpool.Fingerprint("SELECT 'ABC'")
		d := pgpool.Fingerprint("SELECT 'abc'")
		require.NotEqual(t, c, d)
	})

	t.Run("different statements differ", func(t *testing.T) {
		t.Parallel()

		a := pgpool.Fingerprint("SELECT 1")
		b := pgpool.Fingerprint("SELECT 2")
		require.NotEqual(t, a, b)
	})
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	got := pgpool.Normalize("SELECT  *  FROM  orders\nWHERE status = $12")
	require.Equal(t, "select * from orders where status = $?", got)
}
