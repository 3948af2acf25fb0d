package optimistic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyVisibleImmediately(t *testing.T) {
	r := New[int64](time.Second, nil)
	r.Seed("balance", 100)

	var seen []int64
	r.Subscribe(func(c Change[int64]) { seen = append(seen, c.Value) })

	id := r.Apply("balance", 70)
	assert.NotEmpty(t, id)

	v, ok := r.Get("balance")
	require.True(t, ok)
	assert.Equal(t, int64(70), v)
	assert.Equal(t, []int64{70}, seen)
	assert.True(t, r.IsPending("balance"))
}

func TestConfirmMatchingValue(t *testing.T) {
	r := New[int64](time.Second, nil)
	r.Seed("balance", 100)

	id := r.Apply("balance", 70)
	assert.True(t, r.Confirm("balance", id, nil))
	assert.False(t, r.IsPending("balance"))

	v, _ := r.Get("balance")
	assert.Equal(t, int64(70), v)
}

func TestConfirmServerValueWins(t *testing.T) {
	r := New[int](time.Second, nil)
	r.Seed("oak", 5)

	id := r.Apply("oak", 4)
	server := 2 // the server had already debited elsewhere
	assert.True(t, r.Confirm("oak", id, &server))

	v, _ := r.Get("oak")
	assert.Equal(t, 2, v, "the displayed count converges to the server's value")
}

func TestRejectRestoresPrevious(t *testing.T) {
	r := New[int64](time.Second, nil)
	r.Seed("balance", 100)

	id := r.Apply("balance", 70)
	assert.True(t, r.Reject("balance", id))

	v, _ := r.Get("balance")
	assert.Equal(t, int64(100), v)
}

func TestTimeoutRollsBack(t *testing.T) {
	r := New[int64](20*time.Millisecond, nil)
	r.Seed("balance", 100)

	r.Apply("balance", 70)

	assert.Eventually(t, func() bool {
		v, _ := r.Get("balance")
		return v == 100 && !r.IsPending("balance")
	}, time.Second, 5*time.Millisecond, "an unconfirmed mutation never stays pending")
}

func TestSupersedeInheritsPrevious(t *testing.T) {
	r := New[int64](time.Second, nil)
	r.Seed("balance", 100)

	r.Apply("balance", 70)
	id2 := r.Apply("balance", 40) // supersedes while still pending

	v, _ := r.Get("balance")
	assert.Equal(t, int64(40), v)

	// Rolling back the superseding mutation restores the true
	// pre-optimistic value, not the intermediate 70.
	assert.True(t, r.Reject("balance", id2))
	v, _ = r.Get("balance")
	assert.Equal(t, int64(100), v)
}

func TestResolveShortCircuitsPending(t *testing.T) {
	r := New[int64](time.Second, nil)
	r.Seed("balance", 100)

	id := r.Apply("balance", 70)
	r.Resolve("balance", 65) // pushed event is authoritative

	v, _ := r.Get("balance")
	assert.Equal(t, int64(65), v)

	// The request's own late outcome must not reapply anything.
	assert.False(t, r.Confirm("balance", id, nil))
	assert.False(t, r.Reject("balance", id))
	v, _ = r.Get("balance")
	assert.Equal(t, int64(65), v)
}

func TestIndependentKeys(t *testing.T) {
	r := New[int](time.Second, nil)
	r.Seed("oak", 3)
	r.Seed("pine", 2)

	idOak := r.Apply("oak", 2)
	idPine := r.Apply("pine", 1)

	assert.True(t, r.Reject("oak", idOak))
	assert.True(t, r.IsPending("pine"), "mutations on different keys are independent")
	assert.True(t, r.Confirm("pine", idPine, nil))
}
