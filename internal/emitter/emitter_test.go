package emitter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrder(t *testing.T) {
	var r Registry[int]
	var got []string

	r.Subscribe(func(int) { got = append(got, "first") })
	r.Subscribe(func(int) { got = append(got, "second") })
	r.Subscribe(func(int) { got = append(got, "third") })

	r.Publish(1)
	assert.Equal(t, []string{"first", "second", "third"}, got, "delivery follows registration order")
}

func TestUnsubscribe(t *testing.T) {
	var r Registry[string]
	var a, b int

	unsubA := r.Subscribe(func(string) { a++ })
	r.Subscribe(func(string) { b++ })

	r.Publish("x")
	unsubA()
	unsubA() // double unsubscribe is harmless
	r.Publish("y")

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, r.Len())
}

func TestUnsubscribeDuringDelivery(t *testing.T) {
	var r Registry[int]
	var calls int
	var unsub func()
	unsub = r.Subscribe(func(int) {
		calls++
		unsub()
	})

	r.Publish(1)
	r.Publish(2)
	assert.Equal(t, 1, calls)
}
