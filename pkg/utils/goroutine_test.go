package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGo_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Go(context.Background(), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("background task never ran")
	}
}

func TestGo_ContainsPanic(t *testing.T) {
	done := make(chan struct{})
	Go(context.Background(), func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking task should still complete its deferred work")
	}
}

func TestPtr(t *testing.T) {
	v := Ptr(42)
	assert.Equal(t, 42, *v)

	s := Ptr("x")
	assert.Equal(t, "x", *s)
}
